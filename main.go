package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"classroom-kanban-go/internal/config"
	"classroom-kanban-go/internal/handlers"
	"classroom-kanban-go/internal/logger"
	"classroom-kanban-go/internal/store"
)

func main() {
	dotenv := config.LoadDotenv()

	cfg, err := config.LoadServer()
	log := logger.New(cfg.Env)
	defer log.Sync()
	if !dotenv {
		log.Info("no .env file found, using environment")
	}
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis carries notifications to whichever instance holds the user's socket.
	bus := store.NewRedisBus(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, log)
	defer bus.Close()
	if err := bus.Ping(ctx); err != nil {
		log.Warn("redis unreachable, realtime delivery will fail until it is up", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	pgStore, err := store.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pgStore.Close()

	if err := pgStore.RunMigrations(ctx); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}
	log.Info("database migrations completed")

	keys, err := handlers.LoadVAPIDKeys(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, log)
	if err != nil {
		log.Fatal("failed to load VAPID keys", zap.Error(err))
	}

	h := handlers.NewHandler(handlers.Options{
		Store:         pgStore,
		Bus:           bus,
		Tokens:        handlers.NewTokens(cfg.JWTSecret),
		Pusher:        handlers.NewPusher(pgStore, keys, cfg.VAPIDSubscriber, cfg.PushTTL, log),
		WebhookSecret: cfg.WebhookSecret,
		StaticDir:     cfg.StaticDir,
		WorkerVersion: cfg.WorkerVersion,
	}, log)

	r := h.Routes()
	r.Handle("/metrics", promhttp.Handler())

	// Serve static files (PWA assets)
	fs := http.FileServer(http.Dir(cfg.StaticDir))
	r.Handle("/static/*", http.StripPrefix("/static/", fs))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
