package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"classroom-kanban-go/internal/logger"
	"classroom-kanban-go/internal/metrics"
	"classroom-kanban-go/internal/store"
)

type Handler struct {
	Store         store.Store
	Bus           store.Bus
	Tokens        *Tokens
	Pusher        *Pusher
	Notifier      *Notifier
	WebhookSecret string
	StaticDir     string
	WorkerVersion string
	Log           *zap.Logger
}

type Options struct {
	Store         store.Store
	Bus           store.Bus
	Tokens        *Tokens
	Pusher        *Pusher
	WebhookSecret string
	StaticDir     string
	WorkerVersion string
}

func NewHandler(opts Options, log *zap.Logger) *Handler {
	log = logger.OrNop(log)
	return &Handler{
		Store:         opts.Store,
		Bus:           opts.Bus,
		Tokens:        opts.Tokens,
		Pusher:        opts.Pusher,
		Notifier:      NewNotifier(opts.Store, opts.Bus, opts.Pusher, log),
		WebhookSecret: opts.WebhookSecret,
		StaticDir:     opts.StaticDir,
		WorkerVersion: opts.WorkerVersion,
		Log:           log,
	}
}

// Routes mounts the REST API, the notification socket and the worker script.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", SignatureHeader},
		ExposedHeaders:   []string{"X-Worker-Version"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/sw.js", h.WorkerScriptHandler)
	r.Head("/sw.js", h.WorkerScriptHandler)

	r.Post("/api/events", h.EventHandler)

	r.Group(func(r chi.Router) {
		r.Use(h.Tokens.AuthMiddleware)

		r.Get("/ws/notifications/", h.NotificationSocketHandler)

		r.Route("/api/notifications", func(r chi.Router) {
			r.Get("/", h.ListNotificationsHandler)
			r.Post("/mark_all_read/", h.MarkAllReadHandler)
			r.Post("/{id}/mark_read/", h.MarkReadHandler)
		})

		r.Route("/api/push-subscriptions", func(r chi.Router) {
			r.Get("/public_key/", h.VAPIDKeyHandler)
			r.Get("/", h.ListSubscriptionsHandler)
			r.Post("/", h.CreateSubscriptionHandler)
			r.Delete("/{id}/", h.DeleteSubscriptionHandler)
		})
	})
	return r
}

func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequestDuration(r.Method, route, strconv.Itoa(status), time.Since(start))
	})
}

// ListNotificationsHandler returns the caller's notifications, newest first.
func (h *Handler) ListNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	unread := r.URL.Query().Get("unread") == "true"

	list, err := h.Store.ListNotifications(r.Context(), userID, unread)
	if err != nil {
		h.Log.Error("failed to list notifications", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification id")
		return
	}

	if err := h.Store.MarkRead(r.Context(), userID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		h.Log.Error("failed to mark notification read", zap.Int64("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to mark notification read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "marked as read"})
}

func (h *Handler) MarkAllReadHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	n, err := h.Store.MarkAllRead(r.Context(), userID)
	if err != nil {
		h.Log.Error("failed to mark all read", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to mark notifications read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func getString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		// json numbers
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
