// Command agent runs a desktop notification agent for one Kanban user: it
// keeps the realtime channel open, registers a Web Push subscription and
// shows system notifications with a sound cue.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"classroom-kanban-go/internal/agent"
	"classroom-kanban-go/internal/config"
	"classroom-kanban-go/internal/logger"
	"classroom-kanban-go/internal/push"
)

func main() {
	dotenv := config.LoadDotenv()

	cfg, err := config.LoadAgent()
	log := logger.New(cfg.Env)
	defer log.Sync()
	if !dotenv {
		log.Debug("no .env file found, using environment")
	}
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(cfg, askOnTerminal, log)
	if err != nil {
		log.Fatal("failed to start agent", zap.Error(err))
	}
	if err := a.Run(ctx); err != nil {
		log.Fatal("agent stopped", zap.Error(err))
	}
}

// askOnTerminal asks on stdin. Anything but yes counts as a refusal, and a
// closed stdin leaves the question unanswered.
func askOnTerminal(ctx context.Context) (push.Permission, error) {
	fmt.Fprint(os.Stderr, "Allow Kanban notifications on this device? [y/N] ")

	answer := make(chan string, 1)
	go func() {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			close(answer)
			return
		}
		answer <- strings.ToLower(strings.TrimSpace(line))
	}()

	select {
	case <-ctx.Done():
		return push.PermissionDefault, ctx.Err()
	case line, ok := <-answer:
		switch {
		case !ok:
			return push.PermissionDefault, nil
		case line == "y" || line == "yes":
			return push.PermissionGranted, nil
		default:
			return push.PermissionDenied, nil
		}
	}
}
