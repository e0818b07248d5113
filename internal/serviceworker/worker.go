// Package serviceworker is the background notification process. It runs on its
// own lifecycle, driven by the host platform, and reaches the rest of the system
// only through the Host interface.
package serviceworker

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"classroom-kanban-go/internal/logger"
	"classroom-kanban-go/internal/metrics"
)

const (
	AppName       = "Classroom Kanban"
	DefaultBody   = "You have a new notification"
	FallbackTitle = "New notification"
	DefaultIcon   = "/icon-192x192.png"
	FallbackTag   = "fallback-notification"

	// MessageSkipWaiting asks a waiting worker to activate right away.
	MessageSkipWaiting = "SKIP_WAITING"
)

// State is a worker lifecycle state. Transitions are driven by the host.
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Host is the platform surface available to the worker.
type Host interface {
	Origin() string
	ShowNotification(ctx context.Context, title string, opts NotificationOptions) error
	MatchClients(ctx context.Context) ([]Client, error)
	OpenWindow(ctx context.Context, url string) (Client, error)
	SkipWaiting(ctx context.Context) error
	ClaimClients(ctx context.Context) error
}

// Client is an application window known to the host.
type Client interface {
	URL() string
	Visible() bool
	Navigate(ctx context.Context, url string) error
	Focus(ctx context.Context) error
}

// Notification is a system notification previously shown by the worker.
type Notification interface {
	Tag() string
	Data() map[string]any
	Close()
}

type NotificationOptions struct {
	Body               string
	Icon               string
	Badge              string
	Tag                string
	Data               map[string]any
	Renotify           bool
	Silent             bool
	RequireInteraction bool
	Vibrate            []int
	Timestamp          time.Time
}

// Message is a postMessage envelope sent to the worker by a page.
type Message struct {
	Type string `json:"type"`
}

type Worker struct {
	host Host
	log  *zap.Logger

	// Now is the clock used for tags and timestamps.
	Now func() time.Time
}

func New(host Host, log *zap.Logger) *Worker {
	return &Worker{
		host: host,
		log:  logger.OrNop(log).Named("service-worker"),
		Now:  time.Now,
	}
}

// HandleInstall activates the new worker without waiting for old pages to close.
func (w *Worker) HandleInstall(ctx context.Context) error {
	w.log.Info("installed")
	return w.host.SkipWaiting(ctx)
}

// HandleActivate takes control of pages that are not controlled yet.
func (w *Worker) HandleActivate(ctx context.Context) error {
	w.log.Info("activating")
	return w.host.ClaimClients(ctx)
}

func (w *Worker) HandleMessage(ctx context.Context, msg Message) error {
	if msg.Type == MessageSkipWaiting {
		return w.host.SkipWaiting(ctx)
	}
	w.log.Debug("ignoring message", zap.String("type", msg.Type))
	return nil
}

// HandlePush renders a system notification for a push delivery. It never fails:
// malformed payloads resolve to a displayable record and render errors are
// absorbed by the minimal fallback.
func (w *Worker) HandlePush(ctx context.Context, ev PushEvent) {
	rec := w.parse(ev.Data)
	if rec.Title == "" && rec.Body == "" {
		w.log.Warn("incomplete notification payload, using defaults")
		rec.Title = AppName
	}

	title := firstNonEmpty(rec.Title, AppName)
	body := firstNonEmpty(rec.Body, rec.Message, DefaultBody)
	data := rec.Data
	if data == nil {
		data = map[string]any{}
	}

	now := w.Now()
	opts := NotificationOptions{
		Body:      body,
		Icon:      firstNonEmpty(rec.Icon, DefaultIcon),
		Badge:     firstNonEmpty(rec.Badge, DefaultIcon),
		Data:      data,
		Tag:       Tag(rec, now),
		Renotify:  true,
		Vibrate:   []int{200, 100, 200},
		Timestamp: now,
	}

	// Shown even when a window is visible: the user may be inside a modal and
	// miss the in-app toast.
	if clients, err := w.host.MatchClients(ctx); err == nil {
		visible := 0
		for _, c := range clients {
			if c.Visible() {
				visible++
			}
		}
		w.log.Debug("push received", zap.Int("clients", len(clients)), zap.Int("visible", visible))
	}

	err := w.host.ShowNotification(ctx, title, opts)
	if err == nil {
		return
	}
	w.log.Error("show notification failed", zap.Error(err))

	err = w.host.ShowNotification(ctx, AppName, NotificationOptions{
		Body:  body,
		Tag:   FallbackTag,
		Icon:  DefaultIcon,
		Badge: DefaultIcon,
	})
	if err != nil {
		w.log.Error("fallback notification failed", zap.Error(err))
	}
}

// HandleNotificationClick routes the user to the board the notification refers
// to, reusing an open application window when there is one.
func (w *Worker) HandleNotificationClick(ctx context.Context, n Notification) error {
	n.Close()

	boardID := getString(n.Data()["board_id"])
	target := "/"
	if boardID != "" {
		target = "/board/" + boardID
	}

	clients, err := w.host.MatchClients(ctx)
	if err != nil {
		w.log.Warn("match clients failed", zap.Error(err))
	}
	origin := w.host.Origin()
	for _, c := range clients {
		if !strings.HasPrefix(c.URL(), origin) {
			continue
		}
		if boardID != "" {
			if err := c.Navigate(ctx, target); err != nil {
				return err
			}
		}
		return c.Focus(ctx)
	}

	w.log.Info("opening window", zap.String("url", target))
	_, err = w.host.OpenWindow(ctx, target)
	return err
}

func (w *Worker) HandleNotificationClose(n Notification) {
	metrics.NotificationsClosed.Inc()
	w.log.Info("notification closed", zap.String("tag", n.Tag()))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
