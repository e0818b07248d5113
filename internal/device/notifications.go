package device

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"classroom-kanban-go/internal/metrics"
	"classroom-kanban-go/internal/push"
	sw "classroom-kanban-go/internal/serviceworker"
)

// Notifier puts a notification in front of the user.
type Notifier interface {
	Notify(ctx context.Context, title, body, icon string) error
}

// CommandNotifier runs a program such as "notify-send -a Kanban" with the
// title and body appended as arguments.
type CommandNotifier struct {
	Command string
}

func (n CommandNotifier) Notify(ctx context.Context, title, body, _ string) error {
	fields := strings.Fields(n.Command)
	if len(fields) == 0 {
		return errors.New("no notify command configured")
	}
	args := append(fields[1:], title, body)
	if out, err := exec.CommandContext(ctx, fields[0], args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", fields[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, title, body, _ string) error {
	n.Log.Info("notification", zap.String("title", title), zap.String("body", body))
	return nil
}

// Shown is a snapshot of a notification in the notification centre.
type Shown struct {
	Title   string
	Options sw.NotificationOptions
	// Alerts counts how many times the user was alerted for this tag.
	Alerts int
	At     time.Time
}

type notification struct {
	host   *Host
	title  string
	opts   sw.NotificationOptions
	alerts int
	at     time.Time
}

func (n *notification) Tag() string          { return n.opts.Tag }
func (n *notification) Data() map[string]any { return n.opts.Data }
func (n *notification) Close()               { n.host.remove(n) }

// ShowNotification adds a notification to the centre. A notification with the
// tag of one already shown replaces it, and alerts again only when renotify
// is set.
func (h *Host) ShowNotification(ctx context.Context, title string, opts sw.NotificationOptions) error {
	if h.Permission() != push.PermissionGranted {
		return ErrPermission
	}

	h.mu.Lock()
	var prev *notification
	if opts.Tag != "" {
		for i, n := range h.shown {
			if n.opts.Tag == opts.Tag {
				prev = n
				h.shown = append(h.shown[:i], h.shown[i+1:]...)
				break
			}
		}
	}
	n := &notification{host: h, title: title, opts: opts, at: time.Now()}
	alert := prev == nil || opts.Renotify
	if prev != nil {
		n.alerts = prev.alerts
	}
	if alert {
		n.alerts++
	}
	h.shown = append([]*notification{n}, h.shown...)
	h.mu.Unlock()

	if !alert {
		return nil
	}
	if err := h.opts.Notifier.Notify(ctx, title, opts.Body, opts.Icon); err != nil {
		h.remove(n)
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func (h *Host) remove(target *notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, n := range h.shown {
		if n == target {
			h.shown = append(h.shown[:i], h.shown[i+1:]...)
			return
		}
	}
}

// Notifications lists the notification centre, newest first.
func (h *Host) Notifications() []Shown {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Shown, 0, len(h.shown))
	for _, n := range h.shown {
		out = append(out, Shown{Title: n.title, Options: n.opts, Alerts: n.alerts, At: n.at})
	}
	return out
}

var ErrUnknownNotification = errors.New("no notification with that tag")

func (h *Host) find(tag string) *notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range h.shown {
		if n.opts.Tag == tag {
			return n
		}
	}
	return nil
}

// Click activates the notification with tag in the active worker.
func (h *Host) Click(ctx context.Context, tag string) error {
	n := h.find(tag)
	if n == nil {
		return ErrUnknownNotification
	}
	script := h.activeScript()
	if script == nil {
		return errors.New("no active service worker")
	}
	return script.HandleNotificationClick(ctx, n)
}

// Dismiss closes the notification with tag without activating it.
func (h *Host) Dismiss(tag string) error {
	n := h.find(tag)
	if n == nil {
		return ErrUnknownNotification
	}
	n.Close()
	if script := h.activeScript(); script != nil {
		script.HandleNotificationClose(n)
	} else {
		metrics.NotificationsClosed.Inc()
	}
	return nil
}
