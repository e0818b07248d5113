// Package device emulates the browser platform for the agent: a service worker
// container, a push manager backed by the local push endpoint, a notification
// centre and the set of open windows.
package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"classroom-kanban-go/internal/logger"
	"classroom-kanban-go/internal/prefs"
	"classroom-kanban-go/internal/push"
	"classroom-kanban-go/internal/serviceworker"
)

const permissionKey = "notificationPermissionGranted"

var ErrPermission = errors.New("notification permission not granted")

// Prompt asks the user whether notifications may be shown.
type Prompt func(ctx context.Context) (push.Permission, error)

type Options struct {
	// Origin is the app origin, e.g. http://localhost:8000.
	Origin string
	// PushURL is the base URL of the local push endpoint. Empty disables push.
	PushURL string
	// Permission is "granted", "denied" or "prompt". Prompt consults Prefs
	// for an earlier answer before asking.
	Permission string
	Prompt     Prompt
	Prefs      prefs.Store
	Notifier   Notifier
	Opener     Opener
}

type Host struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	perm    push.Permission
	reg     *registration
	readyCh chan struct{}
	ready   bool
	windows []*window
	shown   []*notification

	pm *PushManager
}

var (
	_ push.Platform      = (*Host)(nil)
	_ serviceworker.Host = (*Host)(nil)
)

func NewHost(opts Options, log *zap.Logger) (*Host, error) {
	if _, err := url.Parse(opts.Origin); err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	log = logger.OrNop(log).Named("device")
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Log: log}
	}
	if opts.Opener == nil {
		opts.Opener = LogOpener{Log: log}
	}
	h := &Host{
		opts:    opts,
		log:     log,
		readyCh: make(chan struct{}),
	}
	h.perm = h.initialPermission()
	if opts.PushURL != "" {
		h.pm = newPushManager(h, opts.PushURL)
	}
	return h, nil
}

func (h *Host) initialPermission() push.Permission {
	switch push.Permission(h.opts.Permission) {
	case push.PermissionGranted:
		return push.PermissionGranted
	case push.PermissionDenied:
		return push.PermissionDenied
	}
	if h.opts.Prefs != nil {
		if granted, ok := h.opts.Prefs.Bool(permissionKey); ok {
			if granted {
				return push.PermissionGranted
			}
			return push.PermissionDenied
		}
	}
	return push.PermissionDefault
}

func (h *Host) SupportsServiceWorker() bool { return true }
func (h *Host) SupportsPush() bool          { return h.pm != nil }
func (h *Host) SupportsNotifications() bool { return true }

// SecureContext holds for https origins and for loopback hosts.
func (h *Host) SecureContext() bool {
	u, err := url.Parse(h.opts.Origin)
	if err != nil {
		return false
	}
	if u.Scheme == "https" {
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (h *Host) Origin() string { return h.opts.Origin }

func (h *Host) Permission() push.Permission {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.perm
}

// RequestPermission prompts only while the permission is undecided. The
// answer is remembered in Prefs.
func (h *Host) RequestPermission(ctx context.Context) (push.Permission, error) {
	if p := h.Permission(); p != push.PermissionDefault {
		return p, nil
	}
	answer := push.PermissionGranted
	if h.opts.Prompt != nil {
		var err error
		if answer, err = h.opts.Prompt(ctx); err != nil {
			return push.PermissionDefault, err
		}
	}

	h.mu.Lock()
	h.perm = answer
	h.mu.Unlock()

	if answer != push.PermissionDefault && h.opts.Prefs != nil {
		if err := h.opts.Prefs.SetBool(permissionKey, answer == push.PermissionGranted); err != nil {
			h.log.Warn("could not remember permission", zap.Error(err))
		}
	}
	h.log.Info("notification permission", zap.String("permission", string(answer)))
	return answer, nil
}

// PushManager is the device push manager, nil when push is disabled.
func (h *Host) PushManager() *PushManager { return h.pm }

func (h *Host) resolve(ref string) string {
	base, err := url.Parse(h.opts.Origin)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}
