// Package push registers the service worker, owns the notification permission
// flow and keeps the server's push subscription registry in step with the
// device's subscription.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"classroom-kanban-go/internal/keycodec"
	"classroom-kanban-go/internal/logger"
	"classroom-kanban-go/internal/serviceworker"
)

const (
	ScriptURL                = "/sw.js"
	Scope                    = "/"
	DefaultActivationTimeout = 5 * time.Second
	DefaultWaitingGrace      = time.Second
)

var (
	ErrUnsupported     = errors.New("notifications are not supported on this device")
	ErrInsecureContext = errors.New("push notifications require https or localhost")
	ErrNoRegistration  = errors.New("no service worker registration available")
)

type Manager struct {
	platform Platform
	server   Server
	log      *zap.Logger

	ActivationTimeout time.Duration
	WaitingGrace      time.Duration

	// mu serializes flows that may create or delete subscriptions.
	mu sync.Mutex
}

func NewManager(platform Platform, server Server, log *zap.Logger) *Manager {
	return &Manager{
		platform:          platform,
		server:            server,
		log:               logger.OrNop(log).Named("push"),
		ActivationTimeout: DefaultActivationTimeout,
		WaitingGrace:      DefaultWaitingGrace,
	}
}

func (m *Manager) IsSupported() bool {
	return m.platform.SupportsServiceWorker() &&
		m.platform.SupportsPush() &&
		m.platform.SupportsNotifications()
}

func (m *Manager) RequestPermission(ctx context.Context) (Permission, error) {
	if !m.platform.SupportsNotifications() {
		return "", ErrUnsupported
	}
	return m.platform.RequestPermission(ctx)
}

// RegisterServiceWorker registers the worker script and waits a bounded time
// for it to activate. When registration fails the existing registration, if
// any, is returned instead.
func (m *Manager) RegisterServiceWorker(ctx context.Context) (Registration, error) {
	if !m.platform.SupportsServiceWorker() {
		m.log.Warn("service workers are not supported")
		return nil, nil
	}

	reg, err := m.register(ctx)
	if err == nil {
		return reg, nil
	}
	m.log.Error("service worker registration failed", zap.Error(err))

	existing, gerr := m.platform.GetRegistration(ctx)
	if gerr != nil {
		m.log.Error("lookup of existing registration failed", zap.Error(gerr))
		return nil, err
	}
	if existing == nil {
		return nil, err
	}
	m.log.Info("using existing service worker registration", zap.String("scope", existing.Scope()))
	return existing, nil
}

func (m *Manager) register(ctx context.Context) (Registration, error) {
	version, err := m.server.CheckWorkerScript(ctx, ScriptURL)
	if err != nil {
		return nil, fmt.Errorf("cannot access %s, check that the server serves the worker script: %w", ScriptURL, err)
	}

	reg, err := m.platform.Register(ctx, ScriptURL, Scope)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", ScriptURL, err)
	}
	m.log.Info("service worker registered",
		zap.String("scope", reg.Scope()),
		zap.String("version", version),
	)

	switch {
	case reg.Installing() != nil:
		m.waitActivation(ctx, reg.Installing())
	case reg.Waiting() != nil:
		m.activateWaiting(ctx, reg.Waiting())
	case reg.Active() != nil:
		m.log.Debug("service worker already active")
	default:
		m.log.Warn("service worker is in no known state")
	}
	return reg, nil
}

// waitActivation returns once w is activating or activated, turns redundant,
// or ActivationTimeout passes. None of these are errors.
func (m *Manager) waitActivation(ctx context.Context, w Worker) {
	changes, stop := w.StateChanges()
	defer stop()

	if s := w.State(); s == serviceworker.StateActivating || s == serviceworker.StateActivated {
		return
	}

	timer := time.NewTimer(m.ActivationTimeout)
	defer timer.Stop()
	for {
		select {
		case s, ok := <-changes:
			if !ok {
				return
			}
			m.log.Debug("service worker state", zap.String("state", string(s)))
			switch s {
			case serviceworker.StateActivating, serviceworker.StateActivated:
				return
			case serviceworker.StateRedundant:
				m.log.Warn("service worker became redundant, continuing")
				return
			}
		case <-timer.C:
			m.log.Warn("timed out waiting for activation, continuing",
				zap.Duration("timeout", m.ActivationTimeout))
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) activateWaiting(ctx context.Context, w Worker) {
	if err := w.PostMessage(serviceworker.Message{Type: serviceworker.MessageSkipWaiting}); err != nil {
		m.log.Warn("could not activate waiting worker", zap.Error(err))
		return
	}
	t := time.NewTimer(m.WaitingGrace)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// ready returns a registration with an active worker, waiting at most
// ActivationTimeout. On timeout it settles for whatever is registered, or
// fallback, so a worker that is still starting does not block the caller.
func (m *Manager) ready(ctx context.Context, fallback Registration) (Registration, error) {
	if existing, err := m.platform.GetRegistration(ctx); err == nil && existing != nil && existing.Active() != nil {
		return existing, nil
	}

	wctx, cancel := context.WithTimeout(ctx, m.ActivationTimeout)
	reg, err := m.platform.Ready(wctx)
	cancel()
	if err == nil && reg != nil {
		return reg, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	m.log.Warn("service worker not ready in time, continuing", zap.Error(err))

	reg, err = m.platform.GetRegistration(ctx)
	if err != nil || reg == nil {
		reg = fallback
	}
	if reg == nil {
		return nil, fmt.Errorf("%w: check that %s is reachable", ErrNoRegistration, ScriptURL)
	}
	if w := reg.Waiting(); w != nil {
		m.activateWaiting(ctx, w)
	}
	return reg, nil
}

func (m *Manager) Subscribe(ctx context.Context) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, err := m.subscribe(ctx)
	if err != nil {
		m.log.Error("push subscription failed", zap.Error(err))
	}
	return sub, err
}

func (m *Manager) subscribe(ctx context.Context) (*Subscription, error) {
	if !m.platform.SecureContext() {
		return nil, ErrInsecureContext
	}

	reg, err := m.RegisterServiceWorker(ctx)
	if reg == nil {
		if err != nil {
			m.log.Warn("registration failed, looking for an existing one", zap.Error(err))
		}
		reg, err = m.platform.GetRegistration(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoRegistration, err)
		}
		if reg == nil {
			return nil, ErrNoRegistration
		}
	}

	reg, err = m.ready(ctx, reg)
	if err != nil {
		return nil, err
	}
	pm := reg.PushManager()
	if pm == nil {
		return nil, fmt.Errorf("push manager: %w", ErrUnsupported)
	}

	existing, err := pm.GetSubscription(ctx)
	if err != nil {
		m.log.Warn("reading local subscription failed", zap.Error(err))
	} else if existing != nil {
		err := m.heal(ctx, existing)
		if err == nil {
			return existing, nil
		}
		m.log.Warn("checking existing subscription failed, creating a new one", zap.Error(err))
	}

	key, err := m.server.VAPIDPublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch vapid public key: %w", err)
	}
	appKey, err := keycodec.DecodeApplicationServerKey(key, m.log)
	if err != nil {
		return nil, fmt.Errorf("vapid public key: %w", err)
	}

	sub, err := pm.Subscribe(ctx, SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: appKey})
	if err != nil {
		return nil, fmt.Errorf("platform subscribe: %w", err)
	}
	m.log.Info("push subscription created", zap.String("endpoint", sub.Endpoint))

	rec, err := m.server.CreateSubscription(ctx, sub.Input())
	if err != nil {
		return nil, fmt.Errorf("register subscription with server: %w", err)
	}
	m.log.Info("push subscription registered", zap.Int64("id", rec.ID))
	return sub, nil
}

// heal makes sure the server knows sub, registering it when it does not.
func (m *Manager) heal(ctx context.Context, sub *Subscription) error {
	records, err := m.server.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list server subscriptions: %w", err)
	}
	for _, r := range records {
		if r.Endpoint == sub.Endpoint {
			m.log.Debug("subscription already registered", zap.Int64("id", r.ID))
			return nil
		}
	}
	m.log.Info("local subscription missing on server, registering it")
	rec, err := m.server.CreateSubscription(ctx, sub.Input())
	if err != nil {
		return fmt.Errorf("register existing subscription: %w", err)
	}
	m.log.Info("push subscription registered", zap.Int64("id", rec.ID))
	return nil
}

// Unsubscribe drops the device subscription and every server record that
// carries its endpoint. It reports false when there was nothing to drop.
func (m *Manager) Unsubscribe(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pm, err := m.pushManager(ctx)
	if err != nil || pm == nil {
		return false, err
	}
	sub, err := pm.GetSubscription(ctx)
	if err != nil {
		return false, fmt.Errorf("read local subscription: %w", err)
	}
	if sub == nil {
		return false, nil
	}
	if _, err := pm.Unsubscribe(ctx); err != nil {
		return false, fmt.Errorf("platform unsubscribe: %w", err)
	}

	records, err := m.server.ListSubscriptions(ctx)
	if err != nil {
		m.log.Error("removing subscription from server failed", zap.Error(err))
		return true, nil
	}
	for _, r := range records {
		if r.Endpoint != sub.Endpoint {
			continue
		}
		if err := m.server.DeleteSubscription(ctx, r.ID); err != nil {
			m.log.Error("delete server subscription failed", zap.Int64("id", r.ID), zap.Error(err))
		}
	}
	return true, nil
}

func (m *Manager) pushManager(ctx context.Context) (PushManager, error) {
	if !m.platform.SupportsServiceWorker() {
		return nil, nil
	}
	// Nothing registered means nothing to wait for.
	reg, err := m.platform.GetRegistration(ctx)
	if err != nil {
		return nil, fmt.Errorf("get registration: %w", err)
	}
	if reg == nil {
		return nil, nil
	}
	if reg.Active() == nil {
		if reg, err = m.ready(ctx, reg); err != nil {
			return nil, err
		}
	}
	return reg.PushManager(), nil
}

// IsSubscribed reports whether the device holds a push subscription. Errors
// count as not subscribed.
func (m *Manager) IsSubscribed(ctx context.Context) bool {
	sub, err := m.localSubscription(ctx)
	if err != nil {
		m.log.Warn("checking subscription failed", zap.Error(err))
		return false
	}
	return sub != nil
}

func (m *Manager) localSubscription(ctx context.Context) (*Subscription, error) {
	pm, err := m.pushManager(ctx)
	if err != nil || pm == nil {
		return nil, err
	}
	return pm.GetSubscription(ctx)
}

// Initialize brings push up according to the current permission. It is safe
// to call on every connect.
func (m *Manager) Initialize(ctx context.Context) bool {
	if !m.IsSupported() {
		m.log.Warn("push notifications are not supported")
		return false
	}
	if !m.platform.SecureContext() {
		m.log.Warn("push notifications require https or localhost")
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch perm := m.platform.Permission(); perm {
	case PermissionGranted:
		sub, err := m.localSubscription(ctx)
		if err != nil {
			m.log.Warn("checking local subscription failed", zap.Error(err))
		}
		if sub == nil {
			return m.subscribeLogged(ctx)
		}
		if err := m.heal(ctx, sub); err != nil {
			// The device subscription still works; the next run heals it.
			m.log.Error("verifying server registration failed", zap.Error(err))
		}
		return true

	case PermissionDefault:
		got, err := m.RequestPermission(ctx)
		if err != nil {
			m.log.Error("permission request failed", zap.Error(err))
			return false
		}
		if got != PermissionGranted {
			m.log.Warn("notification permission not granted", zap.String("permission", string(got)))
			return false
		}
		return m.subscribeLogged(ctx)

	default:
		m.log.Warn("notification permission was denied, enable it in the device settings",
			zap.String("permission", string(perm)))
		return false
	}
}

func (m *Manager) subscribeLogged(ctx context.Context) bool {
	if _, err := m.subscribe(ctx); err != nil {
		m.log.Error("push subscription failed", zap.Error(err))
		return false
	}
	m.log.Info("push notifications initialized")
	return true
}
