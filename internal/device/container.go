package device

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"classroom-kanban-go/internal/push"
	sw "classroom-kanban-go/internal/serviceworker"
)

type registration struct {
	host      *Host
	scriptURL string
	scope     string

	mu         sync.Mutex
	installing *worker
	waiting    *worker
	active     *worker
}

func (r *registration) Scope() string { return r.scope }

func (r *registration) Installing() push.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return asWorker(r.installing)
}

func (r *registration) Waiting() push.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return asWorker(r.waiting)
}

func (r *registration) Active() push.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return asWorker(r.active)
}

func (r *registration) PushManager() push.PushManager {
	if r.host.pm == nil {
		return nil
	}
	return r.host.pm
}

func (r *registration) activeScript() *sw.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	return r.active.script
}

func asWorker(w *worker) push.Worker {
	if w == nil {
		return nil
	}
	return w
}

// worker is one installed instance of the service worker script.
type worker struct {
	script *sw.Worker
	log    *zap.Logger

	mu    sync.Mutex
	state sw.State
	subs  map[int]chan sw.State
	next  int

	skipOnce sync.Once
	skip     chan struct{}
}

func newWorker(h *Host) *worker {
	return &worker{
		script: sw.New(h, h.log),
		log:    h.log,
		state:  sw.StateInstalling,
		subs:   make(map[int]chan sw.State),
		skip:   make(chan struct{}),
	}
}

func (w *worker) State() sw.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *worker) StateChanges() (<-chan sw.State, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.next
	w.next++
	ch := make(chan sw.State, 8)
	w.subs[id] = ch
	return ch, func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

func (w *worker) setState(s sw.State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
	for _, ch := range w.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (w *worker) PostMessage(msg sw.Message) error {
	if w.State() == sw.StateRedundant {
		return errors.New("worker is redundant")
	}
	go func() {
		if err := w.script.HandleMessage(context.Background(), msg); err != nil {
			w.log.Warn("worker message failed", zap.String("type", msg.Type), zap.Error(err))
		}
	}()
	return nil
}

func (w *worker) skipWaiting() {
	w.skipOnce.Do(func() { close(w.skip) })
}

// Register installs the worker script. Registering the script that is already
// registered returns the existing registration.
func (h *Host) Register(_ context.Context, scriptURL, scope string) (push.Registration, error) {
	h.mu.Lock()
	if h.reg != nil && h.reg.scriptURL == scriptURL {
		reg := h.reg
		h.mu.Unlock()
		return reg, nil
	}
	reg := h.reg
	if reg == nil {
		reg = &registration{host: h, scriptURL: scriptURL, scope: scope}
		h.reg = reg
	} else {
		reg.scriptURL, reg.scope = scriptURL, scope
	}
	h.mu.Unlock()

	w := newWorker(h)
	reg.mu.Lock()
	reg.installing = w
	reg.mu.Unlock()

	go h.lifecycle(reg, w)
	return reg, nil
}

// lifecycle drives w through install and activation.
func (h *Host) lifecycle(reg *registration, w *worker) {
	ctx := context.Background()
	log := h.log.With(zap.String("scope", reg.scope))

	if err := w.script.HandleInstall(ctx); err != nil {
		log.Error("install failed", zap.Error(err))
		reg.mu.Lock()
		reg.installing = nil
		reg.mu.Unlock()
		w.setState(sw.StateRedundant)
		return
	}

	reg.mu.Lock()
	reg.installing = nil
	wait := reg.active != nil
	if wait {
		reg.waiting = w
	}
	reg.mu.Unlock()
	w.setState(sw.StateInstalled)

	if wait {
		log.Info("worker waiting for skip")
		<-w.skip
	}

	reg.mu.Lock()
	old := reg.active
	reg.waiting = nil
	reg.active = w
	reg.mu.Unlock()
	if old != nil {
		old.setState(sw.StateRedundant)
	}
	w.setState(sw.StateActivating)

	if err := w.script.HandleActivate(ctx); err != nil {
		log.Warn("activate handler failed", zap.Error(err))
	}
	w.setState(sw.StateActivated)
	log.Info("worker activated")

	h.mu.Lock()
	if !h.ready {
		h.ready = true
		close(h.readyCh)
	}
	h.mu.Unlock()
}

func (h *Host) GetRegistration(context.Context) (push.Registration, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reg == nil {
		return nil, nil
	}
	return h.reg, nil
}

// Ready waits for a registration with an active worker.
func (h *Host) Ready(ctx context.Context) (push.Registration, error) {
	h.mu.Lock()
	ch := h.readyCh
	h.mu.Unlock()
	select {
	case <-ch:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.reg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SkipWaiting lets the installing or waiting worker activate without waiting
// for the current one to go away.
func (h *Host) SkipWaiting(context.Context) error {
	reg := h.registration()
	if reg == nil {
		return nil
	}
	reg.mu.Lock()
	targets := []*worker{reg.installing, reg.waiting}
	reg.mu.Unlock()
	for _, w := range targets {
		if w != nil {
			w.skipWaiting()
		}
	}
	return nil
}

func (h *Host) registration() *registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reg
}

func (h *Host) activeScript() *sw.Worker {
	reg := h.registration()
	if reg == nil {
		return nil
	}
	return reg.activeScript()
}
