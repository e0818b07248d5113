package device

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	sw "classroom-kanban-go/internal/serviceworker"
)

// Opener shows a URL to the user, typically in a browser.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// CommandOpener runs a program such as "xdg-open" with the URL appended.
type CommandOpener struct {
	Command string
}

func (o CommandOpener) Open(ctx context.Context, url string) error {
	fields := strings.Fields(o.Command)
	if len(fields) == 0 {
		return errors.New("no browser command configured")
	}
	cmd := exec.CommandContext(ctx, fields[0], append(fields[1:], url)...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", fields[0], err)
	}
	go cmd.Wait()
	return nil
}

type LogOpener struct {
	Log *zap.Logger
}

func (o LogOpener) Open(_ context.Context, url string) error {
	o.Log.Info("open", zap.String("url", url))
	return nil
}

type window struct {
	host *Host

	mu         sync.Mutex
	url        string
	visible    bool
	focused    bool
	controlled bool
}

func (w *window) URL() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.url
}

func (w *window) Visible() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.visible
}

func (w *window) Navigate(ctx context.Context, ref string) error {
	abs := w.host.resolve(ref)
	if err := w.host.opts.Opener.Open(ctx, abs); err != nil {
		return err
	}
	w.mu.Lock()
	w.url = abs
	w.mu.Unlock()
	return nil
}

func (w *window) Focus(context.Context) error {
	w.host.mu.Lock()
	for _, o := range w.host.windows {
		if o != w {
			o.mu.Lock()
			o.focused = false
			o.mu.Unlock()
		}
	}
	w.host.mu.Unlock()

	w.mu.Lock()
	w.focused, w.visible = true, true
	w.mu.Unlock()
	return nil
}

// Window is a snapshot of an open window.
type Window struct {
	URL        string
	Visible    bool
	Focused    bool
	Controlled bool
}

// AttachWindow records a window the host did not open itself, such as the
// app page the agent was started for.
func (h *Host) AttachWindow(ref string, visible bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.windows = append(h.windows, &window{host: h, url: h.resolve(ref), visible: visible})
}

func (h *Host) Windows() []Window {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Window, 0, len(h.windows))
	for _, w := range h.windows {
		w.mu.Lock()
		out = append(out, Window{URL: w.url, Visible: w.visible, Focused: w.focused, Controlled: w.controlled})
		w.mu.Unlock()
	}
	return out
}

// MatchClients lists every window, controlled or not.
func (h *Host) MatchClients(context.Context) ([]sw.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]sw.Client, 0, len(h.windows))
	for _, w := range h.windows {
		out = append(out, w)
	}
	return out, nil
}

func (h *Host) OpenWindow(ctx context.Context, ref string) (sw.Client, error) {
	abs := h.resolve(ref)
	if err := h.opts.Opener.Open(ctx, abs); err != nil {
		return nil, fmt.Errorf("open window: %w", err)
	}
	w := &window{host: h, url: abs, visible: true, focused: true, controlled: true}
	h.mu.Lock()
	h.windows = append(h.windows, w)
	h.mu.Unlock()
	return w, nil
}

func (h *Host) ClaimClients(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.windows {
		w.mu.Lock()
		w.controlled = true
		w.mu.Unlock()
	}
	return nil
}
