// Package agent assembles the device agent: the REST client, the notification
// store and sound cue, the emulated device with its service worker, the push
// manager and the realtime channel.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"classroom-kanban-go/internal/apiclient"
	"classroom-kanban-go/internal/config"
	"classroom-kanban-go/internal/device"
	"classroom-kanban-go/internal/logger"
	"classroom-kanban-go/internal/notifications"
	"classroom-kanban-go/internal/prefs"
	"classroom-kanban-go/internal/push"
	"classroom-kanban-go/internal/pushrecv"
	"classroom-kanban-go/internal/realtime"
	"classroom-kanban-go/internal/sound"
)

type Agent struct {
	cfg config.Agent
	log *zap.Logger

	API     *apiclient.Client
	Prefs   prefs.Store
	Sound   *sound.Engine
	Store   *notifications.Store
	Device  *device.Host
	Push    *push.Manager
	Channel *realtime.Channel

	receiver *pushrecv.Receiver
}

// New wires the components. prompt answers the notification permission
// question when the configured policy is "prompt".
func New(cfg config.Agent, prompt device.Prompt, log *zap.Logger) (*Agent, error) {
	log = logger.OrNop(log)

	api, err := apiclient.New(cfg.APIURL, cfg.APIToken, log)
	if err != nil {
		return nil, err
	}
	if err := api.SetAppOrigin(cfg.AppOrigin); err != nil {
		return nil, err
	}
	store, err := prefs.Open(cfg.PrefsPath)
	if err != nil {
		return nil, fmt.Errorf("open preferences: %w", err)
	}

	cue := sound.NewEngine(sound.CommandPlayer{Command: cfg.SoundCommand}, store, log)
	notes := notifications.NewStore(api, cue, log)

	var notifier device.Notifier
	if cfg.NotifyCommand != "" {
		notifier = device.CommandNotifier{Command: cfg.NotifyCommand}
	}
	var opener device.Opener
	if cfg.BrowserCommand != "" {
		opener = device.CommandOpener{Command: cfg.BrowserCommand}
	}
	host, err := device.NewHost(device.Options{
		Origin:     cfg.AppOrigin,
		PushURL:    cfg.PushURL,
		Permission: cfg.NotificationPermission,
		Prompt:     prompt,
		Prefs:      store,
		Notifier:   notifier,
		Opener:     opener,
	}, log)
	if err != nil {
		return nil, err
	}

	pm := push.NewManager(host, api, log)
	pm.ActivationTimeout = cfg.ActivationTimeout

	ch := realtime.New(cfg.APIURL, strings.HasPrefix(cfg.AppOrigin, "https:"), notes, nil, log)
	ch.ReconnectDelay = cfg.ReconnectDelay

	a := &Agent{
		cfg:     cfg,
		log:     log.Named("agent"),
		API:     api,
		Prefs:   store,
		Sound:   cue,
		Store:   notes,
		Device:  host,
		Push:    pm,
		Channel: ch,
	}
	if pushMgr := host.PushManager(); pushMgr != nil {
		a.receiver = pushrecv.NewReceiver(pushMgr, log)
		a.receiver.Audience = originOf(cfg.PushURL)
	}

	ch.OnOpen(a.reload)
	ch.OnOpen(a.initializePush)
	return a, nil
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// reload catches up on events missed while disconnected.
func (a *Agent) reload(ctx context.Context) {
	if err := a.Store.Load(ctx); err != nil && ctx.Err() == nil {
		a.log.Error("loading notifications failed", zap.Error(err))
	}
}

func (a *Agent) initializePush(ctx context.Context) {
	if !a.Push.IsSupported() {
		return
	}
	a.Push.Initialize(ctx)
}

// Run serves the push endpoint and control API, connects the channel and
// blocks until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.PushAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.log.Info("device endpoint listening", zap.String("addr", a.cfg.PushAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	a.Channel.Connect(a.API.Token())

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			a.Channel.Disconnect()
			return fmt.Errorf("device endpoint: %w", err)
		}
	}

	a.log.Info("shutting down")
	a.Channel.Disconnect()
	a.Store.Reset()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
