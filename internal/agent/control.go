package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classroom-kanban-go/internal/apiclient"
	"classroom-kanban-go/internal/device"
	"classroom-kanban-go/internal/push"
)

// Handler serves the push endpoint and the local control API.
func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if a.receiver != nil {
		a.receiver.Mount(r)
	}

	r.Get("/status", a.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", a.handleListNotifications)
		r.Post("/read-all", a.handleMarkAllRead)
		r.Post("/{id}/read", a.handleMarkRead)
	})

	r.Route("/device/notifications", func(r chi.Router) {
		r.Get("/", a.handleDeviceNotifications)
		r.Post("/{tag}/click", a.handleClick)
		r.Post("/{tag}/close", a.handleDismiss)
	})

	r.Get("/sound", a.handleGetSound)
	r.Put("/sound", a.handleSetSound)

	r.Post("/subscription", a.handleSubscribe)
	r.Delete("/subscription", a.handleUnsubscribe)
	return r
}

type status struct {
	Channel    string `json:"channel"`
	Unread     int    `json:"unread"`
	Permission string `json:"permission"`
	Subscribed bool   `json:"subscribed"`
	Sound      bool   `json:"sound"`
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, status{
		Channel:    string(a.Channel.State()),
		Unread:     a.Store.UnreadCount(),
		Permission: string(a.Device.Permission()),
		Subscribed: a.Push.IsSubscribed(r.Context()),
		Sound:      a.Sound.Enabled(),
	})
}

func (a *Agent) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Store.Notifications())
}

func (a *Agent) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification id")
		return
	}
	if err := a.Store.MarkAsRead(r.Context(), id); err != nil {
		writeError(w, upstreamStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": a.Store.UnreadCount()})
}

func (a *Agent) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.MarkAllAsRead(r.Context()); err != nil {
		writeError(w, upstreamStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": 0})
}

type shownView struct {
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Tag    string         `json:"tag"`
	Data   map[string]any `json:"data,omitempty"`
	Alerts int            `json:"alerts"`
	At     time.Time      `json:"at"`
}

func (a *Agent) handleDeviceNotifications(w http.ResponseWriter, r *http.Request) {
	shown := a.Device.Notifications()
	out := make([]shownView, 0, len(shown))
	for _, s := range shown {
		out = append(out, shownView{
			Title:  s.Title,
			Body:   s.Options.Body,
			Tag:    s.Options.Tag,
			Data:   s.Options.Data,
			Alerts: s.Alerts,
			At:     s.At,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *Agent) handleClick(w http.ResponseWriter, r *http.Request) {
	err := a.Device.Click(r.Context(), chi.URLParam(r, "tag"))
	switch {
	case errors.Is(err, device.ErrUnknownNotification):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *Agent) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if err := a.Device.Dismiss(chi.URLParam(r, "tag")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type soundSetting struct {
	Enabled bool `json:"enabled"`
}

func (a *Agent) handleGetSound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, soundSetting{Enabled: a.Sound.Enabled()})
}

func (a *Agent) handleSetSound(w http.ResponseWriter, r *http.Request) {
	var in soundSetting
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := a.Sound.SetEnabled(in.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (a *Agent) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	sub, err := a.Push.Subscribe(r.Context())
	switch {
	case errors.Is(err, push.ErrInsecureContext), errors.Is(err, device.ErrPermission):
		writeError(w, http.StatusForbidden, err.Error())
	case err != nil:
		writeError(w, upstreamStatus(err), err.Error())
	default:
		writeJSON(w, http.StatusCreated, map[string]string{"endpoint": sub.Endpoint})
	}
}

func (a *Agent) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ok, err := a.Push.Unsubscribe(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unsubscribed": ok})
}

func upstreamStatus(err error) int {
	var se *apiclient.StatusError
	if errors.As(err, &se) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
