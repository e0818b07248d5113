package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"classroom-kanban-go/internal/logger"
	"classroom-kanban-go/internal/metrics"
	"classroom-kanban-go/internal/models"
	"classroom-kanban-go/internal/store"
)

const maxEventBody = 64 << 10

var defaultTitles = map[string]string{
	models.TypeCardAssigned: "Card assigned",
	models.TypeCommentAdded: "New comment",
	models.TypeDueSoon:      "Card due soon",
	models.TypeCardMoved:    "Card moved",
}

// Notifier stores a notification, then delivers it over the realtime bus and
// Web Push. Delivery failures are logged; only the store write is fatal.
type Notifier struct {
	store  store.NotificationStore
	bus    store.Bus
	pusher *Pusher
	log    *zap.Logger
}

func NewNotifier(s store.NotificationStore, bus store.Bus, pusher *Pusher, log *zap.Logger) *Notifier {
	return &Notifier{store: s, bus: bus, pusher: pusher, log: logger.OrNop(log).Named("notifier")}
}

func (n *Notifier) Notify(ctx context.Context, in models.Notification) (models.Notification, error) {
	created, err := n.store.CreateNotification(ctx, in)
	if err != nil {
		return models.Notification{}, err
	}
	metrics.IncrementNotificationsCreated(created.Type)

	if n.bus != nil {
		if err := n.bus.Publish(ctx, created.RecipientID, created); err != nil {
			n.log.Warn("failed to publish notification", zap.Int64("id", created.ID), zap.Error(err))
		}
	}
	if n.pusher != nil {
		sent, err := n.pusher.SendToUser(ctx, created.RecipientID, models.NewPushPayload(created))
		if err != nil {
			n.log.Warn("failed to push notification", zap.Int64("id", created.ID), zap.Error(err))
		} else {
			n.log.Debug("pushed notification", zap.Int64("id", created.ID), zap.Int("devices", sent))
		}
	}
	return created, nil
}

// EventHandler turns a board event into a notification for its recipient.
func (h *Handler) EventHandler(w http.ResponseWriter, r *http.Request) {
	if !validateSharedSecret(r, h.WebhookSecret) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable payload")
		return
	}
	payload, err := decodeEvent(body, r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "unparseable payload")
		return
	}

	n, err := notificationFromEvent(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.Notifier.Notify(r.Context(), n)
	if err != nil {
		h.Log.Error("failed to create notification", zap.Int64("recipient_id", n.RecipientID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create notification")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// decodeEvent tries JSON first, then a form-encoded body. Query parameters
// fill in keys the form leaves out.
func decodeEvent(body []byte, query url.Values) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil && payload != nil {
		return payload, nil
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	for k, v := range query {
		if _, ok := form[k]; !ok {
			form[k] = v
		}
	}
	if len(form) == 0 {
		return nil, errors.New("empty payload")
	}
	payload = make(map[string]any, len(form))
	for k, v := range form {
		if len(v) > 0 {
			payload[k] = v[0]
		}
	}
	return payload, nil
}

func notificationFromEvent(payload map[string]any) (models.Notification, error) {
	recipient, ok := firstInt(payload, "recipient_id", "user_id", "assignee_id")
	if !ok || recipient <= 0 {
		return models.Notification{}, errors.New("recipient_id is required")
	}

	kind := firstString(payload, "type", "event", "kind")
	if kind == "" {
		kind = models.TypeCardAssigned
	}
	defaultTitle, known := defaultTitles[kind]
	if !known {
		return models.Notification{}, fmt.Errorf("unknown notification type %q", kind)
	}

	title := firstString(payload, "title", "subject")
	if title == "" {
		title = defaultTitle
	}
	message := firstString(payload, "message", "description", "detail", "body")

	n := models.Notification{
		RecipientID: recipient,
		Type:        kind,
		Title:       title,
		Message:     message,
	}
	if id, ok := firstInt(payload, "board_id", "board"); ok {
		n.BoardID = models.Int64(id)
	}
	if id, ok := firstInt(payload, "card_id", "card"); ok {
		n.CardID = models.Int64(id)
	}
	return n, nil
}

func firstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := strings.TrimSpace(getString(payload[key])); s != "" {
			return s
		}
	}
	return ""
}

func firstInt(payload map[string]any, keys ...string) (int64, bool) {
	for _, key := range keys {
		if s := getString(payload[key]); s != "" {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}
