package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"classroom-kanban-go/internal/logger"
	"classroom-kanban-go/internal/metrics"
	"classroom-kanban-go/internal/models"
	"classroom-kanban-go/internal/store"
)

type VAPIDKeys struct {
	Public  string
	Private string
}

// LoadVAPIDKeys returns the configured key pair, or generates one when either
// half is missing. Generated keys only live as long as the process.
func LoadVAPIDKeys(public, private string, log *zap.Logger) (VAPIDKeys, error) {
	if public != "" && private != "" {
		return VAPIDKeys{Public: public, Private: private}, nil
	}

	log = logger.OrNop(log)
	log.Warn("VAPID keys not found in environment, generating new keys")
	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return VAPIDKeys{}, fmt.Errorf("failed to generate VAPID keys: %w", err)
	}
	log.Info("generated VAPID keys, add them to your .env file to persist them",
		zap.String("VAPID_PUBLIC_KEY", publicKey),
		zap.String("VAPID_PRIVATE_KEY", privateKey))
	return VAPIDKeys{Public: publicKey, Private: privateKey}, nil
}

// Pusher fans a notification out to every push subscription of a user.
type Pusher struct {
	subs       store.SubscriptionStore
	keys       VAPIDKeys
	subscriber string
	ttl        int
	log        *zap.Logger

	// HTTPClient overrides the client used to reach push services.
	HTTPClient webpush.HTTPClient
}

func NewPusher(subs store.SubscriptionStore, keys VAPIDKeys, subscriber string, ttl int, log *zap.Logger) *Pusher {
	// webpush-go adds the mailto: scheme itself.
	subscriber = strings.TrimPrefix(subscriber, "mailto:")
	return &Pusher{
		subs:       subs,
		keys:       keys,
		subscriber: subscriber,
		ttl:        ttl,
		log:        logger.OrNop(log).Named("push"),
	}
}

func (p *Pusher) PublicKey() string {
	return p.keys.Public
}

// SendToUser delivers payload to each of the user's subscriptions and returns
// how many push services accepted it. Subscriptions the push service reports
// as gone are deleted.
func (p *Pusher) SendToUser(ctx context.Context, userID int64, payload models.PushPayload) (int, error) {
	subs, err := p.subs.ListSubscriptions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return 0, nil
	}

	message, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, sub := range subs {
		s := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256dh,
				Auth:   sub.Auth,
			},
		}

		resp, err := webpush.SendNotificationWithContext(ctx, message, s, &webpush.Options{
			HTTPClient:      p.HTTPClient,
			Subscriber:      p.subscriber,
			VAPIDPublicKey:  p.keys.Public,
			VAPIDPrivateKey: p.keys.Private,
			TTL:             p.ttl,
			Urgency:         webpush.UrgencyNormal,
		})
		if err != nil {
			metrics.IncrementPushDelivery("failed")
			p.log.Warn("failed to send push", zap.String("endpoint", sub.Endpoint), zap.Error(err))
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			metrics.IncrementPushDelivery("gone")
			p.log.Info("push subscription expired, deleting", zap.String("endpoint", sub.Endpoint), zap.Int("status", resp.StatusCode))
			if err := p.subs.DeleteSubscriptionByEndpoint(ctx, sub.Endpoint); err != nil {
				p.log.Error("failed to delete expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
			}
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			metrics.IncrementPushDelivery("sent")
			sent++
		default:
			metrics.IncrementPushDelivery("failed")
			p.log.Warn("push service rejected message",
				zap.String("endpoint", sub.Endpoint),
				zap.Int("status", resp.StatusCode),
				zap.String("body", strings.TrimSpace(string(body))))
		}
	}
	return sent, nil
}

// VAPIDKeyHandler returns the public VAPID key
func (h *Handler) VAPIDKeyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.Pusher.PublicKey()})
}

func (h *Handler) ListSubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	subs, err := h.Store.ListSubscriptions(r.Context(), userID)
	if err != nil {
		h.Log.Error("failed to list subscriptions", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// CreateSubscriptionHandler saves a push subscription. The legacy nested
// {"keys": {...}} body is accepted as well as the flat one.
func (h *Handler) CreateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	var req struct {
		Endpoint string `json:"endpoint"`
		P256dh   string `json:"p256dh"`
		Auth     string `json:"auth"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.P256dh == "" {
		req.P256dh = req.Keys.P256dh
	}
	if req.Auth == "" {
		req.Auth = req.Keys.Auth
	}
	if req.Endpoint == "" || req.P256dh == "" || req.Auth == "" {
		writeError(w, http.StatusBadRequest, "endpoint, p256dh and auth are required")
		return
	}

	sub, err := h.Store.SaveSubscription(r.Context(), userID, req.Endpoint, req.P256dh, req.Auth)
	if err != nil {
		h.Log.Error("failed to save subscription", zap.Int64("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) DeleteSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription id")
		return
	}
	if err := h.Store.DeleteSubscription(r.Context(), userID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		h.Log.Error("failed to delete subscription", zap.Int64("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
