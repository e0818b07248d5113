package pushrecv

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"classroom-kanban-go/internal/keycodec"
	"classroom-kanban-go/internal/logger"
	"classroom-kanban-go/internal/metrics"
)

const maxBody = 64 << 10

// Subscriber owns the device subscriptions the receiver delivers to.
type Subscriber interface {
	// Lookup returns the keys for subscription id. appKey is the application
	// server key the subscription was created with, empty when unrestricted.
	Lookup(id string) (keys Keys, appKey []byte, ok bool)
	Deliver(ctx context.Context, d Delivery)
}

type Delivery struct {
	SubscriptionID string
	Payload        []byte
	TTL            int
	Urgency        string
	Topic          string
}

type Receiver struct {
	subs Subscriber
	log  *zap.Logger

	// Audience is the origin VAPID tokens must name. Empty derives it from
	// the request.
	Audience string
	Now      func() time.Time
}

func NewReceiver(subs Subscriber, log *zap.Logger) *Receiver {
	return &Receiver{subs: subs, log: logger.OrNop(log).Named("pushrecv"), Now: time.Now}
}

// Routes serves POST /push/{id} on its own router.
func (rv *Receiver) Routes() http.Handler {
	r := chi.NewRouter()
	rv.Mount(r)
	return r
}

func (rv *Receiver) Mount(r chi.Router) {
	r.Post("/push/{id}", rv.handlePush)
}

func (rv *Receiver) handlePush(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log := rv.log.With(zap.String("subscription", id))

	keys, appKey, ok := rv.subs.Lookup(id)
	if !ok {
		metrics.IncrementPushReceived("gone")
		http.Error(w, "subscription expired", http.StatusGone)
		return
	}

	auth, err := ParseAuthorization(r.Header, log)
	if err != nil {
		metrics.IncrementPushReceived("rejected")
		log.Warn("push without valid authorization", zap.Error(err))
		w.Header().Set("WWW-Authenticate", "vapid")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if len(appKey) > 0 && !bytes.Equal(appKey, auth.Key) {
		metrics.IncrementPushReceived("rejected")
		log.Warn("push signed with another key", zap.String("key", keycodec.EncodeKeyMaterial(auth.Key)))
		http.Error(w, ErrKeyMismatch.Error(), http.StatusForbidden)
		return
	}
	if _, err := auth.Verify(rv.audience(r), rv.Now()); err != nil {
		metrics.IncrementPushReceived("rejected")
		log.Warn("vapid verification failed", zap.Error(err))
		w.Header().Set("WWW-Authenticate", "vapid")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBody {
		metrics.IncrementPushReceived("rejected")
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	var payload []byte
	if len(body) > 0 {
		if enc := r.Header.Get("Content-Encoding"); !strings.EqualFold(enc, "aes128gcm") {
			metrics.IncrementPushReceived("rejected")
			http.Error(w, "unsupported content encoding", http.StatusUnsupportedMediaType)
			return
		}
		payload, err = Decrypt(body, keys)
		if err != nil {
			metrics.IncrementPushReceived("rejected")
			log.Warn("decrypt failed", zap.Error(err))
			status := http.StatusBadRequest
			if !errors.Is(err, ErrMalformed) {
				status = http.StatusInternalServerError
			}
			http.Error(w, "cannot decrypt payload", status)
			return
		}
	}

	ttl, _ := strconv.Atoi(r.Header.Get("TTL"))
	rv.subs.Deliver(r.Context(), Delivery{
		SubscriptionID: id,
		Payload:        payload,
		TTL:            ttl,
		Urgency:        r.Header.Get("Urgency"),
		Topic:          r.Header.Get("Topic"),
	})
	metrics.IncrementPushReceived("delivered")
	log.Debug("push delivered", zap.Int("bytes", len(payload)))
	w.WriteHeader(http.StatusCreated)
}

func (rv *Receiver) audience(r *http.Request) string {
	if rv.Audience != "" {
		return rv.Audience
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
