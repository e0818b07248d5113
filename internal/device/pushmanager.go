package device

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classroom-kanban-go/internal/push"
	"classroom-kanban-go/internal/pushrecv"
	sw "classroom-kanban-go/internal/serviceworker"
)

var ErrKeyConflict = errors.New("a subscription with a different application server key exists")

type subscription struct {
	id     string
	sub    *push.Subscription
	keys   pushrecv.Keys
	appKey []byte
}

// PushManager issues subscriptions whose endpoints point at the local push
// receiver, and hands received messages to the active worker.
type PushManager struct {
	host    *Host
	baseURL string

	mu  sync.Mutex
	cur *subscription
}

var (
	_ push.PushManager    = (*PushManager)(nil)
	_ pushrecv.Subscriber = (*PushManager)(nil)
)

func newPushManager(h *Host, baseURL string) *PushManager {
	return &PushManager{host: h, baseURL: strings.TrimRight(baseURL, "/")}
}

func (m *PushManager) GetSubscription(context.Context) (*push.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil, nil
	}
	return m.cur.sub, nil
}

func (m *PushManager) Subscribe(_ context.Context, opts push.SubscribeOptions) (*push.Subscription, error) {
	if !opts.UserVisibleOnly {
		return nil, errors.New("only user-visible push subscriptions are supported")
	}
	if len(opts.ApplicationServerKey) == 0 {
		return nil, errors.New("application server key is required")
	}
	if m.host.Permission() != push.PermissionGranted {
		return nil, ErrPermission
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		if bytes.Equal(m.cur.appKey, opts.ApplicationServerKey) {
			return m.cur.sub, nil
		}
		return nil, ErrKeyConflict
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate subscription key: %w", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return nil, fmt.Errorf("generate auth secret: %w", err)
	}
	id := uuid.NewString()
	m.cur = &subscription{
		id: id,
		sub: &push.Subscription{
			Endpoint: m.baseURL + "/push/" + id,
			P256dh:   priv.PublicKey().Bytes(),
			Auth:     auth,
		},
		keys:   pushrecv.Keys{Private: priv, Auth: auth},
		appKey: append([]byte(nil), opts.ApplicationServerKey...),
	}
	m.host.log.Info("push subscription issued", zap.String("endpoint", m.cur.sub.Endpoint))
	return m.cur.sub, nil
}

func (m *PushManager) Unsubscribe(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return false, nil
	}
	m.host.log.Info("push subscription dropped", zap.String("endpoint", m.cur.sub.Endpoint))
	m.cur = nil
	return true, nil
}

func (m *PushManager) Lookup(id string) (pushrecv.Keys, []byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.cur.id != id {
		return pushrecv.Keys{}, nil, false
	}
	return m.cur.keys, m.cur.appKey, true
}

// Deliver raises a push event in the active worker. The event outlives the
// request that carried it.
func (m *PushManager) Deliver(ctx context.Context, d pushrecv.Delivery) {
	script := m.host.activeScript()
	if script == nil {
		m.host.log.Warn("push dropped, no active worker", zap.String("subscription", d.SubscriptionID))
		return
	}
	var ev sw.PushEvent
	if d.Payload != nil {
		ev.Data = sw.Bytes(d.Payload)
	}
	script.HandlePush(context.WithoutCancel(ctx), ev)
}
