package handlers_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"classroom-kanban-go/internal/models"
	"classroom-kanban-go/internal/store"
)

type memStore struct {
	mu            sync.Mutex
	nextID        int64
	notifications []models.Notification
	subs          []models.PushSubscription
}

var _ store.Store = (*memStore)(nil)

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) CreateNotification(_ context.Context, n models.Notification) (models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.ID = s.id()
	n.CreatedAt = time.Unix(1700000000+n.ID, 0).UTC()
	s.notifications = append(s.notifications, n)
	return n, nil
}

func (s *memStore) ListNotifications(_ context.Context, userID int64, unreadOnly bool) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Notification{}
	for _, n := range s.notifications {
		if n.RecipientID == userID && (!unreadOnly || !n.Read) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) MarkRead(_ context.Context, userID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].ID == id && s.notifications[i].RecipientID == userID {
			s.notifications[i].Read = true
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *memStore) MarkAllRead(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.notifications {
		if s.notifications[i].RecipientID == userID && !s.notifications[i].Read {
			s.notifications[i].Read = true
			n++
		}
	}
	return n, nil
}

func (s *memStore) isRead(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications {
		if n.ID == id {
			return n.Read
		}
	}
	return false
}

func (s *memStore) SaveSubscription(_ context.Context, userID int64, endpoint, p256dh, auth string) (models.PushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.subs {
		if s.subs[i].Endpoint == endpoint {
			s.subs[i].UserID, s.subs[i].P256dh, s.subs[i].Auth = userID, p256dh, auth
			return s.subs[i], nil
		}
	}
	sub := models.PushSubscription{ID: s.id(), UserID: userID, Endpoint: endpoint, P256dh: p256dh, Auth: auth, CreatedAt: time.Now()}
	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *memStore) ListSubscriptions(_ context.Context, userID int64) ([]models.PushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.PushSubscription{}
	for _, sub := range s.subs {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *memStore) DeleteSubscription(_ context.Context, userID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.ID == id && sub.UserID == userID {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *memStore) DeleteSubscriptionByEndpoint(_ context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.Endpoint == endpoint {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return nil
		}
	}
	return nil
}

type memBus struct {
	mu        sync.Mutex
	subs      map[int64][]chan models.Notification
	published []models.Notification
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[int64][]chan models.Notification)}
}

func (b *memBus) Publish(_ context.Context, userID int64, n models.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, n)
	for _, ch := range b.subs[userID] {
		select {
		case ch <- n:
		default:
		}
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, userID int64) (<-chan models.Notification, func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan models.Notification, 16)
	b.subs[userID] = append(b.subs[userID], ch)

	var once sync.Once
	closer := func() error {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[userID]
			for i, c := range list {
				if c == ch {
					b.subs[userID] = append(list[:i], list[i+1:]...)
					break
				}
			}
			close(ch)
		})
		return nil
	}
	return ch, closer, nil
}

func (b *memBus) subscribers(userID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[userID])
}

func (b *memBus) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}
