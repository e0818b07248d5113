// Package notifications keeps the agent's in-memory notification list and its
// unread counter in step with the REST API.
package notifications

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"classroom-kanban-go/internal/logger"
	"classroom-kanban-go/internal/models"
)

type API interface {
	ListNotifications(ctx context.Context, unreadOnly bool) ([]models.Notification, error)
	MarkRead(ctx context.Context, id int64) error
	MarkAllRead(ctx context.Context) error
}

// Cue is the audible alert for new unread notifications.
type Cue interface {
	Enabled() bool
	Play()
}

type Store struct {
	api API
	cue Cue
	log *zap.Logger

	mu     sync.RWMutex
	items  []models.Notification // newest first
	unread int
}

func NewStore(api API, cue Cue, log *zap.Logger) *Store {
	return &Store{
		api: api,
		cue: cue,
		log: logger.OrNop(log).Named("notifications"),
	}
}

// Add inserts a live notification. Known ids are ignored.
func (s *Store) Add(n models.Notification) {
	s.mu.Lock()
	if s.indexOf(n.ID) >= 0 {
		s.mu.Unlock()
		return
	}
	s.items = append([]models.Notification{n}, s.items...)
	if !n.Read {
		s.unread++
	}
	s.mu.Unlock()

	if !n.Read && s.cue != nil && s.cue.Enabled() {
		s.cue.Play()
	}
}

// MarkAsRead persists the change first; local state only moves on success.
// The unread count drops only when a held unread record flips, so marking an
// unknown or already read id leaves it unchanged.
func (s *Store) MarkAsRead(ctx context.Context, id int64) error {
	if err := s.api.MarkRead(ctx, id); err != nil {
		s.log.Error("mark notification read failed", zap.Int64("id", id), zap.Error(err))
		return fmt.Errorf("mark notification %d read: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 && !s.items[i].Read {
		s.items[i].Read = true
		if s.unread > 0 {
			s.unread--
		}
	}
	return nil
}

func (s *Store) MarkAllAsRead(ctx context.Context) error {
	if err := s.api.MarkAllRead(ctx); err != nil {
		s.log.Error("mark all notifications read failed", zap.Error(err))
		return fmt.Errorf("mark all notifications read: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		s.items[i].Read = true
	}
	s.unread = 0
	return nil
}

// Load reconciles with the server's unread list. Unknown ids are prepended in
// server order and existing records keep their local state. The unread counter
// is taken from the fetched batch alone.
func (s *Store) Load(ctx context.Context) error {
	batch, err := s.api.ListNotifications(ctx, true)
	if err != nil {
		s.log.Error("load notifications failed", zap.Error(err))
		return fmt.Errorf("load notifications: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]struct{}, len(s.items)+len(batch))
	for _, n := range s.items {
		seen[n.ID] = struct{}{}
	}
	fresh := make([]models.Notification, 0, len(batch))
	unread := 0
	for _, n := range batch {
		if !n.Read {
			unread++
		}
		if _, ok := seen[n.ID]; ok {
			continue
		}
		seen[n.ID] = struct{}{}
		fresh = append(fresh, n)
	}

	s.items = append(fresh, s.items...)
	s.unread = unread
	s.log.Debug("notifications loaded", zap.Int("fetched", len(batch)), zap.Int("added", len(fresh)))
	return nil
}

// Notifications returns a copy of the list, newest first.
func (s *Store) Notifications() []models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Notification, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// Reset drops all state, for logout.
func (s *Store) Reset() {
	s.mu.Lock()
	s.items = nil
	s.unread = 0
	s.mu.Unlock()
}

func (s *Store) indexOf(id int64) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}
