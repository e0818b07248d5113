package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"classroom-kanban-go/internal/logger"
	"classroom-kanban-go/internal/models"
)

var ErrNotFound = errors.New("not found")

// NotificationStore persists notifications per recipient.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n models.Notification) (models.Notification, error)
	// ListNotifications returns the recipient's notifications, newest first.
	ListNotifications(ctx context.Context, userID int64, unreadOnly bool) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, id int64) error
	MarkAllRead(ctx context.Context, userID int64) (int64, error)
}

// SubscriptionStore is the push subscription registry. Endpoints are unique.
type SubscriptionStore interface {
	SaveSubscription(ctx context.Context, userID int64, endpoint, p256dh, auth string) (models.PushSubscription, error)
	ListSubscriptions(ctx context.Context, userID int64) ([]models.PushSubscription, error)
	DeleteSubscription(ctx context.Context, userID, id int64) error
	DeleteSubscriptionByEndpoint(ctx context.Context, endpoint string) error
}

type Store interface {
	NotificationStore
	SubscriptionStore
}

// Bus fans notifications out to every server instance holding a WebSocket
// for the recipient.
type Bus interface {
	Publish(ctx context.Context, userID int64, n models.Notification) error
	// Subscribe streams notifications for userID until ctx ends or close is called.
	Subscribe(ctx context.Context, userID int64) (<-chan models.Notification, func() error, error)
}

// Channel is the pub/sub channel carrying a user's notifications.
func Channel(userID int64) string {
	return fmt.Sprintf("notifications_user_%d", userID)
}

type RedisBus struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisBus(opts *redis.Options, log *zap.Logger) *RedisBus {
	return &RedisBus{client: redis.NewClient(opts), log: logger.OrNop(log).Named("bus")}
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (b *RedisBus) Publish(ctx context.Context, userID int64, n models.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, Channel(userID), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", Channel(userID), err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, userID int64) (<-chan models.Notification, func() error, error) {
	pubsub := b.client.Subscribe(ctx, Channel(userID))
	// Wait for the subscription to be confirmed so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", Channel(userID), err)
	}

	out := make(chan models.Notification)
	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var n models.Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					b.log.Warn("dropping malformed bus message", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, pubsub.Close, nil
}
