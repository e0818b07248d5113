package push

import (
	"context"

	"classroom-kanban-go/internal/apiclient"
	"classroom-kanban-go/internal/keycodec"
	"classroom-kanban-go/internal/models"
	"classroom-kanban-go/internal/serviceworker"
)

type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// Platform is the device surface the manager drives: capability checks, the
// notification permission and the service worker container.
type Platform interface {
	SupportsServiceWorker() bool
	SupportsPush() bool
	SupportsNotifications() bool
	SecureContext() bool

	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)

	Register(ctx context.Context, scriptURL, scope string) (Registration, error)
	// GetRegistration returns nil without an error when nothing is registered.
	GetRegistration(ctx context.Context) (Registration, error)
	// Ready blocks until a registration has an active worker or ctx ends.
	Ready(ctx context.Context) (Registration, error)
}

type Registration interface {
	Scope() string
	Installing() Worker
	Waiting() Worker
	Active() Worker
	// PushManager is nil when the platform has no push support.
	PushManager() PushManager
}

type Worker interface {
	State() serviceworker.State
	// StateChanges streams later transitions until stop is called.
	StateChanges() (changes <-chan serviceworker.State, stop func())
	PostMessage(msg serviceworker.Message) error
}

type SubscribeOptions struct {
	UserVisibleOnly      bool
	ApplicationServerKey []byte
}

type PushManager interface {
	// GetSubscription returns nil without an error when none exists.
	GetSubscription(ctx context.Context) (*Subscription, error)
	Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error)
	// Unsubscribe reports false when there was no subscription.
	Unsubscribe(ctx context.Context) (bool, error)
}

// Server is the part of the REST API the manager needs.
type Server interface {
	CheckWorkerScript(ctx context.Context, path string) (string, error)
	VAPIDPublicKey(ctx context.Context) (string, error)
	ListSubscriptions(ctx context.Context) ([]models.PushSubscription, error)
	CreateSubscription(ctx context.Context, in apiclient.SubscriptionInput) (models.PushSubscription, error)
	DeleteSubscription(ctx context.Context, id int64) error
}

// Subscription is a platform-issued push credential.
type Subscription struct {
	Endpoint string
	P256dh   []byte
	Auth     []byte
}

// Input is the server registration body, with key material in standard base64.
func (s *Subscription) Input() apiclient.SubscriptionInput {
	return apiclient.SubscriptionInput{
		Endpoint: s.Endpoint,
		P256dh:   keycodec.EncodeKeyMaterial(s.P256dh),
		Auth:     keycodec.EncodeKeyMaterial(s.Auth),
	}
}
