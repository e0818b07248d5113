package models

import "time"

type PushSubscription struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"created_at"`
}

// PushPayload is the JSON document carried inside an encrypted push message.
type PushPayload struct {
	ID    int64          `json:"id,omitempty"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Icon  string         `json:"icon,omitempty"`
	Badge string         `json:"badge,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// NewPushPayload builds the push document for a stored notification.
func NewPushPayload(n Notification) PushPayload {
	data := map[string]any{
		"notification_id": n.ID,
		"type":            n.Type,
	}
	if n.BoardID != nil {
		data["board_id"] = *n.BoardID
	}
	if n.CardID != nil {
		data["card_id"] = *n.CardID
	}
	return PushPayload{
		ID:    n.ID,
		Title: n.Title,
		Body:  n.Message,
		Icon:  "/icon-192x192.png",
		Badge: "/icon-192x192.png",
		Data:  data,
	}
}
