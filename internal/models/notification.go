package models

import "time"

// Notification kinds raised by board activity.
const (
	TypeCardAssigned = "card_assigned"
	TypeCommentAdded = "comment_added"
	TypeDueSoon      = "due_soon"
	TypeCardMoved    = "card_moved"
)

type Notification struct {
	ID          int64     `json:"id"`
	RecipientID int64     `json:"-"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	BoardID     *int64    `json:"board_id,omitempty"`
	CardID      *int64    `json:"card_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Read        bool      `json:"read"`
}

// Int64 returns a pointer to v, for the optional board and card references.
func Int64(v int64) *int64 {
	return &v
}
