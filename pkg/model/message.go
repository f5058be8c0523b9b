package model

import (
	"cmp"
	"slices"
	"time"
)

// Message is immutable after creation except for Read and Deleted.
type Message struct {
	ID            int64     `json:"id,string"`
	TenantID      string    `json:"tenantId"`
	RoomID        string    `json:"roomId"`
	SenderID      string    `json:"senderId"`
	SenderRole    Role      `json:"senderRole"`
	Subject       string    `json:"subject,omitempty"`
	Body          string    `json:"body"`
	AttachmentURL string    `json:"attachmentUrl,omitempty"`
	Read          bool      `json:"read"`
	Deleted       bool      `json:"deleted"`
	CreatedAt     time.Time `json:"createdAt"`

	Room *Room `json:"room,omitempty"`
}

// SortNewestFirst orders messages the way the durable store returns
// history: creation time descending, id descending on ties.
func SortNewestFirst(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}

// Conversation summarises one room for a participant.
type Conversation struct {
	Room        Room      `json:"room"`
	UnreadCount int64     `json:"unreadCount"`
	LastUpdated time.Time `json:"lastUpdated"`
}
