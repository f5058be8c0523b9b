package model

import (
	"slices"
	"time"
)

type RoomKind string

const (
	KindDirect    RoomKind = "direct"
	KindBroadcast RoomKind = "broadcast"
)

func (k RoomKind) Valid() bool {
	return k == KindDirect || k == KindBroadcast
}

// Room groups exactly the participants allowed to exchange messages under
// one kind. Name is canonical and unique per tenant; the participant set
// never changes after creation.
type Room struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	Name         string    `json:"name"`
	Label        string    `json:"label"`
	Kind         RoomKind  `json:"kind"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (r *Room) HasParticipant(principalID string) bool {
	return slices.Contains(r.Participants, principalID)
}
