package model

import "time"

type EventType string

const (
	EventMessageAdded   EventType = "messageAdded"
	EventMessageDeleted EventType = "messageDeleted"
	EventUserTyping     EventType = "userTyping"
	EventJoinedRoom     EventType = "joinedRoom"
	EventLeftRoom       EventType = "leftRoom"
	EventReadReceipt    EventType = "readReceipt"
	EventError          EventType = "error"
)

// Event is the envelope carried by the delivery bus and written to
// websocket clients. Participants lets gateways route room events to
// users who have not joined the room live.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	TenantID     string    `json:"tenantId,omitempty"`
	RoomID       string    `json:"roomId,omitempty"`
	PrincipalID  string    `json:"principalId,omitempty"`
	Participants []string  `json:"participants,omitempty"`
	IsTyping     bool      `json:"isTyping,omitempty"`
	MessageID    int64     `json:"messageId,omitempty,string"`
	Message      *Message  `json:"message,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// TypingEvent is what typing subscribers receive.
type TypingEvent struct {
	RoomID      string `json:"roomId"`
	PrincipalID string `json:"principalId"`
	IsTyping    bool   `json:"isTyping"`
}
