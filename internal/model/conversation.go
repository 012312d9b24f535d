package model

import "time"

// ConversationKind distinguishes channels from direct-message rooms.
// A message belongs to exactly one kind of conversation.
type ConversationKind string

const (
	KindChannel ConversationKind = "channel"
	KindDirect  ConversationKind = "dm"
)

// Conversation is a synced channel or DM room.
type Conversation struct {
	ID                 string           `json:"id"`
	Kind               ConversationKind `json:"kind"`
	Name               string           `json:"name"`
	LastMessageAt      time.Time        `json:"lastMessageAt"`
	LastMessagePreview string           `json:"lastMessagePreview,omitempty"`
}

// RoomTarget is the single live-subscription target: one conversation the
// gateway connection is (or should be) joined to.
type RoomTarget struct {
	ConversationID string
	Kind           ConversationKind
}
