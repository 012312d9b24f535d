package model

import (
	"strings"
	"time"
)

// Sender identifies who wrote a message. The server sometimes sends a bare
// id and sometimes an expanded summary; both refer to the same logical
// sender, so equality is always by ID.
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Message is the unit of synchronization.
type Message struct {
	ID             MessageID
	ConversationID string
	Sender         Sender
	Content        string
	Attachments    []string
	CreatedAt      time.Time
	EditedAt       *time.Time
}

// TrimmedContent returns the content with surrounding whitespace removed.
// Reconciliation compares bodies in this form.
func (m Message) TrimmedContent() string {
	return strings.TrimSpace(m.Content)
}
