package store

import (
	"encoding/json"
	"time"

	"github.com/pedrohba/converse/internal/model"
)

// Conversation is a persisted channel or DM room.
type Conversation struct {
	ID                 string
	Kind               string
	Name               string
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is a persisted durable message.
type Message struct {
	RowID          int64
	ConversationID string
	MsgID          string
	SenderID       string
	SenderName     string
	AvatarURL      string
	Content        string
	Attachments    string // JSON array, "" when none
	CreatedAt      int64  // unix ms
	EditedAt       int64  // unix ms, 0 = never edited
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}

// FromModel converts a cache message into its persisted form. Optimistic
// messages have no durable id and are not persisted; ok is false for them.
func FromModel(m model.Message) (Message, bool) {
	id, ok := m.ID.Durable()
	if !ok {
		return Message{}, false
	}
	sm := Message{
		ConversationID: m.ConversationID,
		MsgID:          id,
		SenderID:       m.Sender.ID,
		SenderName:     m.Sender.DisplayName,
		AvatarURL:      m.Sender.AvatarURL,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt.UnixMilli(),
	}
	if m.EditedAt != nil {
		sm.EditedAt = m.EditedAt.UnixMilli()
	}
	if len(m.Attachments) > 0 {
		if raw, err := json.Marshal(m.Attachments); err == nil {
			sm.Attachments = string(raw)
		}
	}
	return sm, true
}

// ToModel converts a persisted message back into the cache's form.
func (m Message) ToModel() model.Message {
	out := model.Message{
		ID:             model.DurableID(m.MsgID),
		ConversationID: m.ConversationID,
		Sender: model.Sender{
			ID:          m.SenderID,
			DisplayName: m.SenderName,
			AvatarURL:   m.AvatarURL,
		},
		Content:   m.Content,
		CreatedAt: time.UnixMilli(m.CreatedAt),
	}
	if m.EditedAt != 0 {
		at := time.UnixMilli(m.EditedAt)
		out.EditedAt = &at
	}
	if m.Attachments != "" {
		_ = json.Unmarshal([]byte(m.Attachments), &out.Attachments)
	}
	return out
}

// ToModel converts a persisted conversation.
func (c Conversation) ToModel() model.Conversation {
	return model.Conversation{
		ID:                 c.ID,
		Kind:               model.ConversationKind(c.Kind),
		Name:               c.Name,
		LastMessageAt:      time.UnixMilli(c.LastMessageAt),
		LastMessagePreview: c.LastMessagePreview,
	}
}
