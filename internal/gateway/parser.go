package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/pedrohba/converse/internal/model"
)

// ErrMissingID marks a push payload without a message id. Such events
// carry nothing reconcilable and are dropped by the ingestion engine.
var ErrMissingID = errors.New("gateway: event has no message id")

// wireMessage tolerates the field variance seen on the push channel:
// sender as a bare id or an expanded summary, content occasionally
// non-string, timestamps missing, and routing under either
// conversationId or channelId.
type wireMessage struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	ChannelID      string          `json:"channelId"`
	Sender         json.RawMessage `json:"sender"`
	Content        json.RawMessage `json:"content"`
	Attachments    []string        `json:"attachments"`
	CreatedAt      json.RawMessage `json:"createdAt"`
	EditedAt       json.RawMessage `json:"editedAt"`
}

// ParseMessage normalizes a message-created / message-updated payload.
// Defensive defaults: non-string content becomes "", a missing createdAt
// becomes ingestion-time now. ConversationID is left empty when the
// payload omits routing; the engine falls back to the active
// conversation. Only a missing id is fatal.
func ParseMessage(data []byte) (model.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return model.Message{}, err
	}
	if w.ID == "" {
		return model.Message{}, ErrMissingID
	}

	conv := w.ConversationID
	if conv == "" {
		conv = w.ChannelID
	}

	msg := model.Message{
		ID:             model.DurableID(w.ID),
		ConversationID: conv,
		Sender:         parseSender(w.Sender),
		Content:        parseContent(w.Content),
		Attachments:    w.Attachments,
		CreatedAt:      parseTime(w.CreatedAt, time.Now()),
	}
	if t := parseTime(w.EditedAt, time.Time{}); !t.IsZero() {
		msg.EditedAt = &t
	}
	return msg, nil
}

// Deletion is a normalized message-deleted event. ConversationID is
// empty when the payload carried only the id.
type Deletion struct {
	ID             string
	ConversationID string
}

// ParseDeleted extracts the deletion from a message-deleted payload,
// which arrives either as an object with an id (and sometimes routing)
// or as a bare id string.
func ParseDeleted(data []byte) (Deletion, error) {
	var obj struct {
		ID             string `json:"id"`
		ConversationID string `json:"conversationId"`
		ChannelID      string `json:"channelId"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.ID != "" {
		conv := obj.ConversationID
		if conv == "" {
			conv = obj.ChannelID
		}
		return Deletion{ID: obj.ID, ConversationID: conv}, nil
	}
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil && bare != "" {
		return Deletion{ID: bare}, nil
	}
	return Deletion{}, ErrMissingID
}

func parseSender(raw json.RawMessage) model.Sender {
	if len(raw) == 0 {
		return model.Sender{}
	}
	var s model.Sender
	if err := json.Unmarshal(raw, &s); err == nil && s.ID != "" {
		return s
	}
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		return model.Sender{ID: bare}
	}
	return model.Sender{}
}

func parseContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// Numeric or otherwise malformed bodies degrade to empty rather than
	// breaking ingestion.
	return ""
}

func parseTime(raw json.RawMessage, fallback time.Time) time.Time {
	if len(raw) == 0 {
		return fallback
	}
	var t time.Time
	if err := json.Unmarshal(raw, &t); err == nil {
		return t
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms)
	}
	return fallback
}
