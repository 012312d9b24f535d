package gateway

import (
	"errors"
	"testing"
	"time"
)

func TestParseMessageFull(t *testing.T) {
	data := []byte(`{
		"id": "d1",
		"conversationId": "c1",
		"sender": {"id": "u1", "displayName": "Ana", "avatarUrl": "https://cdn/a.png"},
		"content": "hello",
		"attachments": ["https://cdn/f.pdf"],
		"createdAt": "2026-01-02T10:00:00Z",
		"editedAt": "2026-01-02T11:00:00Z"
	}`)

	msg, err := ParseMessage(data)
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := msg.ID.Durable(); id != "d1" {
		t.Errorf("id = %q, want d1", id)
	}
	if msg.ConversationID != "c1" {
		t.Errorf("conversationId = %q, want c1", msg.ConversationID)
	}
	if msg.Sender.ID != "u1" || msg.Sender.DisplayName != "Ana" {
		t.Errorf("sender = %+v", msg.Sender)
	}
	if msg.Content != "hello" {
		t.Errorf("content = %q", msg.Content)
	}
	if len(msg.Attachments) != 1 {
		t.Errorf("attachments = %v", msg.Attachments)
	}
	want := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	if !msg.CreatedAt.Equal(want) {
		t.Errorf("createdAt = %v, want %v", msg.CreatedAt, want)
	}
	if msg.EditedAt == nil {
		t.Error("editedAt not parsed")
	}
}

func TestParseMessageDefensiveDefaults(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		content string
	}{
		{"numeric content", `{"id": "d1", "conversationId": "c1", "content": 42}`, ""},
		{"object content", `{"id": "d1", "conversationId": "c1", "content": {"x": 1}}`, ""},
		{"absent content", `{"id": "d1", "conversationId": "c1"}`, ""},
		{"null content", `{"id": "d1", "conversationId": "c1", "content": null}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.data))
			if err != nil {
				t.Fatal(err)
			}
			if msg.Content != tt.content {
				t.Errorf("content = %q, want %q", msg.Content, tt.content)
			}
		})
	}
}

func TestParseMessageMissingCreatedAtDefaultsToNow(t *testing.T) {
	before := time.Now()
	msg, err := ParseMessage([]byte(`{"id": "d1", "conversationId": "c1", "content": "x"}`))
	if err != nil {
		t.Fatal(err)
	}
	after := time.Now()
	if msg.CreatedAt.Before(before) || msg.CreatedAt.After(after) {
		t.Errorf("createdAt = %v, want ingestion-time now", msg.CreatedAt)
	}
}

func TestParseMessageUnixMillisTimestamp(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"id": "d1", "conversationId": "c1", "createdAt": 1700000000000}`))
	if err != nil {
		t.Fatal(err)
	}
	if !msg.CreatedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("createdAt = %v", msg.CreatedAt)
	}
}

func TestParseMessageBareSender(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"id": "d1", "conversationId": "c1", "sender": "u1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Sender.ID != "u1" || msg.Sender.DisplayName != "" {
		t.Errorf("sender = %+v, want bare id u1", msg.Sender)
	}
}

func TestParseMessageChannelIDRouting(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"id": "d1", "channelId": "ch9", "content": "x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.ConversationID != "ch9" {
		t.Errorf("conversationId = %q, want ch9", msg.ConversationID)
	}
}

func TestParseMessageOmittedRoutingLeftEmpty(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"id": "d1", "content": "x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.ConversationID != "" {
		t.Errorf("conversationId = %q, want empty for engine fallback", msg.ConversationID)
	}
}

func TestParseMessageMissingID(t *testing.T) {
	_, err := ParseMessage([]byte(`{"conversationId": "c1", "content": "x"}`))
	if !errors.Is(err, ErrMissingID) {
		t.Errorf("err = %v, want ErrMissingID", err)
	}
}

func TestParseMessageMalformedJSON(t *testing.T) {
	if _, err := ParseMessage([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestParseDeleted(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		want     string
		wantConv string
		wantErr  bool
	}{
		{"object form", `{"id": "d1"}`, "d1", "", false},
		{"object with routing", `{"id": "d1", "conversationId": "c1"}`, "d1", "c1", false},
		{"channel routing", `{"id": "d1", "channelId": "ch9"}`, "d1", "ch9", false},
		{"bare string", `"d1"`, "d1", "", false},
		{"empty object", `{}`, "", "", true},
		{"garbage", `{nope`, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDeleted([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if got.ID != tt.want || got.ConversationID != tt.wantConv {
				t.Errorf("deletion = %+v, want id=%q conv=%q", got, tt.want, tt.wantConv)
			}
		})
	}
}
