package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation record. Name and
// kind keep their stored values when the incoming ones are empty, so an
// ingest-driven touch cannot clobber metadata learned elsewhere.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, kind, name, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = COALESCE(NULLIF(excluded.kind, ''), conversations.kind),
			name = COALESCE(NULLIF(excluded.name, ''), conversations.name),
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE
				WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview
				ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.ID, c.Kind, c.Name, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// ListConversations returns conversations sorted by last message
// timestamp descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, kind, name, last_message_at, last_message_preview
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Kind, &c.Name, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConversation returns a single conversation, or nil when absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, kind, name, last_message_at, last_message_preview
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Kind, &c.Name, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
