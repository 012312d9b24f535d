package store

import "time"

// SaveDraft persists unsent input text for a conversation.
func (db *DB) SaveDraft(conversationID, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO drafts (conversation_id, body, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at`,
		conversationID, body, now)
	return err
}

// DeleteDraft discards a persisted draft. Absent drafts are a no-op.
func (db *DB) DeleteDraft(conversationID string) error {
	_, err := db.Exec(`DELETE FROM drafts WHERE conversation_id = ?`, conversationID)
	return err
}

// LoadDrafts returns all persisted drafts, used to seed the draft store
// at daemon start.
func (db *DB) LoadDrafts() (map[string]string, error) {
	rows, err := db.Query(`SELECT conversation_id, body FROM drafts`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		out[id] = body
	}
	return out, rows.Err()
}
