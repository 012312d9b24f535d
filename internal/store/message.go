package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, avatar_url, content, attachments, created_at, edited_at, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			avatar_url = excluded.avatar_url,
			content = excluded.content,
			attachments = excluded.attachments,
			edited_at = excluded.edited_at`,
		m.ConversationID, m.MsgID, m.SenderID, m.SenderName, m.AvatarURL, m.Content, m.Attachments, m.CreatedAt, m.EditedAt, now)
	return err
}

// BatchUpsertMessages applies a history batch in one transaction.
func (db *DB) BatchUpsertMessages(msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, avatar_url, content, attachments, created_at, edited_at, stored_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
				sender_name = excluded.sender_name,
				avatar_url = excluded.avatar_url,
				content = excluded.content,
				attachments = excluded.attachments,
				edited_at = excluded.edited_at`,
			m.ConversationID, m.MsgID, m.SenderID, m.SenderName, m.AvatarURL, m.Content, m.Attachments, m.CreatedAt, m.EditedAt, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteMessage removes a message by durable id. Durable ids are
// server-assigned and globally unique, so no conversation scope is
// needed. Deleting an absent id is a no-op.
func (db *DB) DeleteMessage(msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE msg_id = ?`, msgID)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, sender_name, avatar_url, content, attachments, created_at, edited_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.RowID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.SenderName, &m.AvatarURL, &m.Content, &m.Attachments, &m.CreatedAt, &m.EditedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
