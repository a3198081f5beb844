package store

import (
	"database/sql"
	"fmt"

	"github.com/matheus3301/chatsync/internal/model"
)

// ReplaceRecentMessages stores msgs as the recent history of a conversation,
// dropping what was stored before. Pending placeholders are skipped. It
// returns the number of messages written.
func (db *DB) ReplaceRecentMessages(chatID string, msgs []model.Message) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n, err := replaceMessages(tx, chatID, msgs)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func replaceMessages(tx *sql.Tx, chatID string, msgs []model.Message) (int, error) {
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, chatID); err != nil {
		return 0, fmt.Errorf("clear messages of %s: %w", chatID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, content, message_type, state, media_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			content = excluded.content,
			state = excluded.state,
			media_id = excluded.media_id`)
	if err != nil {
		return 0, fmt.Errorf("prepare message insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	n := 0
	for _, m := range msgs {
		if m.ID.IsPending() || m.ID.IsZero() {
			continue
		}
		if _, err := stmt.Exec(chatID, m.ID.Value(), m.SenderID, nullString(m.Content),
			string(m.Type), string(m.State), nullString(m.MediaID), toMillis(m.CreatedAt)); err != nil {
			return n, fmt.Errorf("insert message %s: %w", m.ID, err)
		}
		n++
	}
	return n, nil
}

// RecentMessages returns up to limit stored messages of a conversation,
// newest first.
func (db *DB) RecentMessages(chatID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT msg_id, sender_id, content, message_type, state, media_id, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, msg_id DESC
		LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var (
			id, typ, state   string
			content, mediaID sql.NullString
			createdAt        int64
		)
		m := model.Message{ConversationID: chatID}
		if err := rows.Scan(&id, &m.SenderID, &content, &typ, &state, &mediaID, &createdAt); err != nil {
			return nil, err
		}
		m.ID = model.Confirmed(id)
		m.Content = stringPtr(content)
		m.Type = model.MessageType(typ)
		m.State = model.MessageState(state)
		m.MediaID = stringPtr(mediaID)
		m.CreatedAt = fromMillis(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
