package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// ReplaceConversations swaps the stored list for convs, keeping their order.
// Messages of conversations that left the list are removed with them.
func (db *DB) ReplaceConversations(convs []model.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := replaceConversations(tx, convs, time.Now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

func replaceConversations(tx *sql.Tx, convs []model.Conversation, now int64) error {
	prune := `DELETE FROM conversations`
	ids := make([]any, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	if len(ids) > 0 {
		prune += ` WHERE id NOT IN (?` + strings.Repeat(`, ?`, len(ids)-1) + `)`
	}
	if _, err := tx.Exec(prune, ids...); err != nil {
		return fmt.Errorf("prune conversations: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO conversations (id, participant_id, position, unread_count,
			last_content, last_type, last_created_at, last_media_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant_id = excluded.participant_id,
			position = excluded.position,
			unread_count = excluded.unread_count,
			last_content = excluded.last_content,
			last_type = excluded.last_type,
			last_created_at = excluded.last_created_at,
			last_media_id = excluded.last_media_id,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare conversation upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, c := range convs {
		var (
			content, mediaID sql.NullString
			typ              sql.NullString
			createdAt        sql.NullInt64
		)
		if lm := c.LastMessage; lm != nil {
			content = nullString(lm.Content)
			mediaID = nullString(lm.SenderMediaID)
			typ = sql.NullString{String: string(lm.Type), Valid: true}
			createdAt = sql.NullInt64{Int64: toMillis(lm.CreatedAt), Valid: true}
		}
		if _, err := stmt.Exec(c.ID, c.ParticipantID, i, max(c.UnreadCount, 0),
			content, typ, createdAt, mediaID, now); err != nil {
			return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
		}
	}
	return nil
}

// ListConversations returns the stored list in its saved order.
func (db *DB) ListConversations() ([]model.Conversation, error) {
	rows, err := db.Query(`
		SELECT id, participant_id, unread_count, last_content, last_type, last_created_at, last_media_id
		FROM conversations
		ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		var (
			c                     model.Conversation
			content, typ, mediaID sql.NullString
			createdAt             sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.ParticipantID, &c.UnreadCount, &content, &typ, &createdAt, &mediaID); err != nil {
			return nil, err
		}
		if typ.Valid {
			c.LastMessage = &model.LastMessage{
				Content:       stringPtr(content),
				Type:          model.MessageType(typ.String),
				CreatedAt:     fromMillis(createdAt.Int64),
				SenderMediaID: stringPtr(mediaID),
			}
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
