package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// Snapshot is the warm-start state of a session: what the user saw last,
// shown again while the first fetch is in flight.
type Snapshot struct {
	Conversations []model.Conversation
	// Messages holds the most recent page of each conversation, newest first.
	Messages    map[string][]model.Message
	Presence    []model.Presence
	UnreadTotal int
	SavedAt     time.Time
}

// SaveSnapshot replaces the stored snapshot in one transaction.
func (db *DB) SaveSnapshot(s Snapshot) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if err := replaceConversations(tx, s.Conversations, now); err != nil {
		return err
	}
	for _, c := range s.Conversations {
		if _, err := replaceMessages(tx, c.ID, s.Messages[c.ID]); err != nil {
			return err
		}
	}
	for _, p := range s.Presence {
		if _, err := tx.Exec(`
			INSERT INTO presence (user_id, online, last_seen) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET online = excluded.online, last_seen = excluded.last_seen`,
			p.UserID, p.Online, toMillis(p.LastSeen)); err != nil {
			return fmt.Errorf("save presence %s: %w", p.UserID, err)
		}
	}
	if _, err := tx.Exec(`
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		KeyUnreadTotal, strconv.Itoa(max(s.UnreadTotal, 0)), now); err != nil {
		return fmt.Errorf("save unread total: %w", err)
	}
	return tx.Commit()
}

// LoadSnapshot reads the stored snapshot with up to pageSize messages per
// conversation. An empty database yields an empty snapshot.
func (db *DB) LoadSnapshot(pageSize int) (Snapshot, error) {
	convs, err := db.ListConversations()
	if err != nil {
		return Snapshot{}, fmt.Errorf("load conversations: %w", err)
	}
	s := Snapshot{Conversations: convs, Messages: make(map[string][]model.Message, len(convs))}
	for _, c := range convs {
		msgs, err := db.RecentMessages(c.ID, pageSize)
		if err != nil {
			return Snapshot{}, fmt.Errorf("load messages of %s: %w", c.ID, err)
		}
		if len(msgs) > 0 {
			s.Messages[c.ID] = msgs
		}
	}
	if s.Presence, err = db.ListPresence(); err != nil {
		return Snapshot{}, fmt.Errorf("load presence: %w", err)
	}

	var updatedAt int64
	var total string
	err = db.QueryRow(`SELECT value, updated_at FROM sync_state WHERE key = ?`, KeyUnreadTotal).Scan(&total, &updatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Snapshot{}, fmt.Errorf("load unread total: %w", err)
	default:
		s.UnreadTotal, _ = strconv.Atoi(total)
		s.SavedAt = fromMillis(updatedAt)
	}
	return s, nil
}
