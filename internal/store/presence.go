package store

import (
	"github.com/matheus3301/chatsync/internal/model"
)

// UpsertPresence stores a user's last known presence. Older observations do
// not overwrite a newer last-seen time.
func (db *DB) UpsertPresence(p model.Presence) error {
	_, err := db.Exec(`
		INSERT INTO presence (user_id, online, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			online = excluded.online,
			last_seen = excluded.last_seen
		WHERE excluded.last_seen >= presence.last_seen`,
		p.UserID, p.Online, toMillis(p.LastSeen))
	return err
}

// ListPresence returns every stored presence entry.
func (db *DB) ListPresence() ([]model.Presence, error) {
	rows, err := db.Query(`SELECT user_id, online, last_seen FROM presence ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Presence
	for rows.Next() {
		var (
			p        model.Presence
			lastSeen int64
		)
		if err := rows.Scan(&p.UserID, &p.Online, &lastSeen); err != nil {
			return nil, err
		}
		p.LastSeen = fromMillis(lastSeen)
		out = append(out, p)
	}
	return out, rows.Err()
}
