package store

import (
	"database/sql"
	"fmt"
	"time"
)

// EnsureConversation creates an empty conversation row if absent. Idempotent;
// called before the first merge for an address.
func (db *DB) EnsureConversation(key, kind string, remoteID int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (key, kind, remote_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		key, kind, remoteID, now)
	return err
}

// UpsertConversation inserts or refreshes a roster-derived conversation row.
// Last-message fields are only advanced, never rewound.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (key, kind, remote_id, display_name, email, domain, avatar_url, member_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			display_name = excluded.display_name,
			email = excluded.email,
			domain = excluded.domain,
			avatar_url = excluded.avatar_url,
			member_count = excluded.member_count,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at > conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.Key, c.Kind, c.RemoteID, c.DisplayName, c.Email, c.Domain, c.AvatarURL,
		c.MemberCount, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// TouchConversation advances the last-message summary after a merge.
func (db *DB) TouchConversation(key string, lastMessageAt int64, preview string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET
			last_message_at = MAX(last_message_at, ?),
			last_message_preview = CASE WHEN ? > last_message_at THEN ? ELSE last_message_preview END,
			updated_at = ?
		WHERE key = ?`,
		lastMessageAt, lastMessageAt, preview, now, key)
	return err
}

// GetConversation returns a conversation by key, or nil if unknown.
func (db *DB) GetConversation(key string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT key, kind, remote_id, display_name, email, domain, avatar_url, member_count, last_message_at, last_message_preview
		FROM conversations WHERE key = ?`, key).
		Scan(&c.Key, &c.Kind, &c.RemoteID, &c.DisplayName, &c.Email, &c.Domain,
			&c.AvatarURL, &c.MemberCount, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns all cached conversations, most recent traffic first.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT key, kind, remote_id, display_name, email, domain, avatar_url, member_count, last_message_at, last_message_preview
		FROM conversations
		ORDER BY last_message_at DESC, key ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.Key, &c.Kind, &c.RemoteID, &c.DisplayName, &c.Email,
			&c.Domain, &c.AvatarURL, &c.MemberCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReplaceRoster refreshes every roster-derived row in one transaction.
func (db *DB) ReplaceRoster(convs []Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range convs {
		if _, err := tx.Exec(`
			INSERT INTO conversations (key, kind, remote_id, display_name, email, domain, avatar_url, member_count, last_message_at, last_message_preview, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?)
			ON CONFLICT(key) DO UPDATE SET
				display_name = excluded.display_name,
				email = excluded.email,
				domain = excluded.domain,
				avatar_url = excluded.avatar_url,
				member_count = excluded.member_count,
				updated_at = excluded.updated_at`,
			c.Key, c.Kind, c.RemoteID, c.DisplayName, c.Email, c.Domain,
			c.AvatarURL, c.MemberCount, now); err != nil {
			return fmt.Errorf("upsert conversation %q: %w", c.Key, err)
		}
	}
	return tx.Commit()
}
