package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// InsertPending appends an optimistic entry at the tail of a conversation
// log. The caller supplies the session-unique local id.
func (db *DB) InsertPending(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conv_key, local_id, sender_id, from_me, body, attachment_url, status, sent_at, created_at)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?)`,
		m.ConvKey, m.LocalID, m.SenderID, m.Body, m.AttachmentURL, StatusPending, m.SentAt, now)
	return err
}

// InsertConfirmed inserts a server-confirmed message. Idempotent on
// (conv_key, server_id): re-inserting the same server message is a no-op.
func (db *DB) InsertConfirmed(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conv_key, local_id, server_id, sender_id, from_me, body, attachment_url, status, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conv_key, server_id) DO NOTHING`,
		m.ConvKey, m.LocalID, m.ServerID, m.SenderID, m.FromMe, m.Body, m.AttachmentURL,
		StatusConfirmed, m.SentAt, now)
	return err
}

// HasServerMessage reports whether a message with this server id is already
// cached for the conversation.
func (db *DB) HasServerMessage(convKey string, serverID int64) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conv_key = ? AND server_id = ?`,
		convKey, serverID).Scan(&n)
	return n > 0, err
}

// FindPendingEcho looks for an optimistic entry that matches a self-authored
// server message: same body and attachment, still pending, sent within
// windowMs of the server timestamp. Returns nil when there is no candidate.
func (db *DB) FindPendingEcho(convKey, body, attachmentURL string, serverSentAt, windowMs int64) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, conv_key, local_id, COALESCE(server_id, 0), sender_id, from_me, body, attachment_url, status, sent_at, missed_polls
		FROM messages
		WHERE conv_key = ? AND status = ? AND from_me = 1
		  AND body = ? AND attachment_url = ?
		  AND sent_at > ? AND sent_at < ?
		ORDER BY sent_at ASC, id ASC
		LIMIT 1`,
		convKey, StatusPending, body, attachmentURL, serverSentAt-windowMs, serverSentAt+windowMs)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// PromotePending confirms an optimistic entry: the server id is attached and
// sent_at is overwritten with the authoritative server value.
func (db *DB) PromotePending(localID string, serverID, sentAt int64) error {
	res, err := db.Exec(`
		UPDATE messages SET server_id = ?, status = ?, sent_at = ?, missed_polls = 0
		WHERE local_id = ? AND status = ?`,
		serverID, StatusConfirmed, sentAt, localID, StatusPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("promote %s: no pending entry", localID)
	}
	return nil
}

// SetMessageAttachment records the server-assigned attachment URI on an
// entry after upload.
func (db *DB) SetMessageAttachment(localID, url string) error {
	_, err := db.Exec(`UPDATE messages SET attachment_url = ? WHERE local_id = ?`, url, localID)
	return err
}

// MarkMessageFailed flags an optimistic entry as failed (send error or no
// server echo). The entry stays visible so the user can retry or discard it.
func (db *DB) MarkMessageFailed(localID string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE local_id = ? AND status = ?`,
		StatusFailed, localID, StatusPending)
	return err
}

// AgePending bumps the missed-poll counter of every pending entry in the
// conversation except the ones just promoted, then fails entries that have
// gone maxMissed cycles without a server echo. Returns the newly failed
// entries.
func (db *DB) AgePending(convKey string, promoted []string, maxMissed int) ([]Message, error) {
	args := []any{convKey, StatusPending}
	q := `UPDATE messages SET missed_polls = missed_polls + 1 WHERE conv_key = ? AND status = ?`
	if len(promoted) > 0 {
		q += ` AND local_id NOT IN (?` + strings.Repeat(",?", len(promoted)-1) + `)`
		for _, id := range promoted {
			args = append(args, id)
		}
	}
	if _, err := db.Exec(q, args...); err != nil {
		return nil, err
	}

	rows, err := db.Query(`
		SELECT id, conv_key, local_id, COALESCE(server_id, 0), sender_id, from_me, body, attachment_url, status, sent_at, missed_polls
		FROM messages
		WHERE conv_key = ? AND status = ? AND missed_polls >= ?`,
		convKey, StatusPending, maxMissed)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var stale []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		stale = append(stale, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range stale {
		if err := db.MarkMessageFailed(stale[i].LocalID); err != nil {
			return nil, err
		}
		stale[i].Status = StatusFailed
	}
	return stale, nil
}

// Snapshot returns the ordered log of one conversation: non-decreasing
// sent_at, insertion order breaking ties. Read-only; safe to call repeatedly.
func (db *DB) Snapshot(convKey string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, conv_key, local_id, COALESCE(server_id, 0), sender_id, from_me, body, attachment_url, status, sent_at, missed_polls
		FROM messages
		WHERE conv_key = ?
		ORDER BY sent_at ASC, id ASC`, convKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// GetMessageByLocalID returns one message, or nil if unknown.
func (db *DB) GetMessageByLocalID(localID string) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, conv_key, local_id, COALESCE(server_id, 0), sender_id, from_me, body, attachment_url, status, sent_at, missed_polls
		FROM messages WHERE local_id = ?`, localID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// DeleteMessageByLocalID removes an entry; used when a failed optimistic
// send is retried or discarded.
func (db *DB) DeleteMessageByLocalID(localID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE local_id = ?`, localID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConvKey, &m.LocalID, &m.ServerID, &m.SenderID,
		&m.FromMe, &m.Body, &m.AttachmentURL, &m.Status, &m.SentAt, &m.MissedPolls)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
