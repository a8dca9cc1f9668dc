package store

import (
	"fmt"
	"time"
)

// UpsertNotification merges one server notification into the cache. A read
// flag never reverts to unread: the local optimistic flip wins over a stale
// server snapshot.
func (db *DB) UpsertNotification(n *Notification) error {
	now := time.Now().UnixMilli()
	read := 0
	if n.IsRead {
		read = 1
	}
	_, err := db.Exec(`
		INSERT INTO notifications (id, kind, body, link, is_read, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			body = excluded.body,
			link = excluded.link,
			is_read = MAX(notifications.is_read, excluded.is_read),
			updated_at = excluded.updated_at`,
		n.ID, n.Kind, n.Body, n.Link, read, n.CreatedAt, now)
	return err
}

// MergeNotifications applies a whole feed batch in one transaction.
func (db *DB) MergeNotifications(items []Notification) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, n := range items {
		read := 0
		if n.IsRead {
			read = 1
		}
		if _, err := tx.Exec(`
			INSERT INTO notifications (id, kind, body, link, is_read, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				kind = excluded.kind,
				body = excluded.body,
				link = excluded.link,
				is_read = MAX(notifications.is_read, excluded.is_read),
				updated_at = excluded.updated_at`,
			n.ID, n.Kind, n.Body, n.Link, read, n.CreatedAt, now); err != nil {
			return fmt.Errorf("upsert notification %d: %w", n.ID, err)
		}
	}
	return tx.Commit()
}

// ListNotifications returns the cached feed, newest first.
func (db *DB) ListNotifications() ([]Notification, error) {
	rows, err := db.Query(`
		SELECT id, kind, body, link, is_read, created_at
		FROM notifications
		ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Notification
	for rows.Next() {
		var n Notification
		var read int
		if err := rows.Scan(&n.ID, &n.Kind, &n.Body, &n.Link, &read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.IsRead = read != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

// SetNotificationRead flips a single read flag. Used for the optimistic
// mark-read and for reverting it when the network call fails.
func (db *DB) SetNotificationRead(id int64, read bool) error {
	v := 0
	if read {
		v = 1
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE notifications SET is_read = ?, updated_at = ? WHERE id = ?`, v, now, id)
	return err
}

// UnreadNotificationIDs returns the ids currently flagged unread, oldest
// first. Callers keep it to revert a failed bulk mark-read.
func (db *DB) UnreadNotificationIDs() ([]int64, error) {
	rows, err := db.Query(`SELECT id FROM notifications WHERE is_read = 0 ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
