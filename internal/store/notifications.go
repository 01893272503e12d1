package store

import (
	"database/sql"
	"fmt"

	"github.com/muxfleet/muxfleet/internal/events"
	"github.com/muxfleet/muxfleet/internal/notifications"
)

// Save appends one notification record to the history. Implements
// notifications.History.
func (s *Store) Save(rec notifications.Record) error {
	_, err := s.db.Exec(`
		INSERT INTO notification_history (kind, target, recipient, message, cooldown_class, created_at, sent_at, dropped, drop_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(rec.Kind), rec.Target, rec.Recipient, rec.Message, rec.CooldownClass,
		formatTime(rec.CreatedAt), formatTimePtr(rec.SentAt), boolInt(rec.Dropped), rec.DropReason,
	)
	if err != nil {
		return fmt.Errorf("save notification record: %w", err)
	}
	return nil
}

// RecentNotifications returns the newest records, most recent first. limit
// <= 0 means 50.
func (s *Store) RecentNotifications(limit int) ([]notifications.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT kind, target, recipient, message, cooldown_class, created_at, sent_at, dropped, drop_reason
		FROM notification_history ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list notification history: %w", err)
	}
	defer rows.Close()

	var out []notifications.Record
	for rows.Next() {
		var rec notifications.Record
		var kind, createdAt string
		var sentAt sql.NullString
		var dropped int
		if err := rows.Scan(&kind, &rec.Target, &rec.Recipient, &rec.Message,
			&rec.CooldownClass, &createdAt, &sentAt, &dropped, &rec.DropReason); err != nil {
			return nil, err
		}
		rec.Kind = events.Kind(kind)
		rec.Dropped = dropped != 0
		if rec.CreatedAt, err = parseTime(createdAt, "notification_history.created_at"); err != nil {
			return nil, err
		}
		if rec.SentAt, err = parseTimePtr(sentAt, "notification_history.sent_at"); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
