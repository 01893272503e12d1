package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/muxfleet/muxfleet/internal/pool"
	"github.com/muxfleet/muxfleet/internal/tmux"
)

// Error kinds recorded in the error log. Non-fatal failures anywhere in the
// daemon or CLI land here with their component and kind.
const (
	KindTerminalTimeout         = "TerminalTimeout"
	KindTerminalBackend         = "TerminalBackend"
	KindPoolExhausted           = "PoolExhausted"
	KindClassificationUncertain = "ClassificationUncertain"
	KindSubmissionFailed        = "SubmissionFailed"
	KindInitTimeout             = "InitTimeout"
	KindRateLimited             = "RateLimited"
	KindInvalidAction           = "InvalidAction"
	KindMissingTarget           = "MissingTarget"
	KindInvalidTargetFormat     = "InvalidTargetFormat"
	KindMissingArgument         = "MissingArgument"
	KindValidationError         = "ValidationError"
	KindNotFound                = "NotFound"
	KindFatal                   = "Fatal"
)

// KindForError maps well-known error values to their kind. Errors the map
// does not recognize get the caller's fallback, since the caller knows what
// it was doing when the error happened.
func KindForError(err error, fallback string) string {
	switch {
	case errors.Is(err, tmux.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTerminalTimeout
	case errors.Is(err, tmux.ErrBackend):
		return KindTerminalBackend
	case errors.Is(err, pool.ErrExhausted), errors.Is(err, pool.ErrClosed):
		return KindPoolExhausted
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return fallback
	}
}

// ErrorRecord is one row of the error log.
type ErrorRecord struct {
	ID        int64     `json:"id"`
	Component string    `json:"component"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Target    string    `json:"target,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendError records a non-fatal failure.
func (s *Store) AppendError(component, kind, message, target string) error {
	_, err := s.db.Exec(`
		INSERT INTO errors (component, kind, message, target, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, component, kind, message, target, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("append error record: %w", err)
	}
	return nil
}

// ErrorFilter narrows ListErrors. Zero values mean no filtering.
type ErrorFilter struct {
	Component string
	Kind      string
	Limit     int
}

// ListErrors returns error records, newest first.
func (s *Store) ListErrors(f ErrorFilter) ([]ErrorRecord, error) {
	query := `SELECT id, component, kind, message, target, created_at FROM errors WHERE 1=1`
	var args []any
	if f.Component != "" {
		query += ` AND component = ?`
		args = append(args, f.Component)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list errors: %w", err)
	}
	defer rows.Close()

	var out []ErrorRecord
	for rows.Next() {
		rec, err := scanError(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetError loads one error record by ID.
func (s *Store) GetError(id int64) (ErrorRecord, error) {
	row := s.db.QueryRow(`SELECT id, component, kind, message, target, created_at FROM errors WHERE id = ?`, id)
	rec, err := scanError(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrorRecord{}, fmt.Errorf("error record %d: %w", id, ErrNotFound)
	}
	return rec, err
}

// ClearErrors deletes the whole error log and returns how many rows went.
func (s *Store) ClearErrors() (int, error) {
	res, err := s.db.Exec(`DELETE FROM errors`)
	if err != nil {
		return 0, fmt.Errorf("clear errors: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ErrorSummary aggregates the error log for `errors summary`.
type ErrorSummary struct {
	Total       int            `json:"total"`
	ByKind      map[string]int `json:"by_kind"`
	ByComponent map[string]int `json:"by_component"`
}

// SummarizeErrors counts error records by kind and component.
func (s *Store) SummarizeErrors() (ErrorSummary, error) {
	sum := ErrorSummary{ByKind: make(map[string]int), ByComponent: make(map[string]int)}

	rows, err := s.db.Query(`SELECT component, kind, COUNT(*) FROM errors GROUP BY component, kind`)
	if err != nil {
		return sum, fmt.Errorf("summarize errors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var component, kind string
		var n int
		if err := rows.Scan(&component, &kind, &n); err != nil {
			return sum, err
		}
		sum.Total += n
		sum.ByKind[kind] += n
		sum.ByComponent[component] += n
	}
	return sum, rows.Err()
}

func scanError(row rowScanner) (ErrorRecord, error) {
	var rec ErrorRecord
	var createdAt string
	if err := row.Scan(&rec.ID, &rec.Component, &rec.Kind, &rec.Message, &rec.Target, &createdAt); err != nil {
		return ErrorRecord{}, err
	}
	var err error
	if rec.CreatedAt, err = parseTime(createdAt, "errors.created_at"); err != nil {
		return ErrorRecord{}, err
	}
	return rec, nil
}
