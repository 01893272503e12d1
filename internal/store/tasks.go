package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/muxfleet/muxfleet/internal/tasks"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

const taskColumns = `id, title, description, priority, status, source, assigned_to, branch,
	created_at, updated_at, started_at, completed_at, archived`

// CreateTask validates and inserts t, assigning the next sequential
// `TASK-<n>` ID. The assigned ID is written back into t.
func (s *Store) CreateTask(t *tasks.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO tasks (title, description, priority, status, source, assigned_to, branch, created_at, updated_at, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			t.Title, t.Description, t.Priority, string(t.Status), string(t.Source),
			t.AssignedTo, t.Branch, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
			formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		num, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("task insert id: %w", err)
		}
		t.ID = fmt.Sprintf("TASK-%d", num)
		if _, err := tx.Exec(`UPDATE tasks SET id = ? WHERE num = ?`, t.ID, num); err != nil {
			return fmt.Errorf("assign task id: %w", err)
		}
		return nil
	})
}

// SaveTask upserts t by ID.
func (s *Store) SaveTask(t *tasks.Task) error {
	if t.ID == "" {
		return errors.New("store: task has no ID, use CreateTask")
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, title, description, priority, status, source, assigned_to, branch, created_at, updated_at, started_at, completed_at, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title,
			description=excluded.description,
			priority=excluded.priority,
			status=excluded.status,
			assigned_to=excluded.assigned_to,
			branch=excluded.branch,
			updated_at=excluded.updated_at,
			started_at=excluded.started_at,
			completed_at=excluded.completed_at,
			archived=excluded.archived
	`,
		t.ID, t.Title, t.Description, t.Priority, string(t.Status), string(t.Source),
		t.AssignedTo, t.Branch, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt), boolInt(t.Archived),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask loads one task by ID.
func (s *Store) GetTask(id string) (*tasks.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// TaskFilter narrows ListTasks. Zero values mean no filtering; archived
// tasks are excluded unless IncludeArchived is set.
type TaskFilter struct {
	Status          tasks.Status
	AssignedTo      string
	Source          tasks.Source
	IncludeArchived bool
}

// ListTasks returns tasks matching f, most urgent first.
func (s *Store) ListTasks(f TaskFilter) ([]*tasks.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if !f.IncludeArchived {
		query += ` AND archived = 0`
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.AssignedTo != "" {
		query += ` AND assigned_to = ?`
		args = append(args, f.AssignedTo)
	}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, string(f.Source))
	}
	query += ` ORDER BY priority, created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*tasks.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransitionTask moves a task to a new status under the transition table
// and persists the result.
func (s *Store) TransitionTask(id string, to tasks.Status) (*tasks.Task, error) {
	t, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	if err := t.Transition(to); err != nil {
		return nil, err
	}
	if err := s.SaveTask(t); err != nil {
		return nil, err
	}
	return t, nil
}

// AssignTask hands a pending task to a worker, moving it to assigned and
// stamping the branch name it should work on.
func (s *Store) AssignTask(id, assignee, branch string) (*tasks.Task, error) {
	t, err := s.GetTask(id)
	if err != nil {
		return nil, err
	}
	if err := t.Transition(tasks.StatusAssigned); err != nil {
		return nil, err
	}
	t.AssignedTo = assignee
	if branch != "" {
		t.Branch = branch
	}
	if err := s.SaveTask(t); err != nil {
		return nil, err
	}
	return t, nil
}

// ArchiveMerged flags every merged, unarchived task as archived and returns
// how many were flagged.
func (s *Store) ArchiveMerged() (int, error) {
	res, err := s.db.Exec(`UPDATE tasks SET archived = 1 WHERE status = ? AND archived = 0`,
		string(tasks.StatusMerged))
	if err != nil {
		return 0, fmt.Errorf("archive tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountTasksByStatus returns live (unarchived) task counts per status.
func (s *Store) CountTasksByStatus() (map[tasks.Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks WHERE archived = 0 GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[tasks.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[tasks.Status(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*tasks.Task, error) {
	var t tasks.Task
	var status, source, createdAt, updatedAt string
	var startedAt, completedAt sql.NullString
	var archived int

	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Priority, &status, &source,
		&t.AssignedTo, &t.Branch, &createdAt, &updatedAt, &startedAt, &completedAt,
		&archived,
	)
	if err != nil {
		return nil, err
	}

	t.Status = tasks.Status(status)
	t.Source = tasks.Source(source)
	t.Archived = archived != 0
	if t.CreatedAt, err = parseTime(createdAt, "tasks.created_at"); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt, "tasks.updated_at"); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseTimePtr(startedAt, "tasks.started_at"); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseTimePtr(completedAt, "tasks.completed_at"); err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
