// Package tasks defines the unit of work handed to fleet agents: statuses,
// the transition table between them, and distribution planning across
// workers. Persistence lives in internal/store.
package tasks

import (
	"fmt"
	"time"
)

// Status is the lifecycle position of a task.
type Status string

const (
	StatusPending          Status = "pending"
	StatusAssigned         Status = "assigned"
	StatusInProgress       Status = "in_progress"
	StatusReview           Status = "review"
	StatusChangesRequested Status = "changes_requested"
	StatusApproved         Status = "approved"
	StatusMerged           Status = "merged"
	StatusBlocked          Status = "blocked"
)

// AllStatuses returns every defined status.
func AllStatuses() []Status {
	return []Status{
		StatusPending, StatusAssigned, StatusInProgress, StatusReview,
		StatusChangesRequested, StatusApproved, StatusMerged, StatusBlocked,
	}
}

// Source identifies who created a task.
type Source string

const (
	SourceOrchestrator Source = "orchestrator"
	SourcePM           Source = "pm"
	SourceCLI          Source = "cli"
	SourceFile         Source = "file"
)

// Task is one unit of work. ID is assigned by the store at creation time
// (`TASK-<n>`, monotonically increasing).
type Task struct {
	ID          string     `json:"id" yaml:"id,omitempty"`
	Title       string     `json:"title" yaml:"title"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    int        `json:"priority" yaml:"priority,omitempty"`
	Status      Status     `json:"status" yaml:"status,omitempty"`
	Source      Source     `json:"source" yaml:"source,omitempty"`
	AssignedTo  string     `json:"assigned_to,omitempty" yaml:"assigned_to,omitempty"`
	Branch      string     `json:"branch,omitempty" yaml:"branch,omitempty"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"updated_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Archived    bool       `json:"archived,omitempty" yaml:"archived,omitempty"`
}

// transitions is the closed table of legal status moves.
var transitions = map[Status][]Status{
	StatusPending:          {StatusAssigned, StatusBlocked},
	StatusAssigned:         {StatusInProgress, StatusPending, StatusBlocked},
	StatusInProgress:       {StatusReview, StatusBlocked, StatusAssigned},
	StatusReview:           {StatusApproved, StatusChangesRequested},
	StatusChangesRequested: {StatusInProgress, StatusBlocked},
	StatusApproved:         {StatusMerged},
	StatusBlocked:          {StatusPending, StatusAssigned, StatusInProgress},
	StatusMerged:           {},
}

// CanTransition reports whether from→to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// New builds an unsaved pending task. Priority 1 is most urgent; 0 takes the
// default of 3.
func New(title, description string, priority int, source Source) *Task {
	if priority == 0 {
		priority = 3
	}
	now := time.Now().UTC()
	return &Task{
		Title:       title,
		Description: description,
		Priority:    priority,
		Status:      StatusPending,
		Source:      source,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks field ranges before the task is stored.
func (t *Task) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("task: title is required")
	}
	if t.Priority < 1 || t.Priority > 7 {
		return fmt.Errorf("task: priority %d outside 1..7", t.Priority)
	}
	return nil
}

// Transition moves the task to a new status, stamping the timestamps that
// the move implies.
func (t *Task) Transition(to Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.ID, t.Status, to)
	}
	now := time.Now().UTC()
	switch to {
	case StatusInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case StatusMerged:
		t.CompletedAt = &now
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// Terminal reports whether the task has reached its final state.
func (t *Task) Terminal() bool {
	return t.Status == StatusMerged
}
