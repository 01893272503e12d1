package tasks

import (
	"testing"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusAssigned, true},
		{StatusPending, StatusBlocked, true},
		{StatusPending, StatusInProgress, false},
		{StatusAssigned, StatusInProgress, true},
		{StatusAssigned, StatusPending, true},
		{StatusAssigned, StatusMerged, false},
		{StatusInProgress, StatusReview, true},
		{StatusInProgress, StatusAssigned, true},
		{StatusReview, StatusApproved, true},
		{StatusReview, StatusChangesRequested, true},
		{StatusReview, StatusMerged, false},
		{StatusChangesRequested, StatusInProgress, true},
		{StatusApproved, StatusMerged, true},
		{StatusApproved, StatusPending, false},
		{StatusBlocked, StatusPending, true},
		{StatusBlocked, StatusInProgress, true},
		{StatusMerged, StatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTransitionTableIsClosed(t *testing.T) {
	known := make(map[Status]bool)
	for _, s := range AllStatuses() {
		known[s] = true
	}
	for from, tos := range transitions {
		if !known[from] {
			t.Errorf("transition table keys unknown status %q", from)
		}
		for _, to := range tos {
			if !known[to] {
				t.Errorf("transition %s -> %s targets unknown status", from, to)
			}
		}
	}
	for _, s := range AllStatuses() {
		if _, ok := transitions[s]; !ok {
			t.Errorf("status %q missing from transition table", s)
		}
	}
}

func TestTransitionStampsTimestamps(t *testing.T) {
	task := New("Fix login bug", "", 2, SourcePM)

	if err := task.Transition(StatusAssigned); err != nil {
		t.Fatalf("Transition to assigned: %v", err)
	}
	if task.StartedAt != nil {
		t.Error("StartedAt should not be set before in_progress")
	}

	if err := task.Transition(StatusInProgress); err != nil {
		t.Fatalf("Transition to in_progress: %v", err)
	}
	if task.StartedAt == nil {
		t.Fatal("StartedAt not stamped on in_progress")
	}
	started := *task.StartedAt

	for _, s := range []Status{StatusReview, StatusApproved, StatusMerged} {
		if err := task.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v", s, err)
		}
	}
	if task.CompletedAt == nil {
		t.Error("CompletedAt not stamped on merged")
	}
	if !task.StartedAt.Equal(started) {
		t.Error("StartedAt changed after first stamp")
	}
	if !task.Terminal() {
		t.Error("merged task should be terminal")
	}
}

func TestTransitionRejected(t *testing.T) {
	task := New("Docs", "", 5, SourceCLI)
	if err := task.Transition(StatusMerged); err == nil {
		t.Error("pending -> merged should be rejected")
	}
	if task.Status != StatusPending {
		t.Errorf("status changed on rejected transition: %s", task.Status)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name     string
		title    string
		priority int
		ok       bool
	}{
		{"valid", "Fix bug", 3, true},
		{"priority floor", "Fix bug", 1, true},
		{"priority ceiling", "Fix bug", 7, true},
		{"priority too low", "Fix bug", 0, false},
		{"priority too high", "Fix bug", 8, false},
		{"missing title", "", 3, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := &Task{Title: tc.title, Priority: tc.priority}
			err := task.Validate()
			if tc.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tc.ok && err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestNewDefaults(t *testing.T) {
	task := New("Triage crash", "stack trace attached", 0, SourceOrchestrator)
	if task.ID != "" {
		t.Errorf("ID should be unset until stored, got %q", task.ID)
	}
	if task.Priority != 3 {
		t.Errorf("default priority = %d, want 3", task.Priority)
	}
	if task.Status != StatusPending {
		t.Errorf("status = %s, want pending", task.Status)
	}
	if task.CreatedAt.IsZero() || task.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
	if err := task.Validate(); err != nil {
		t.Errorf("fresh task should validate: %v", err)
	}
}
