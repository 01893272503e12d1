package tasks

import (
	"testing"
	"time"

	"github.com/muxfleet/muxfleet/internal/target"
)

func taskAt(title string, priority int, created time.Time) *Task {
	task := New(title, "", priority, SourceCLI)
	task.CreatedAt = created
	return task
}

func TestSortByPriority(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ts := []*Task{
		taskAt("low", 7, base),
		taskAt("urgent-late", 1, base.Add(time.Minute)),
		taskAt("urgent-early", 1, base),
		taskAt("medium", 4, base),
	}
	SortByPriority(ts)

	want := []string{"urgent-early", "urgent-late", "medium", "low"}
	for i, title := range want {
		if ts[i].Title != title {
			t.Errorf("position %d = %q, want %q", i, ts[i].Title, title)
		}
	}
}

func TestDistributeRoundRobin(t *testing.T) {
	base := time.Now().UTC()
	var pending []*Task
	for i := 0; i < 5; i++ {
		pending = append(pending, taskAt("task", 3, base.Add(time.Duration(i)*time.Second)))
	}
	workers := []target.Target{
		target.New("proj", 3),
		target.New("proj", 2),
	}

	plan := Distribute(pending, workers, 0)

	if len(plan.Assignments) != 2 {
		t.Fatalf("assignments = %d, want 2", len(plan.Assignments))
	}
	// Workers are visited in sorted order, so proj:2 gets the extra task.
	if got := plan.Assignments[0].Target.String(); got != "proj:2" {
		t.Errorf("first worker = %s, want proj:2", got)
	}
	if len(plan.Assignments[0].Tasks) != 3 || len(plan.Assignments[1].Tasks) != 2 {
		t.Errorf("split = %d/%d, want 3/2",
			len(plan.Assignments[0].Tasks), len(plan.Assignments[1].Tasks))
	}
	if len(plan.Unassigned) != 0 {
		t.Errorf("unassigned = %d, want 0", len(plan.Unassigned))
	}
}

func TestDistributeUrgentFirst(t *testing.T) {
	base := time.Now().UTC()
	pending := []*Task{
		taskAt("low", 7, base),
		taskAt("critical", 1, base),
	}
	workers := []target.Target{target.New("proj", 2)}

	plan := Distribute(pending, workers, 1)

	if len(plan.Assignments[0].Tasks) != 1 {
		t.Fatalf("worker tasks = %d, want 1", len(plan.Assignments[0].Tasks))
	}
	if got := plan.Assignments[0].Tasks[0].Title; got != "critical" {
		t.Errorf("assigned %q, want critical", got)
	}
	if len(plan.Unassigned) != 1 || plan.Unassigned[0].Title != "low" {
		t.Errorf("unassigned = %+v, want the low task", plan.Unassigned)
	}
}

func TestDistributePerWorkerCap(t *testing.T) {
	base := time.Now().UTC()
	var pending []*Task
	for i := 0; i < 6; i++ {
		pending = append(pending, taskAt("task", 3, base.Add(time.Duration(i)*time.Second)))
	}
	workers := []target.Target{
		target.New("proj", 2),
		target.New("proj", 3),
	}

	plan := Distribute(pending, workers, 2)

	for _, a := range plan.Assignments {
		if len(a.Tasks) != 2 {
			t.Errorf("%s got %d tasks, want 2", a.Target, len(a.Tasks))
		}
	}
	if len(plan.Unassigned) != 2 {
		t.Errorf("unassigned = %d, want 2", len(plan.Unassigned))
	}
}

func TestDistributeNoWorkers(t *testing.T) {
	pending := []*Task{New("orphan", "", 3, SourceCLI)}
	plan := Distribute(pending, nil, 0)
	if len(plan.Assignments) != 0 {
		t.Errorf("assignments = %d, want 0", len(plan.Assignments))
	}
	if len(plan.Unassigned) != 1 {
		t.Errorf("unassigned = %d, want 1", len(plan.Unassigned))
	}
}

func TestDistributeDoesNotMutateInput(t *testing.T) {
	base := time.Now().UTC()
	pending := []*Task{
		taskAt("second", 5, base),
		taskAt("first", 1, base),
	}
	Distribute(pending, []target.Target{target.New("proj", 2)}, 0)
	if pending[0].Title != "second" {
		t.Error("input slice was reordered")
	}
}
