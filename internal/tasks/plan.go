package tasks

import (
	"sort"

	"github.com/muxfleet/muxfleet/internal/target"
)

// SortByPriority orders tasks most-urgent first: lower priority number wins,
// ties break by creation time so equal-priority tasks stay FIFO.
func SortByPriority(ts []*Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Priority != ts[j].Priority {
			return ts[i].Priority < ts[j].Priority
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}

// Assignment pairs a worker with the tasks planned for it.
type Assignment struct {
	Target target.Target `json:"target"`
	Tasks  []*Task       `json:"tasks"`
}

// Plan is the result of distributing pending tasks across workers.
type Plan struct {
	Assignments []Assignment `json:"assignments"`
	Unassigned  []*Task      `json:"unassigned,omitempty"`
}

// Distribute spreads pending tasks across workers, most urgent first, always
// handing the next task to the least-loaded worker. perWorker caps how many
// tasks any one worker receives; 0 means no cap. Tasks left over go to
// Unassigned. The plan is deterministic: workers are considered in sorted
// target order.
func Distribute(pending []*Task, workers []target.Target, perWorker int) Plan {
	ordered := make([]*Task, len(pending))
	copy(ordered, pending)
	SortByPriority(ordered)

	if len(workers) == 0 {
		return Plan{Unassigned: ordered}
	}

	ws := make([]target.Target, len(workers))
	copy(ws, workers)
	sort.Slice(ws, func(i, j int) bool { return ws[i].String() < ws[j].String() })

	assignments := make([]Assignment, len(ws))
	for i, w := range ws {
		assignments[i] = Assignment{Target: w}
	}

	var unassigned []*Task
	for _, t := range ordered {
		best := -1
		for i := range assignments {
			if perWorker > 0 && len(assignments[i].Tasks) >= perWorker {
				continue
			}
			if best == -1 || len(assignments[i].Tasks) < len(assignments[best].Tasks) {
				best = i
			}
		}
		if best == -1 {
			unassigned = append(unassigned, t)
			continue
		}
		assignments[best].Tasks = append(assignments[best].Tasks, t)
	}

	return Plan{Assignments: assignments, Unassigned: unassigned}
}
