package monitor

import (
	"context"
	"time"

	"github.com/muxfleet/muxfleet/internal/health"
	"github.com/muxfleet/muxfleet/internal/target"
)

// Checker is the slice of the health checker a strategy needs.
type Checker interface {
	Check(ctx context.Context, t target.Target) (health.Status, error)
	CheckMany(ctx context.Context, targets []target.Target) []health.Result
}

// Cycle is one pass over the fleet. The service fills Targets; the strategy
// fills Statuses with the checks that succeeded.
type Cycle struct {
	ID       uint64
	Targets  []target.Target
	Statuses []health.Status
}

// CycleReport summarizes one executed cycle. EventsEmitted is stamped by the
// service after detection runs.
type CycleReport struct {
	CycleID       uint64    `json:"cycle_id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	AgentsChecked int       `json:"agents_checked"`
	EventsEmitted int       `json:"events_emitted"`
	Errors        []string  `json:"errors,omitempty"`
}

// Duration is the wall time the cycle took.
func (r CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Strategy executes one cycle's checks.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, c *Cycle) (CycleReport, error)
}

// NewStrategy picks the executor: concurrent fan-out when async is enabled,
// serial polling otherwise.
func NewStrategy(async bool, checker Checker) Strategy {
	if async {
		return &ConcurrentStrategy{checker: checker}
	}
	return &PollingStrategy{checker: checker}
}

// ConcurrentStrategy checks the whole fleet at once through CheckMany, which
// bounds the fan-out with the checker's semaphore.
type ConcurrentStrategy struct {
	checker Checker
}

func (s *ConcurrentStrategy) Name() string { return "concurrent" }

func (s *ConcurrentStrategy) Execute(ctx context.Context, c *Cycle) (CycleReport, error) {
	report := CycleReport{CycleID: c.ID, StartedAt: time.Now()}

	results := s.checker.CheckMany(ctx, c.Targets)
	for _, res := range results {
		if res.Err != nil {
			report.Errors = append(report.Errors, res.Err.Error())
			continue
		}
		c.Statuses = append(c.Statuses, res.Status)
	}

	report.AgentsChecked = len(c.Statuses)
	report.FinishedAt = time.Now()
	return report, ctx.Err()
}

// PollingStrategy checks targets one at a time. Slower, but each check sees
// the server load the previous one left behind, which some fragile tmux
// setups need.
type PollingStrategy struct {
	checker Checker
}

func (s *PollingStrategy) Name() string { return "polling" }

func (s *PollingStrategy) Execute(ctx context.Context, c *Cycle) (CycleReport, error) {
	report := CycleReport{CycleID: c.ID, StartedAt: time.Now()}

	for _, t := range c.Targets {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = time.Now()
			return report, err
		}
		st, err := s.checker.Check(ctx, t)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		c.Statuses = append(c.Statuses, st)
	}

	report.AgentsChecked = len(c.Statuses)
	report.FinishedAt = time.Now()
	return report, nil
}
