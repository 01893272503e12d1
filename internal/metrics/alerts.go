package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muxfleet/muxfleet/internal/classify"
)

// alertCooldown suppresses repeats of the same alert condition.
const alertCooldown = 5 * time.Minute

// Thresholds configures when standing fleet conditions become alerts.
// A zero value disables that check.
type Thresholds struct {
	// MaxCrashed and MaxRateLimited count agents currently in the state.
	MaxCrashed     int `json:"max_crashed"`
	MaxRateLimited int `json:"max_rate_limited"`
	// MaxStuckInput counts agents sitting on unsubmitted input.
	MaxStuckInput int `json:"max_stuck_input"`
	// MaxErrorRate is checked against Performance.ErrorRate.
	MaxErrorRate float64 `json:"max_error_rate"`
	// MaxAvgCycle is checked against Performance.AvgCycle.
	MaxAvgCycle time.Duration `json:"max_avg_cycle"`
}

// DefaultThresholds returns the stock configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxCrashed:     1,
		MaxRateLimited: 1,
		MaxStuckInput:  3,
		MaxErrorRate:   0.25,
		MaxAvgCycle:    10 * time.Second,
	}
}

// Alert is one raised condition.
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// AlertEngine checks collector snapshots against thresholds. Events fire
// once on a state transition; an alert repeats while the condition holds,
// throttled per condition by alertCooldown.
type AlertEngine struct {
	mu         sync.RWMutex
	thresholds Thresholds
	recent     map[string]time.Time

	now func() time.Time
}

func NewAlertEngine(th Thresholds) *AlertEngine {
	return &AlertEngine{
		thresholds: th,
		recent:     make(map[string]time.Time),
		now:        time.Now,
	}
}

// SetThresholds replaces the active thresholds.
func (a *AlertEngine) SetThresholds(th Thresholds) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.thresholds = th
}

// Thresholds returns the active thresholds.
func (a *AlertEngine) Thresholds() Thresholds {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.thresholds
}

// shouldRaise marks the condition key and reports whether it was outside
// the cooldown window.
func (a *AlertEngine) shouldRaise(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	for k, t := range a.recent {
		if now.Sub(t) > alertCooldown {
			delete(a.recent, k)
		}
	}
	if _, ok := a.recent[key]; ok {
		return false
	}
	a.recent[key] = now
	return true
}

// Check evaluates one collector snapshot and returns the alerts raised.
func (a *AlertEngine) Check(sum Summary, perf Performance) []Alert {
	a.mu.RLock()
	th := a.thresholds
	a.mu.RUnlock()

	var alerts []Alert

	if n := sum.FleetStates[classify.StateCrashed]; th.MaxCrashed > 0 && n >= th.MaxCrashed {
		if a.shouldRaise("agents_crashed") {
			alerts = append(alerts, a.newAlert("agents_crashed", "critical",
				fmt.Sprintf("%d agent(s) crashed", n)))
		}
	}
	if n := sum.FleetStates[classify.StateRateLimited]; th.MaxRateLimited > 0 && n >= th.MaxRateLimited {
		if a.shouldRaise("agents_rate_limited") {
			alerts = append(alerts, a.newAlert("agents_rate_limited", "critical",
				fmt.Sprintf("%d agent(s) rate limited", n)))
		}
	}
	if n := sum.FleetStates[classify.StateUnsubmittedInput]; th.MaxStuckInput > 0 && n >= th.MaxStuckInput {
		if a.shouldRaise("input_stuck") {
			alerts = append(alerts, a.newAlert("input_stuck", "warning",
				fmt.Sprintf("%d agent(s) holding unsubmitted input", n)))
		}
	}
	if th.MaxErrorRate > 0 && perf.ErrorRate >= th.MaxErrorRate {
		if a.shouldRaise("cycle_errors") {
			alerts = append(alerts, a.newAlert("cycle_errors", "warning",
				fmt.Sprintf("cycle error rate %.2f over threshold %.2f", perf.ErrorRate, th.MaxErrorRate)))
		}
	}
	if th.MaxAvgCycle > 0 && perf.Samples > 0 && perf.AvgCycle >= th.MaxAvgCycle {
		if a.shouldRaise("slow_cycles") {
			alerts = append(alerts, a.newAlert("slow_cycles", "warning",
				fmt.Sprintf("average cycle %s over threshold %s", perf.AvgCycle, th.MaxAvgCycle)))
		}
	}

	return alerts
}

func (a *AlertEngine) newAlert(typ, severity, msg string) Alert {
	return Alert{
		ID:        uuid.New().String(),
		Type:      typ,
		Severity:  severity,
		Message:   msg,
		CreatedAt: a.now(),
	}
}
