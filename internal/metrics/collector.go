// Package metrics aggregates monitoring counters: cycle timings, per-kind
// event counts, and the fleet state layout. The monitor records, the CLI
// and HTTP surfaces read.
package metrics

import (
	"sync"
	"time"

	"github.com/muxfleet/muxfleet/internal/classify"
	"github.com/muxfleet/muxfleet/internal/events"
)

// maxHistory caps retained cycle samples. At the default 15s interval this
// holds about ninety minutes.
const maxHistory = 360

// CycleSample is one monitoring cycle's accounting.
type CycleSample struct {
	CycleID       uint64        `json:"cycle_id"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	AgentsChecked int           `json:"agents_checked"`
	EventsEmitted int           `json:"events_emitted"`
	Errors        int           `json:"errors"`
}

// Summary is the cumulative view behind the monitor metrics command.
type Summary struct {
	Uptime        time.Duration                  `json:"uptime"`
	Cycles        uint64                         `json:"cycles"`
	AgentsChecked uint64                         `json:"agents_checked"`
	Events        map[events.Kind]uint64         `json:"events"`
	FleetStates   map[classify.AgentState]int    `json:"fleet_states"`
	LastCycle     *CycleSample                   `json:"last_cycle,omitempty"`
}

// Performance is the timing view behind the monitor performance command.
type Performance struct {
	Samples        int           `json:"samples"`
	AvgCycle       time.Duration `json:"avg_cycle"`
	MinCycle       time.Duration `json:"min_cycle"`
	MaxCycle       time.Duration `json:"max_cycle"`
	ChecksPerCycle float64       `json:"checks_per_cycle"`
	ErrorRate      float64       `json:"error_rate"`
}

// Collector is safe for concurrent use. Readers get copies.
type Collector struct {
	mu          sync.RWMutex
	startedAt   time.Time
	cycles      uint64
	checks      uint64
	eventCounts map[events.Kind]uint64
	fleet       map[classify.AgentState]int
	history     []CycleSample

	now func() time.Time
}

func NewCollector() *Collector {
	c := &Collector{
		eventCounts: make(map[events.Kind]uint64),
		fleet:       make(map[classify.AgentState]int),
		now:         time.Now,
	}
	c.startedAt = c.now()
	return c
}

// RecordCycle appends one cycle sample, evicting the oldest past the cap.
func (c *Collector) RecordCycle(s CycleSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycles++
	c.checks += uint64(s.AgentsChecked)
	c.history = append(c.history, s)
	if len(c.history) > maxHistory {
		c.history = c.history[1:]
	}
}

// RecordEvent counts one emitted event.
func (c *Collector) RecordEvent(kind events.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventCounts[kind]++
}

// SetFleetStates replaces the current state layout, counted by the monitor
// after each cycle.
func (c *Collector) SetFleetStates(counts map[classify.AgentState]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fleet = make(map[classify.AgentState]int, len(counts))
	for k, v := range counts {
		c.fleet[k] = v
	}
}

// Summary returns the cumulative counters.
func (c *Collector) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Summary{
		Uptime:        c.now().Sub(c.startedAt),
		Cycles:        c.cycles,
		AgentsChecked: c.checks,
		Events:        make(map[events.Kind]uint64, len(c.eventCounts)),
		FleetStates:   make(map[classify.AgentState]int, len(c.fleet)),
	}
	for k, v := range c.eventCounts {
		s.Events[k] = v
	}
	for k, v := range c.fleet {
		s.FleetStates[k] = v
	}
	if n := len(c.history); n > 0 {
		last := c.history[n-1]
		s.LastCycle = &last
	}
	return s
}

// History returns the retained cycle samples, oldest first.
func (c *Collector) History() []CycleSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]CycleSample(nil), c.history...)
}

// Performance summarizes cycle timing over the retained history.
func (c *Collector) Performance() Performance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := Performance{Samples: len(c.history)}
	if p.Samples == 0 {
		return p
	}
	var total time.Duration
	var checks, errs int
	p.MinCycle = c.history[0].Duration
	for _, s := range c.history {
		total += s.Duration
		checks += s.AgentsChecked
		errs += s.Errors
		if s.Duration < p.MinCycle {
			p.MinCycle = s.Duration
		}
		if s.Duration > p.MaxCycle {
			p.MaxCycle = s.Duration
		}
	}
	p.AvgCycle = total / time.Duration(p.Samples)
	p.ChecksPerCycle = float64(checks) / float64(p.Samples)
	if checks > 0 {
		p.ErrorRate = float64(errs) / float64(checks)
	}
	return p
}

// Reset clears history and counters, keeping the start time.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycles = 0
	c.checks = 0
	c.eventCounts = make(map[events.Kind]uint64)
	c.fleet = make(map[classify.AgentState]int)
	c.history = nil
}
