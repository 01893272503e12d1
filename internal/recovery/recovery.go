// Package recovery restarts crashed agent windows: respawn at the same
// index, wait for the REPL prompt, re-deliver the role briefing, then open
// a grace window so the detector leaves the fresh process alone while it
// settles. A per-target crash-loop guard stops the respawn cycle when a
// window keeps dying.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/classify"
	"github.com/muxfleet/muxfleet/internal/config"
	"github.com/muxfleet/muxfleet/internal/events"
	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/notifications"
	"github.com/muxfleet/muxfleet/internal/pool"
	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/submit"
	"github.com/muxfleet/muxfleet/internal/target"
)

const source = "recovery"

const (
	// maxRespawns inside respawnWindow trips the crash-loop guard. The
	// third respawn still runs; the fourth is refused until operator reset.
	maxRespawns   = 3
	respawnWindow = time.Minute
	// pollInterval paces prompt probes during the init wait.
	pollInterval = 500 * time.Millisecond
	// captureLines is enough to see the launch banner and the prompt box.
	captureLines = 40
)

// ErrDisabled is returned when auto-recovery is off, globally or for a
// target whose crash-loop guard tripped.
var ErrDisabled = errors.New("auto-recovery disabled")

// Publisher receives recovery lifecycle events.
type Publisher interface {
	Publish(ev *events.Event)
}

// Notifier routes failure alerts to the crashed agent's parent.
type Notifier interface {
	Notify(n notifications.Notification) bool
}

// Submitter delivers the role briefing into the respawned pane.
type Submitter interface {
	Submit(ctx context.Context, t target.Target, text string, delayHint time.Duration) (submit.Outcome, error)
}

// Briefer renders role briefings.
type Briefer interface {
	Briefing(role registry.Role, t target.Target) (string, error)
}

// Deps are the collaborators a Manager drives. Bus and Notifier may be nil.
type Deps struct {
	Pool       *pool.Pool
	Registry   *registry.Registry
	Classifier *classify.Classifier
	Roles      Briefer
	Submitter  Submitter
	Bus        Publisher
	Notifier   Notifier
	// Launch is the REPL command for respawned windows.
	Launch string
	// DelayHint paces the briefing submission.
	DelayHint time.Duration
	Log       *logging.Logger
}

// guard is the crash-loop state for one target.
type guard struct {
	windowStart time.Time
	count       int
	disabled    bool
}

// Manager runs the respawn sequence and tracks in-flight recoveries until
// the checker sees the agent settle. Safe for concurrent use.
type Manager struct {
	cfg  config.RecoveryConfig
	deps Deps

	mu       sync.Mutex
	enabled  bool
	guards   map[target.Target]*guard
	inflight map[target.Target]bool
	pending  map[target.Target]time.Time

	recovered atomic.Uint64
	failed    atomic.Uint64

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	log   *logging.Logger
}

// New builds a Manager. Auto-recovery starts in the state cfg.Enabled says.
func New(cfg config.RecoveryConfig, deps Deps) *Manager {
	log := deps.Log
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		enabled:  cfg.Enabled,
		guards:   make(map[target.Target]*guard),
		inflight: make(map[target.Target]bool),
		pending:  make(map[target.Target]time.Time),
		sleep:    sleepCtx,
		now:      time.Now,
		log:      log,
	}
}

// Recover kills and relaunches t's window, waits for the first prompt,
// submits the role briefing, and opens the grace window. The success event
// comes later, from Observe, once the agent is seen active.
func (m *Manager) Recover(ctx context.Context, t target.Target) error {
	attempt, err := m.admit(t)
	if err != nil {
		return err
	}
	defer func() {
		m.mu.Lock()
		delete(m.inflight, t)
		m.mu.Unlock()
	}()

	m.publish(events.New(events.KindRecoveryStarted, source, t.String(),
		fmt.Sprintf("respawn attempt %d", attempt),
		map[string]any{"attempt": attempt}))
	m.log.Info("recovery started",
		zap.String("target", t.String()),
		zap.Int("attempt", attempt))

	if err := m.respawn(ctx, t); err != nil {
		return m.fail(t, fmt.Errorf("respawn: %w", err))
	}
	if err := m.awaitPrompt(ctx, t); err != nil {
		return m.fail(t, err)
	}
	if err := m.brief(ctx, t); err != nil {
		return m.fail(t, err)
	}

	grace := m.cfg.GracePeriod()
	m.deps.Registry.BeginGrace(t, grace)
	m.mu.Lock()
	m.pending[t] = m.now().Add(grace)
	m.mu.Unlock()
	m.log.Info("agent respawned and briefed, grace open",
		zap.String("target", t.String()),
		zap.Duration("grace", grace))
	return nil
}

// Observe feeds post-check classifications back into pending recoveries.
// state must be the raw classifier state: the record state is forced
// Active for the whole grace window and would complete every recovery on
// its first cycle.
func (m *Manager) Observe(t target.Target, state classify.AgentState) {
	m.mu.Lock()
	deadline, ok := m.pending[t]
	if !ok {
		m.mu.Unlock()
		return
	}
	settled := state == classify.StateActive || state == classify.StateFresh
	expired := m.now().After(deadline)
	if settled || expired {
		delete(m.pending, t)
	}
	m.mu.Unlock()

	switch {
	case settled:
		m.recovered.Add(1)
		m.publish(events.New(events.KindRecoveryCompleted, source, t.String(),
			fmt.Sprintf("agent %s within grace", state),
			map[string]any{"failed": false}))
		m.log.Info("recovery completed", zap.String("target", t.String()))
	case expired:
		// No event here: the next classification of the still-unsettled
		// window produces a fresh crash event and a fresh recovery, and
		// the loop guard caps how long that can go on.
		m.log.Warn("agent did not settle within grace",
			zap.String("target", t.String()),
			zap.String("state", string(state)))
	}
}

// Enable turns auto-recovery on and clears every crash-loop guard.
func (m *Manager) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
	m.guards = make(map[target.Target]*guard)
}

// Disable refuses all auto-recovery until Enable.
func (m *Manager) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enabled reports the global switch.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Reset clears the crash-loop guard for one target.
func (m *Manager) Reset(t target.Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.guards, t)
}

// TargetStatus is the per-target view in Status.
type TargetStatus struct {
	Target       target.Target `json:"target"`
	RespawnCount int           `json:"respawn_count"`
	Disabled     bool          `json:"disabled"`
	PendingUntil *time.Time    `json:"pending_until,omitempty"`
}

// Status is the recovery subsystem summary.
type Status struct {
	Enabled   bool           `json:"enabled"`
	Recovered uint64         `json:"recovered"`
	Failed    uint64         `json:"failed"`
	Targets   []TargetStatus `json:"targets,omitempty"`
}

// Status reports the global switch, lifetime counters, and every target
// with guard or pending state, sorted by target.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		Enabled:   m.enabled,
		Recovered: m.recovered.Load(),
		Failed:    m.failed.Load(),
	}
	seen := make(map[target.Target]*TargetStatus)
	for t, g := range m.guards {
		seen[t] = &TargetStatus{Target: t, RespawnCount: g.count, Disabled: g.disabled}
	}
	for t, deadline := range m.pending {
		ts := seen[t]
		if ts == nil {
			ts = &TargetStatus{Target: t}
			seen[t] = ts
		}
		d := deadline
		ts.PendingUntil = &d
	}
	m.mu.Unlock()

	for _, ts := range seen {
		st.Targets = append(st.Targets, *ts)
	}
	sort.Slice(st.Targets, func(i, j int) bool {
		return st.Targets[i].Target.String() < st.Targets[j].Target.String()
	})
	return st
}

// ProbeResult says what a recovery of t would do, without touching the
// window.
type ProbeResult struct {
	Target       target.Target       `json:"target"`
	State        classify.AgentState `json:"state"`
	Reason       string              `json:"reason,omitempty"`
	WouldRecover bool                `json:"would_recover"`
	Blocked      string              `json:"blocked,omitempty"`
}

// Probe captures and classifies t and reports whether auto-recovery would
// engage. Used by the recovery test command.
func (m *Manager) Probe(ctx context.Context, t target.Target) (ProbeResult, error) {
	text, err := m.capture(ctx, t)
	if err != nil {
		return ProbeResult{Target: t}, err
	}
	res := m.deps.Classifier.Classify(text)
	pr := ProbeResult{Target: t, State: res.State, Reason: res.Reason}

	m.mu.Lock()
	switch g := m.guards[t]; {
	case !m.enabled:
		pr.Blocked = "auto-recovery disabled"
	case g != nil && g.disabled:
		pr.Blocked = "crash loop guard tripped"
	}
	m.mu.Unlock()

	pr.WouldRecover = pr.Blocked == "" && res.State == classify.StateCrashed
	return pr, nil
}

// admit checks the global switch and the crash-loop guard, counts the
// respawn, and marks t in flight. Returns the attempt number inside the
// current window.
func (m *Manager) admit(t target.Target) (int, error) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return 0, fmt.Errorf("recover %s: %w", t, ErrDisabled)
	}
	if m.inflight[t] {
		m.mu.Unlock()
		return 0, fmt.Errorf("recover %s: recovery already running", t)
	}
	g := m.guards[t]
	if g == nil {
		g = &guard{}
		m.guards[t] = g
	}
	if g.disabled {
		m.mu.Unlock()
		return 0, fmt.Errorf("recover %s: crash loop, %w", t, ErrDisabled)
	}
	now := m.now()
	if g.windowStart.IsZero() || now.Sub(g.windowStart) > respawnWindow {
		g.windowStart = now
		g.count = 0
	}
	g.count++
	attempt := g.count
	tripped := attempt >= maxRespawns
	if tripped {
		g.disabled = true
	}
	m.inflight[t] = true
	m.mu.Unlock()

	if tripped {
		m.log.Warn("crash loop guard tripped, this is the last automatic respawn",
			zap.String("target", t.String()),
			zap.Int("respawns", attempt),
			zap.Duration("window", respawnWindow))
		if parent, ok := m.deps.Registry.Supervisor(t); ok && m.deps.Notifier != nil {
			m.deps.Notifier.Notify(notifications.Notification{
				Kind:      events.KindRecoveryCompleted,
				Target:    t.String(),
				Recipient: parent,
				Message: fmt.Sprintf("%s respawned %d times in %s; auto-recovery disabled until reset",
					t, attempt, respawnWindow),
				Priority: events.PriorityCritical,
			})
		}
	}
	return attempt, nil
}

// respawn relaunches the REPL command in t's window, keeping its index.
func (m *Manager) respawn(ctx context.Context, t target.Target) error {
	lease, err := m.deps.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	if err := lease.Driver().RespawnWindow(ctx, t, m.deps.Launch); err != nil {
		lease.MarkBroken()
		return err
	}
	return nil
}

// awaitPrompt polls the pane until the classifier sees a live REPL or the
// init timeout expires. Transient shell prompts and half-drawn banners
// classify as crashed or unknown while the process boots, so every
// not-ready state just means keep waiting.
func (m *Manager) awaitPrompt(ctx context.Context, t target.Target) error {
	timeout := m.cfg.InitTimeout()
	deadline := m.now().Add(timeout)
	for {
		text, err := m.capture(ctx, t)
		if err == nil {
			switch m.deps.Classifier.Classify(text).State {
			case classify.StateFresh, classify.StateActive,
				classify.StateIdle, classify.StateUnsubmittedInput:
				return nil
			}
		} else {
			m.log.Debug("init probe failed",
				zap.String("target", t.String()),
				zap.Error(err))
		}
		if m.now().After(deadline) {
			return fmt.Errorf("no prompt within %s", timeout)
		}
		if err := m.sleep(ctx, pollInterval); err != nil {
			return err
		}
	}
}

// brief renders the target's role briefing and submits it.
func (m *Manager) brief(ctx context.Context, t target.Target) error {
	role := registry.RoleWorker
	if rec, ok := m.deps.Registry.Get(t); ok && rec.Role != "" {
		role = rec.Role
	}
	text, err := m.deps.Roles.Briefing(role, t)
	if err != nil {
		return fmt.Errorf("briefing %s: %w", role, err)
	}
	if _, err := m.deps.Submitter.Submit(ctx, t, text, m.deps.DelayHint); err != nil {
		return fmt.Errorf("brief: %w", err)
	}
	return nil
}

// fail publishes the failed completion, alerts the parent, and returns the
// error for the caller's log line.
func (m *Manager) fail(t target.Target, err error) error {
	m.failed.Add(1)
	m.mu.Lock()
	delete(m.pending, t)
	m.mu.Unlock()

	ev := events.New(events.KindRecoveryCompleted, source, t.String(), err.Error(),
		map[string]any{"failed": true})
	m.publish(ev)
	if parent, ok := m.deps.Registry.Supervisor(t); ok && m.deps.Notifier != nil {
		msg := fmt.Sprintf("recovery of %s failed: %v", t, err)
		m.deps.Notifier.Notify(notifications.FromEvent(*ev, parent, msg))
	}
	m.deps.Registry.RecordError(t)
	return fmt.Errorf("recover %s: %w", t, err)
}

// capture grabs the top of t's pane under a short-lived lease.
func (m *Manager) capture(ctx context.Context, t target.Target) (string, error) {
	lease, err := m.deps.Pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer lease.Release()
	text, err := lease.Driver().CapturePane(ctx, t, captureLines)
	if err != nil {
		lease.MarkBroken()
		return "", err
	}
	return text, nil
}

func (m *Manager) publish(ev *events.Event) {
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(ev)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
