// Package monitor runs the watch loop over the agent fleet: discover windows,
// check health, detect trouble, route notifications, and hand crashes to the
// recovery manager.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/cache"
	"github.com/muxfleet/muxfleet/internal/classify"
	"github.com/muxfleet/muxfleet/internal/config"
	"github.com/muxfleet/muxfleet/internal/events"
	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/metrics"
	"github.com/muxfleet/muxfleet/internal/notifications"
	"github.com/muxfleet/muxfleet/internal/pool"
	"github.com/muxfleet/muxfleet/internal/ratelimit"
	"github.com/muxfleet/muxfleet/internal/recovery"
	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/target"
)

const (
	// warmupCycles run at a stretched interval so a freshly started monitor
	// does not hammer a fleet that is still booting.
	warmupCycles = 3
	minWarmup    = 30 * time.Second

	// minCycleSleep keeps a slow cycle from starving the loop of its pause.
	minCycleSleep = time.Second

	// staleTolerance is how many discoveries a window may miss before its
	// record is dropped.
	staleTolerance = 2

	discoveryKey = "windows"
)

// Publisher is the slice of the event bus the service needs.
type Publisher interface {
	Publish(*events.Event)
}

// Router is the slice of the notification router the service needs.
type Router interface {
	Notify(n notifications.Notification) bool
	ClearKind(kind events.Kind)
}

// Recoverer is the slice of the recovery manager the service needs.
type Recoverer interface {
	Recover(ctx context.Context, t target.Target) error
	Observe(t target.Target, state classify.AgentState)
}

// Deps wires the service to the rest of the system. Pool, Cache, Registry,
// Strategy, Detector, and Coord are required; the rest may be nil and the
// matching step is skipped.
type Deps struct {
	Pool     *pool.Pool
	Cache    *cache.Layered
	Registry *registry.Registry
	Strategy Strategy
	Detector *Detector
	Coord    *ratelimit.Coordinator
	Bus      Publisher
	Router   Router
	Recovery Recoverer
	Metrics  *metrics.Collector

	// Recipient, when set, receives every routed notification. When zero,
	// notifications go to the supervisor of the affected agent.
	Recipient target.Target

	Log *logging.Logger
}

// Service owns the monitor loop.
type Service struct {
	cfg  config.MonitorConfig
	deps Deps

	running atomic.Bool
	cycles  atomic.Uint64

	mu          sync.Mutex
	lastReport  *CycleReport
	pausedUntil time.Time
	cancel      context.CancelFunc
	done        chan struct{}
	loopErr     error

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	log *logging.Logger
}

// New builds the service. Interval and grace defaults are applied here so a
// zero config still yields a working loop.
func New(cfg config.MonitorConfig, deps Deps) *Service {
	if cfg.BaseIntervalSeconds < 1 {
		cfg.BaseIntervalSeconds = 15
	}
	if cfg.ShutdownGraceSeconds < 1 {
		cfg.ShutdownGraceSeconds = 10
	}
	if deps.Log == nil {
		deps.Log = logging.Nop()
	}
	s := &Service{
		cfg:  cfg,
		deps: deps,
		now:  time.Now,
		log:  deps.Log.Component("monitor"),
	}
	s.sleep = s.sleepCtx
	return s
}

// Start launches the loop in its own goroutine. It returns an error if the
// service is already running.
func (s *Service) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("monitor already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.loopErr = nil
	done := s.done
	s.mu.Unlock()

	s.log.Info("monitor starting",
		zap.String("strategy", s.deps.Strategy.Name()),
		zap.Duration("base_interval", s.cfg.BaseInterval()))

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				s.running.Store(false)
				s.mu.Lock()
				s.loopErr = fmt.Errorf("cycle loop panicked: %v", r)
				s.mu.Unlock()
				s.log.Error("cycle loop panicked",
					zap.Any("panic", r),
					zap.Uint64("cycle", s.cycles.Load()))
			}
		}()
		s.run(runCtx)
	}()
	return nil
}

// Done returns a channel closed when the current loop goroutine exits, from
// Stop, context cancellation, or a panic. The daemon supervises on it.
func (s *Service) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err reports why the last loop died. Nil means a clean stop.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopErr
}

// Stop cancels the loop and waits up to the shutdown grace for the current
// cycle to finish.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		s.log.Info("monitor stopped", zap.Uint64("cycles", s.cycles.Load()))
		return nil
	case <-time.After(s.cfg.ShutdownGrace()):
		return errors.New("monitor shutdown timed out")
	}
}

// Running reports whether the loop is active.
func (s *Service) Running() bool { return s.running.Load() }

func (s *Service) run(ctx context.Context) {
	for ctx.Err() == nil {
		// A rate-limit window pauses everything until its wake time.
		if wake, active := s.deps.Coord.Window(); active {
			if !s.deps.Coord.Expired() {
				s.setPaused(wake)
				s.sleep(ctx, wake.Sub(s.now()))
				continue
			}
			s.wake()
		}
		s.setPaused(time.Time{})

		report := s.runCycle(ctx)
		if ctx.Err() != nil {
			return
		}

		pause := s.interval(s.cycles.Load()) - report.Duration()
		if pause < minCycleSleep {
			pause = minCycleSleep
		}
		s.sleep(ctx, pause)
	}
}

// interval stretches the first cycles, then settles on the configured base.
func (s *Service) interval(cycle uint64) time.Duration {
	base := s.cfg.BaseInterval()
	if cycle <= warmupCycles {
		warm := 3 * base
		if warm < minWarmup {
			warm = minWarmup
		}
		return warm
	}
	return base
}

// runCycle performs one full pass: discover, check, detect, route, recover,
// record.
func (s *Service) runCycle(ctx context.Context) CycleReport {
	id := s.cycles.Add(1)

	cyc := &Cycle{ID: id, Targets: s.discover(ctx)}
	report, err := s.deps.Strategy.Execute(ctx, cyc)
	if err != nil {
		s.log.Warn("cycle aborted", zap.Uint64("cycle", id), zap.Error(err))
	}

	evs := s.deps.Detector.Detect(cyc.Statuses)
	report.EventsEmitted = len(evs)
	for _, ev := range evs {
		s.emit(ev)
	}

	// Raw states settle pending recoveries; crash events open new ones.
	if s.deps.Recovery != nil {
		for _, st := range cyc.Statuses {
			s.deps.Recovery.Observe(st.Target, st.RawState)
		}
		for _, ev := range evs {
			if ev.Kind == events.KindAgentCrashed {
				s.recover(ctx, ev)
			}
		}
	}

	s.recordCycle(report)
	return report
}

// discover lists windows through a pooled driver, keeps the ones that look
// like fleet agents, and reconciles the registry. The raw window listing is
// cached so back-to-back cycles share one tmux round trip.
func (s *Service) discover(ctx context.Context) []target.Target {
	v, err := s.deps.Cache.GetOrCompute(ctx, cache.NSSessionInfo, discoveryKey,
		func(ctx context.Context) (any, error) {
			return s.listWindows(ctx)
		})
	if err != nil {
		// A failed listing is not evidence that agents are gone. Keep
		// checking the fleet we already know about.
		s.log.Warn("discovery failed", zap.Error(err))
		var known []target.Target
		for _, rec := range s.deps.Registry.SnapshotAll() {
			known = append(known, rec.Target)
		}
		return known
	}

	all := v.([]registry.DiscoveredWindow)
	keep := make([]registry.DiscoveredWindow, 0, len(all))
	for _, w := range all {
		if !fleetWindow(w.WindowName) {
			if _, tracked := s.deps.Registry.Get(w.Target); !tracked {
				continue
			}
		}
		keep = append(keep, w)
	}

	for _, t := range s.deps.Registry.UpsertFromDiscovery(keep) {
		s.log.Info("agent joined the fleet", zap.String("target", t.String()))
	}
	for _, t := range s.deps.Registry.RemoveStale(staleTolerance) {
		s.deps.Cache.Delete(cache.NSAgentStatus, t.String())
		s.deps.Cache.Delete(cache.NSPaneContent, t.String())
		s.deps.Detector.Forget(t)
		s.log.Info("agent left the fleet", zap.String("target", t.String()))
	}

	var targets []target.Target
	for _, rec := range s.deps.Registry.SnapshotAll() {
		targets = append(targets, rec.Target)
	}
	return targets
}

func (s *Service) listWindows(ctx context.Context) ([]registry.DiscoveredWindow, error) {
	lease, err := s.deps.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	defer lease.Release()

	sessions, err := lease.Driver().ListSessions(ctx)
	if err != nil {
		lease.MarkBroken()
		return nil, fmt.Errorf("discovery: %w", err)
	}

	var out []registry.DiscoveredWindow
	for _, session := range sessions {
		windows, err := lease.Driver().ListWindows(ctx, session)
		if err != nil {
			lease.MarkBroken()
			return nil, fmt.Errorf("discovery %s: %w", session, err)
		}
		for _, w := range windows {
			out = append(out, registry.DiscoveredWindow{
				Target:     target.New(session, w.Index),
				WindowName: w.Name,
			})
		}
	}
	return out, nil
}

// fleetWindow reports whether a window name marks an agent this monitor
// should manage. Operator shells and unrelated windows stay out of the
// registry so their panes are never classified.
func fleetWindow(name string) bool {
	name = strings.ToLower(name)
	for _, prefix := range []string{"orchestrator", "orc-", "pm", "project", "worker", "qa", "agent"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// emit publishes one event and routes its notification.
func (s *Service) emit(ev *events.Event) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(ev)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordEvent(ev.Kind)
	}
	if s.deps.Router == nil {
		return
	}
	rcpt := s.recipientFor(ev)
	if rcpt.IsZero() {
		return
	}
	s.deps.Router.Notify(notifications.FromEvent(*ev, rcpt, messageFor(ev)))
}

// recipientFor picks who hears about an event: the configured recipient if
// any, else the affected agent's supervisor, else any orchestrator.
func (s *Service) recipientFor(ev *events.Event) target.Target {
	if !s.deps.Recipient.IsZero() {
		return s.deps.Recipient
	}
	if t, err := target.Parse(ev.Target); err == nil {
		if sup, ok := s.deps.Registry.Supervisor(t); ok {
			return sup
		}
	}
	for _, rec := range s.deps.Registry.SnapshotAll() {
		if rec.Role == registry.RoleOrchestrator {
			return rec.Target
		}
	}
	return target.Target{}
}

func messageFor(ev *events.Event) string {
	switch ev.Kind {
	case events.KindAgentCrashed:
		return fmt.Sprintf("Agent %s crashed: %s. Auto-recovery will respawn it if enabled.", ev.Target, ev.Reason)
	case events.KindAgentIdle:
		return fmt.Sprintf("Agent %s has gone idle (%s). It may be waiting for instructions.", ev.Target, ev.Reason)
	case events.KindAgentRateLimited:
		return fmt.Sprintf("Agent %s hit the usage limit: %s", ev.Target, ev.Reason)
	case events.KindUnsubmittedInputDetected:
		return fmt.Sprintf("Agent %s has typed input that was never submitted.", ev.Target)
	case events.KindRateLimitWindowBegan:
		wake, _ := ev.Payload["wake_at"].(string)
		return fmt.Sprintf("Usage limit reached; monitoring paused until %s.", wake)
	case events.KindRateLimitWindowEnded:
		return "Usage limit window ended; monitoring resumed."
	default:
		return fmt.Sprintf("%s on %s: %s", ev.Kind, ev.Target, ev.Reason)
	}
}

// recover asks the recovery manager to respawn a crashed agent.
func (s *Service) recover(ctx context.Context, ev *events.Event) {
	t, err := target.Parse(ev.Target)
	if err != nil {
		return
	}
	switch err := s.deps.Recovery.Recover(ctx, t); {
	case errors.Is(err, recovery.ErrDisabled):
		s.log.Debug("recovery declined", zap.String("target", t.String()), zap.Error(err))
	case err != nil:
		s.log.Warn("recovery failed", zap.String("target", t.String()), zap.Error(err))
	default:
		// Force a fresh capture next cycle so the respawned pane is not
		// judged by its crashed predecessor's cached content.
		s.deps.Cache.Delete(cache.NSAgentStatus, t.String())
		s.deps.Cache.Delete(cache.NSPaneContent, t.String())
	}
}

// wake tears down an expired rate-limit window and lets the fleet be
// re-classified from scratch.
func (s *Service) wake() {
	s.deps.Coord.Clear()
	cleared := s.deps.Registry.ClearRateLimited()
	s.deps.Cache.InvalidateNamespace(cache.NSAgentStatus)
	if s.deps.Router != nil {
		s.deps.Router.ClearKind(events.KindRateLimitWindowBegan)
		s.deps.Router.ClearKind(events.KindAgentRateLimited)
	}
	s.deps.Detector.WindowEnded()

	s.log.Info("rate limit window ended", zap.Int("agents_cleared", cleared))
	s.emit(events.New(events.KindRateLimitWindowEnded, detectorSource, "all",
		"usage limit window ended", map[string]any{"agents_cleared": cleared}))
}

func (s *Service) recordCycle(report CycleReport) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordCycle(metrics.CycleSample{
			CycleID:       report.CycleID,
			StartedAt:     report.StartedAt,
			Duration:      report.Duration(),
			AgentsChecked: report.AgentsChecked,
			EventsEmitted: report.EventsEmitted,
			Errors:        len(report.Errors),
		})
		counts := make(map[classify.AgentState]int)
		for _, rec := range s.deps.Registry.SnapshotAll() {
			counts[rec.State]++
		}
		s.deps.Metrics.SetFleetStates(counts)
	}

	s.mu.Lock()
	s.lastReport = &report
	s.mu.Unlock()
}

func (s *Service) setPaused(until time.Time) {
	s.mu.Lock()
	s.pausedUntil = until
	s.mu.Unlock()
}

// Status is a point-in-time view of the service for the CLI and HTTP layer.
type Status struct {
	Running     bool                                     `json:"running"`
	Strategy    string                                   `json:"strategy"`
	CycleCount  uint64                                   `json:"cycle_count"`
	LastReport  *CycleReport                             `json:"last_report,omitempty"`
	PausedUntil *time.Time                               `json:"paused_until,omitempty"`
	Pool        pool.Stats                               `json:"pool"`
	Cache       map[cache.Namespace]cache.NamespaceStats `json:"cache"`
}

// Status reports the current loop state.
func (s *Service) Status() Status {
	st := Status{
		Running:    s.running.Load(),
		Strategy:   s.deps.Strategy.Name(),
		CycleCount: s.cycles.Load(),
	}
	s.mu.Lock()
	if s.lastReport != nil {
		r := *s.lastReport
		st.LastReport = &r
	}
	if !s.pausedUntil.IsZero() {
		u := s.pausedUntil
		st.PausedUntil = &u
	}
	s.mu.Unlock()

	if s.deps.Pool != nil {
		st.Pool = s.deps.Pool.Stats()
	}
	if s.deps.Cache != nil {
		st.Cache = s.deps.Cache.Stats()
	}
	return st
}

func (s *Service) sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
