// Package fleet creates and tears down agent windows. Spawning ensures the
// session exists, launches the REPL in a window named by role convention,
// registers the agent, waits for the first prompt, and delivers the role
// briefing. Team layouts expand into a sequence of spawns.
package fleet

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/classify"
	"github.com/muxfleet/muxfleet/internal/config"
	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/pool"
	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/roles"
	"github.com/muxfleet/muxfleet/internal/submit"
	"github.com/muxfleet/muxfleet/internal/target"
	"github.com/muxfleet/muxfleet/internal/tmux"
)

const (
	// pollInterval paces prompt probes while a fresh REPL boots.
	pollInterval = 500 * time.Millisecond
	// captureLines is enough pane tail to see the launch banner and prompt.
	captureLines = 40
)

// Submitter delivers briefing text into a freshly spawned pane.
type Submitter interface {
	Submit(ctx context.Context, t target.Target, text string, delayHint time.Duration) (submit.Outcome, error)
}

// Briefer renders role briefings.
type Briefer interface {
	Briefing(role registry.Role, t target.Target) (string, error)
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Pool       *pool.Pool
	Registry   *registry.Registry
	Classifier *classify.Classifier
	Roles      Briefer
	Submitter  Submitter
	// Launch is the REPL command started in every new window.
	Launch string
	// DelayHint paces briefing submissions.
	DelayHint time.Duration
	Log       *logging.Logger
}

// Spec describes one window to create.
type Spec struct {
	Session string
	Role    registry.Role
	// Name is the window name; derived from the role convention when empty.
	Name string
	// Dir is the working directory for the new window.
	Dir string
	// Briefing replaces the role briefing when set. Placeholders are
	// substituted the same way role briefings substitute them.
	Briefing string
}

// Manager spawns, restarts, and kills agent windows, keeping the registry
// in step with tmux. Safe for concurrent use; spawn and respawn share the
// recovery config because an explicit spawn warms up exactly like a
// respawned crash.
type Manager struct {
	cfg  config.RecoveryConfig
	deps Deps

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	log   *logging.Logger
}

// New builds a Manager.
func New(cfg config.RecoveryConfig, deps Deps) *Manager {
	log := deps.Log
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		cfg:   cfg,
		deps:  deps,
		sleep: sleepCtx,
		now:   time.Now,
		log:   log,
	}
}

// Spawn creates one agent window per spec: ensure the session, launch the
// REPL, register the record with its grace window open, wait for the first
// prompt, and deliver the briefing. An init timeout unwinds the window and
// the record. A briefing delivery failure does not: the returned record is
// valid and the error reports the undelivered briefing.
func (m *Manager) Spawn(ctx context.Context, spec Spec) (registry.AgentRecord, error) {
	if err := validateSpec(&spec); err != nil {
		return registry.AgentRecord{}, fmt.Errorf("spawn: %w", err)
	}

	t, name, err := m.createWindow(ctx, spec)
	if err != nil {
		return registry.AgentRecord{}, fmt.Errorf("spawn %s in %s: %w", spec.Role, spec.Session, err)
	}

	rec := m.deps.Registry.Register(t, spec.Role, name)
	m.deps.Registry.BeginGrace(t, m.cfg.GracePeriod())
	m.log.Info("agent spawned",
		zap.String("target", t.String()),
		zap.String("role", string(spec.Role)),
		zap.String("window", name))

	if err := m.awaitPrompt(ctx, t); err != nil {
		m.unwind(ctx, t)
		return registry.AgentRecord{}, fmt.Errorf("spawn %s: %w", t, err)
	}
	if err := m.brief(ctx, t, spec.Role, spec.Briefing); err != nil {
		return rec, fmt.Errorf("spawn %s: %w", t, err)
	}

	m.log.Info("agent briefed", zap.String("target", t.String()))
	return rec, nil
}

// Restart relaunches the REPL in a tracked agent's window, keeping its
// index and name, then re-registers, waits for the prompt, and re-briefs.
// Unlike crash recovery it has no loop guard; it is the operator's call.
func (m *Manager) Restart(ctx context.Context, t target.Target) (registry.AgentRecord, error) {
	prev, ok := m.deps.Registry.Get(t)
	if !ok {
		return registry.AgentRecord{}, fmt.Errorf("restart %s: agent not tracked", t)
	}

	lease, err := m.deps.Pool.Acquire(ctx)
	if err != nil {
		return registry.AgentRecord{}, fmt.Errorf("restart %s: %w", t, err)
	}
	if err := lease.Driver().RespawnWindow(ctx, t, m.deps.Launch); err != nil {
		lease.MarkBroken()
		lease.Release()
		return registry.AgentRecord{}, fmt.Errorf("restart %s: %w", t, err)
	}
	lease.Release()

	rec := m.deps.Registry.Register(t, prev.Role, prev.WindowName)
	m.deps.Registry.BeginGrace(t, m.cfg.GracePeriod())
	m.log.Info("agent restarted",
		zap.String("target", t.String()),
		zap.String("role", string(prev.Role)))

	if err := m.awaitPrompt(ctx, t); err != nil {
		return rec, fmt.Errorf("restart %s: %w", t, err)
	}
	if err := m.brief(ctx, t, prev.Role, ""); err != nil {
		return rec, fmt.Errorf("restart %s: %w", t, err)
	}
	return rec, nil
}

// Kill closes an agent's window and drops its record. A window that is
// already gone still clears the record.
func (m *Manager) Kill(ctx context.Context, t target.Target) error {
	lease, err := m.deps.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("kill %s: %w", t, err)
	}
	defer lease.Release()
	drv := lease.Driver()

	exists, err := drv.WindowExists(ctx, t)
	if err != nil {
		lease.MarkBroken()
		return fmt.Errorf("kill %s: %w", t, err)
	}
	if exists {
		if err := drv.KillWindow(ctx, t); err != nil {
			lease.MarkBroken()
			return fmt.Errorf("kill %s: %w", t, err)
		}
	}
	m.deps.Registry.Remove(t)
	m.log.Info("agent killed", zap.String("target", t.String()))
	return nil
}

// KillAll kills every tracked agent, filtered to one session unless session
// is empty, and to the given roles unless none are given. Targets are
// killed in order; per-target failures do not stop the sweep. Returns how
// many agents were killed.
func (m *Manager) KillAll(ctx context.Context, session string, only ...registry.Role) (int, []error) {
	records := m.selectAgents(session, only)
	killed := 0
	var errs []error
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := m.Kill(ctx, rec.Target); err != nil {
			errs = append(errs, err)
			continue
		}
		killed++
	}
	m.log.Info("kill sweep finished",
		zap.String("session", session),
		zap.Int("killed", killed),
		zap.Int("failures", len(errs)))
	return killed, errs
}

// Broadcast submits text to every tracked agent, filtered like KillAll.
// Returns how many deliveries went through.
func (m *Manager) Broadcast(ctx context.Context, session, text string, only ...registry.Role) (int, []error) {
	records := m.selectAgents(session, only)
	delivered := 0
	var errs []error
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := m.deps.Submitter.Submit(ctx, rec.Target, text, m.deps.DelayHint); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	return delivered, errs
}

// Deploy spawns every window a layout describes, in role order. Per-member
// failures do not stop the deploy; they come back alongside the records
// that did spawn.
func (m *Manager) Deploy(ctx context.Context, l *Layout) ([]registry.AgentRecord, []error) {
	specs, err := l.Specs()
	if err != nil {
		return nil, []error{err}
	}

	var recs []registry.AgentRecord
	var errs []error
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rec, err := m.Spawn(ctx, spec)
		if err != nil {
			errs = append(errs, err)
			if rec.Target.IsZero() {
				continue
			}
		}
		recs = append(recs, rec)
	}
	m.log.Info("team deployed",
		zap.String("session", l.Session),
		zap.Int("agents", len(recs)),
		zap.Int("failures", len(errs)))
	return recs, errs
}

// createWindow holds one lease for session ensure, name allocation, and
// window creation. A session created here has its initial shell window
// taken over rather than left as a stray pane.
func (m *Manager) createWindow(ctx context.Context, spec Spec) (target.Target, string, error) {
	lease, err := m.deps.Pool.Acquire(ctx)
	if err != nil {
		return target.Target{}, "", err
	}
	defer lease.Release()
	drv := lease.Driver()

	exists, err := drv.HasSession(ctx, spec.Session)
	if err != nil {
		lease.MarkBroken()
		return target.Target{}, "", err
	}
	if !exists {
		if err := drv.NewSession(ctx, spec.Session, spec.Dir); err != nil {
			lease.MarkBroken()
			return target.Target{}, "", err
		}
	}

	windows, err := drv.ListWindows(ctx, spec.Session)
	if err != nil {
		lease.MarkBroken()
		return target.Target{}, "", err
	}
	if spec.Role == registry.RoleOrchestrator && exists {
		for _, w := range windows {
			if registry.RoleFromWindowName(w.Name) == registry.RoleOrchestrator {
				return target.Target{}, "", fmt.Errorf("orchestrator already present as %q", w.Name)
			}
		}
	}

	name := spec.Name
	if name == "" {
		name = nextWindowName(spec.Role, windows)
	}

	if !exists && len(windows) > 0 {
		t := target.New(spec.Session, windows[0].Index)
		if err := drv.RenameWindow(ctx, t, name); err != nil {
			lease.MarkBroken()
			return target.Target{}, "", err
		}
		if err := drv.RespawnWindow(ctx, t, m.deps.Launch); err != nil {
			lease.MarkBroken()
			return target.Target{}, "", err
		}
		return t, name, nil
	}

	t, err := drv.NewWindow(ctx, spec.Session, name, spec.Dir, m.deps.Launch)
	if err != nil {
		lease.MarkBroken()
		return target.Target{}, "", err
	}
	return t, name, nil
}

// awaitPrompt polls the pane until the classifier sees a live REPL or the
// init timeout expires. Not-ready states just mean keep waiting; a booting
// process shows shell remnants and half-drawn banners first.
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

// brief renders and submits the briefing: the caller's override when
// present, the builtin role briefing otherwise.
func (m *Manager) brief(ctx context.Context, t target.Target, role registry.Role, override string) error {
	var text string
	if override != "" {
		text = roles.Substitute(override, t)
	} else {
		var err error
		text, err = m.deps.Roles.Briefing(role, t)
		if err != nil {
			return fmt.Errorf("briefing %s: %w", role, err)
		}
	}
	if _, err := m.deps.Submitter.Submit(ctx, t, text, m.deps.DelayHint); err != nil {
		return fmt.Errorf("brief: %w", err)
	}
	return nil
}

// unwind removes a window whose REPL never came up, and its record. Errors
// are logged, not returned; the caller already has the init failure.
func (m *Manager) unwind(ctx context.Context, t target.Target) {
	m.deps.Registry.Remove(t)
	lease, err := m.deps.Pool.Acquire(ctx)
	if err != nil {
		m.log.Warn("unwind skipped", zap.String("target", t.String()), zap.Error(err))
		return
	}
	defer lease.Release()
	if err := lease.Driver().KillWindow(ctx, t); err != nil {
		lease.MarkBroken()
		m.log.Warn("unwind kill failed", zap.String("target", t.String()), zap.Error(err))
	}
}

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

// selectAgents snapshots the registry filtered by session and roles,
// sorted by target for deterministic sweeps.
func (m *Manager) selectAgents(session string, only []registry.Role) []registry.AgentRecord {
	var out []registry.AgentRecord
	for _, rec := range m.deps.Registry.SnapshotAll() {
		if session != "" && rec.Target.Session != session {
			continue
		}
		if len(only) > 0 && !roleIn(rec.Role, only) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Target.String() < out[j].Target.String()
	})
	return out
}

func roleIn(role registry.Role, set []registry.Role) bool {
	for _, r := range set {
		if r == role {
			return true
		}
	}
	return false
}

func validateSpec(spec *Spec) error {
	if spec.Session == "" {
		return fmt.Errorf("session required")
	}
	if !target.Valid(spec.Session + ":0") {
		return fmt.Errorf("session %q: names are limited to [A-Za-z0-9_-]", spec.Session)
	}
	if spec.Role == "" {
		spec.Role = registry.RoleWorker
	}
	switch spec.Role {
	case registry.RoleOrchestrator, registry.RoleProjectManager,
		registry.RoleWorker, registry.RoleQA, registry.RoleCustom:
	default:
		return fmt.Errorf("unknown role %q", spec.Role)
	}
	return nil
}

// nextWindowName allocates the next ordinal name for a role, scanning the
// live window list so deploys and later single spawns stay in sequence.
// The orchestrator is a singleton and gets the bare name.
func nextWindowName(role registry.Role, windows []tmux.Window) string {
	prefix := windowPrefix(role)
	if role == registry.RoleOrchestrator {
		return prefix
	}
	high := 0
	for _, w := range windows {
		name := strings.ToLower(w.Name)
		switch {
		case name == prefix:
			if high == 0 {
				high = 1
			}
		case strings.HasPrefix(name, prefix+"-"):
			if v, err := strconv.Atoi(name[len(prefix)+1:]); err == nil && v > high {
				high = v
			}
		}
	}
	return fmt.Sprintf("%s-%d", prefix, high+1)
}

func windowPrefix(role registry.Role) string {
	switch role {
	case registry.RoleOrchestrator:
		return "orchestrator"
	case registry.RoleProjectManager:
		return "pm"
	case registry.RoleQA:
		return "qa"
	case registry.RoleCustom:
		return "custom"
	default:
		return "worker"
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
