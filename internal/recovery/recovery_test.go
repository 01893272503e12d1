package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/muxfleet/muxfleet/internal/classify"
	"github.com/muxfleet/muxfleet/internal/config"
	"github.com/muxfleet/muxfleet/internal/events"
	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/notifications"
	"github.com/muxfleet/muxfleet/internal/pool"
	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/submit"
	"github.com/muxfleet/muxfleet/internal/target"
	"github.com/muxfleet/muxfleet/internal/tmux"
)

const (
	freshPane   = "╭────────────────────╮\n│ Welcome to Claude  │\n│ >                  │\n╰────────────────────╯"
	crashedPane = "some earlier output\nbash-5.1$ "
)

type fakeDriver struct {
	tmux.Driver
	mu         sync.Mutex
	respawns   []string
	commands   []string
	pane       string
	respawnErr error
	captureErr error
}

func (f *fakeDriver) RespawnWindow(_ context.Context, t target.Target, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.respawnErr != nil {
		return f.respawnErr
	}
	f.respawns = append(f.respawns, t.String())
	f.commands = append(f.commands, command)
	return nil
}

func (f *fakeDriver) CapturePane(_ context.Context, _ target.Target, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return "", f.captureErr
	}
	return f.pane, nil
}

func (f *fakeDriver) setPane(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pane = s
}

func (f *fakeDriver) respawned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.respawns...)
}

type fakeBriefer struct{ err error }

func (b *fakeBriefer) Briefing(role registry.Role, t target.Target) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	return fmt.Sprintf("%s briefing for %s", role, t), nil
}

type submitCall struct {
	target target.Target
	text   string
	delay  time.Duration
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []submitCall
	err   error
}

func (s *fakeSubmitter) Submit(_ context.Context, t target.Target, text string, delay time.Duration) (submit.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, submitCall{target: t, text: text, delay: delay})
	if s.err != nil {
		return submit.OutcomeFailed, s.err
	}
	return submit.OutcomeDelivered, nil
}

func (s *fakeSubmitter) all() []submitCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]submitCall(nil), s.calls...)
}

type fakeBus struct {
	mu  sync.Mutex
	evs []*events.Event
}

func (b *fakeBus) Publish(ev *events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evs = append(b.evs, ev)
}

func (b *fakeBus) kinds() []events.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Kind, len(b.evs))
	for i, ev := range b.evs {
		out[i] = ev.Kind
	}
	return out
}

func (b *fakeBus) last() *events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.evs) == 0 {
		return nil
	}
	return b.evs[len(b.evs)-1]
}

type fakeNotifier struct {
	mu  sync.Mutex
	got []notifications.Notification
}

func (n *fakeNotifier) Notify(nn notifications.Notification) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, nn)
	return true
}

func (n *fakeNotifier) all() []notifications.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifications.Notification(nil), n.got...)
}

type rig struct {
	m   *Manager
	fd  *fakeDriver
	reg *registry.Registry
	bus *fakeBus
	sub *fakeSubmitter
	nt  *fakeNotifier
	off *atomic.Int64
}

// advance moves the fake clock without sleeping.
func (r *rig) advance(d time.Duration) { r.off.Add(int64(d)) }

func newRig(t *testing.T) *rig {
	t.Helper()
	fd := &fakeDriver{pane: freshPane}

	p := pool.New(pool.Config{
		MinSize:            0,
		MaxSize:            2,
		MaxAge:             time.Hour,
		AcquisitionTimeout: 200 * time.Millisecond,
		Factory:            func() tmux.Driver { return fd },
		Logger:             logging.Nop(),
	})
	t.Cleanup(p.Close)

	reg := registry.New(3, nil, logging.Nop())
	bus := &fakeBus{}
	sub := &fakeSubmitter{}
	nt := &fakeNotifier{}

	cfg := config.RecoveryConfig{
		Enabled:            true,
		GracePeriodSeconds: 180,
		InitTimeoutSeconds: 2,
	}
	m := New(cfg, Deps{
		Pool:       p,
		Registry:   reg,
		Classifier: classify.New("claude"),
		Roles:      &fakeBriefer{},
		Submitter:  sub,
		Bus:        bus,
		Notifier:   nt,
		Launch:     "claude",
		DelayHint:  time.Second,
		Log:        logging.Nop(),
	})

	base := time.Now()
	var off atomic.Int64
	m.now = func() time.Time { return base.Add(time.Duration(off.Load())) }
	// Sleeping advances the fake clock, so init-timeout loops terminate
	// without real waiting.
	m.sleep = func(_ context.Context, d time.Duration) error {
		off.Add(int64(d))
		return nil
	}

	return &rig{m: m, fd: fd, reg: reg, bus: bus, sub: sub, nt: nt, off: &off}
}

func TestRecoverHappyPath(t *testing.T) {
	r := newRig(t)
	tg := target.New("proj", 2)
	r.reg.Register(tg, registry.RoleWorker, "worker-auth")

	if err := r.m.Recover(context.Background(), tg); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if got := r.fd.respawned(); len(got) != 1 || got[0] != "proj:2" {
		t.Fatalf("respawns = %v", got)
	}
	if r.fd.commands[0] != "claude" {
		t.Errorf("launch command = %q", r.fd.commands[0])
	}

	calls := r.sub.all()
	if len(calls) != 1 {
		t.Fatalf("submit calls = %d, want 1", len(calls))
	}
	if calls[0].target != tg || calls[0].delay != time.Second {
		t.Errorf("submit call = %+v", calls[0])
	}
	if want := "worker briefing for proj:2"; calls[0].text != want {
		t.Errorf("briefing = %q, want %q", calls[0].text, want)
	}

	if kinds := r.bus.kinds(); len(kinds) != 1 || kinds[0] != events.KindRecoveryStarted {
		t.Fatalf("events = %v", kinds)
	}

	rec, ok := r.reg.Get(tg)
	if !ok {
		t.Fatal("record gone")
	}
	if !rec.InGrace(r.m.now()) {
		t.Error("grace window not open")
	}

	st := r.m.Status()
	if len(st.Targets) != 1 || st.Targets[0].PendingUntil == nil {
		t.Fatalf("status targets = %+v", st.Targets)
	}
	if st.Targets[0].RespawnCount != 1 {
		t.Errorf("respawn count = %d", st.Targets[0].RespawnCount)
	}
}

func TestObserveCompletesRecovery(t *testing.T) {
	r := newRig(t)
	tg := target.New("proj", 2)
	r.reg.Register(tg, registry.RoleWorker, "worker-auth")
	if err := r.m.Recover(context.Background(), tg); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	// States short of settled keep the recovery pending.
	r.m.Observe(tg, classify.StateUnknown)
	if kinds := r.bus.kinds(); len(kinds) != 1 {
		t.Fatalf("events after unknown = %v", kinds)
	}

	r.m.Observe(tg, classify.StateActive)
	ev := r.bus.last()
	if ev == nil || ev.Kind != events.KindRecoveryCompleted {
		t.Fatalf("last event = %+v", ev)
	}
	if failed, _ := ev.Payload["failed"].(bool); failed {
		t.Error("completion marked failed")
	}
	if got := r.m.Status(); got.Recovered != 1 {
		t.Errorf("recovered = %d, want 1", got.Recovered)
	}

	// A second observation is a no-op once the pending entry is gone.
	r.m.Observe(tg, classify.StateActive)
	if got := r.m.Status(); got.Recovered != 1 {
		t.Errorf("recovered after repeat = %d, want 1", got.Recovered)
	}
}

func TestObserveGraceExpiry(t *testing.T) {
	r := newRig(t)
	tg := target.New("proj", 2)
	r.reg.Register(tg, registry.RoleWorker, "worker-auth")
	if err := r.m.Recover(context.Background(), tg); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	r.advance(181 * time.Second)
	r.m.Observe(tg, classify.StateCrashed)

	if kinds := r.bus.kinds(); len(kinds) != 1 {
		t.Fatalf("expiry published events: %v", kinds)
	}
	st := r.m.Status()
	if st.Recovered != 0 {
		t.Errorf("recovered = %d, want 0", st.Recovered)
	}
	for _, ts := range st.Targets {
		if ts.PendingUntil != nil {
			t.Errorf("pending survived expiry: %+v", ts)
		}
	}
}

func TestRecoverInitTimeout(t *testing.T) {
	r := newRig(t)
	r.fd.setPane(crashedPane)
	tg := target.New("proj", 2)
	r.reg.Register(tg, registry.RoleWorker, "worker-auth")
	r.reg.Register(target.New("proj", 1), registry.RoleProjectManager, "pm")

	err := r.m.Recover(context.Background(), tg)
	if err == nil || !strings.Contains(err.Error(), "no prompt within") {
		t.Fatalf("err = %v", err)
	}

	kinds := r.bus.kinds()
	if len(kinds) != 2 || kinds[0] != events.KindRecoveryStarted || kinds[1] != events.KindRecoveryCompleted {
		t.Fatalf("events = %v", kinds)
	}
	if failed, _ := r.bus.last().Payload["failed"].(bool); !failed {
		t.Error("completion not marked failed")
	}

	notes := r.nt.all()
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	if notes[0].Recipient != target.New("proj", 1) {
		t.Errorf("recipient = %s, want proj:1", notes[0].Recipient)
	}
	if !strings.Contains(notes[0].Message, "failed") {
		t.Errorf("message = %q", notes[0].Message)
	}

	if st := r.m.Status(); st.Failed != 1 {
		t.Errorf("failed = %d, want 1", st.Failed)
	}
	if rec, _ := r.reg.Get(tg); rec.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", rec.ErrorCount)
	}
	if len(r.sub.all()) != 0 {
		t.Error("briefing submitted despite init timeout")
	}
}

func TestRecoverRespawnFailure(t *testing.T) {
	r := newRig(t)
	r.fd.respawnErr = errors.New("no such window")
	tg := target.New("proj", 2)
	r.reg.Register(tg, registry.RoleWorker, "worker-auth")

	err := r.m.Recover(context.Background(), tg)
	if err == nil || !strings.Contains(err.Error(), "respawn") {
		t.Fatalf("err = %v", err)
	}
	if failed, _ := r.bus.last().Payload["failed"].(bool); !failed {
		t.Error("completion not marked failed")
	}
	if st := r.m.Status(); st.Failed != 1 {
		t.Errorf("failed = %d, want 1", st.Failed)
	}
}

func TestRecoverBriefingFailure(t *testing.T) {
	r := newRig(t)
	r.sub.err = errors.New("pane rejected input")
	tg := target.New("proj", 2)
	r.reg.Register(tg, registry.RoleWorker, "worker-auth")

	err := r.m.Recover(context.Background(), tg)
	if err == nil || !strings.Contains(err.Error(), "brief") {
		t.Fatalf("err = %v", err)
	}
	if r.bus.last().Kind != events.KindRecoveryCompleted {
		t.Fatalf("last event = %v", r.bus.last().Kind)
	}
	if failed, _ := r.bus.last().Payload["failed"].(bool); !failed {
		t.Error("completion not marked failed")
	}
}

func TestCrashLoopGuard(t *testing.T) {
	r := newRig(t)
	tg := target.New("proj", 2)
	r.reg.Register(tg, registry.RoleWorker, "worker-auth")
	r.reg.Register(target.New("proj", 1), registry.RoleProjectManager, "pm")

	for i := 0; i < maxRespawns; i++ {
		if err := r.m.Recover(context.Background(), tg); err != nil {
			t.Fatalf("Recover %d: %v", i+1, err)
		}
		r.advance(time.Second)
	}

	// The third respawn trips the guard and warns the parent.
	notes := r.nt.all()
	if len(notes) != 1 || !strings.Contains(notes[0].Message, "auto-recovery disabled") {
		t.Fatalf("notifications = %+v", notes)
	}

	err := r.m.Recover(context.Background(), tg)
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	if got := len(r.fd.respawned()); got != maxRespawns {
		t.Errorf("respawns = %d, want %d", got, maxRespawns)
	}

	st := r.m.Status()
	if len(st.Targets) != 1 || !st.Targets[0].Disabled {
		t.Fatalf("status = %+v", st.Targets)
	}

	r.m.Reset(tg)
	if err := r.m.Recover(context.Background(), tg); err != nil {
		t.Fatalf("Recover after reset: %v", err)
	}
}

func TestCrashLoopWindowExpires(t *testing.T) {
	r := newRig(t)
	tg := target.New("proj", 2)
	r.reg.Register(tg, registry.RoleWorker, "worker-auth")

	for i := 0; i < maxRespawns-1; i++ {
		if err := r.m.Recover(context.Background(), tg); err != nil {
			t.Fatalf("Recover %d: %v", i+1, err)
		}
	}
	r.advance(2 * time.Minute)

	// Counting restarts once the window has passed, so this respawn does
	// not trip the guard.
	if err := r.m.Recover(context.Background(), tg); err != nil {
		t.Fatalf("Recover after window: %v", err)
	}
	st := r.m.Status()
	if st.Targets[0].Disabled {
		t.Error("guard tripped across expired window")
	}
	if st.Targets[0].RespawnCount != 1 {
		t.Errorf("respawn count = %d, want 1", st.Targets[0].RespawnCount)
	}
}

func TestRecoverDisabled(t *testing.T) {
	r := newRig(t)
	tg := target.New("proj", 2)
	r.reg.Register(tg, registry.RoleWorker, "worker-auth")

	r.m.Disable()
	if err := r.m.Recover(context.Background(), tg); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	if r.m.Enabled() {
		t.Error("Enabled() = true after Disable")
	}

	r.m.Enable()
	if err := r.m.Recover(context.Background(), tg); err != nil {
		t.Fatalf("Recover after Enable: %v", err)
	}
}

func TestProbe(t *testing.T) {
	r := newRig(t)
	tg := target.New("proj", 2)
	r.reg.Register(tg, registry.RoleWorker, "worker-auth")
	r.fd.setPane(crashedPane)

	pr, err := r.m.Probe(context.Background(), tg)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if pr.State != classify.StateCrashed || !pr.WouldRecover {
		t.Fatalf("probe = %+v", pr)
	}

	r.m.Disable()
	pr, err = r.m.Probe(context.Background(), tg)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if pr.WouldRecover || pr.Blocked == "" {
		t.Fatalf("probe while disabled = %+v", pr)
	}

	r.m.Enable()
	r.fd.setPane(freshPane)
	pr, err = r.m.Probe(context.Background(), tg)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if pr.WouldRecover {
		t.Fatalf("fresh pane would recover: %+v", pr)
	}
}
