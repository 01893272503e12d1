package monitor

import (
	"testing"
	"time"

	"github.com/muxfleet/muxfleet/internal/classify"
	"github.com/muxfleet/muxfleet/internal/events"
	"github.com/muxfleet/muxfleet/internal/health"
	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/ratelimit"
	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/target"
)

func newTestDetector() (*Detector, *registry.Registry, *ratelimit.Coordinator) {
	reg := registry.New(3, nil, logging.Nop())
	coord := ratelimit.NewCoordinator(logging.Nop())
	return NewDetector(reg, coord, 3, logging.Nop()), reg, coord
}

func status(t target.Target, state classify.AgentState) health.Status {
	return health.Status{
		Target:     t,
		State:      state,
		RawState:   state,
		Responsive: true,
		DetectedAt: time.Now(),
	}
}

func TestDetectCrashed(t *testing.T) {
	d, reg, _ := newTestDetector()
	tg := target.New("proj", 1)
	reg.Register(tg, registry.RoleWorker, "worker-auth")

	st := status(tg, classify.StateCrashed)
	st.Reason = "shell prompt visible"

	evs := d.Detect([]health.Status{st})
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	ev := evs[0]
	if ev.Kind != events.KindAgentCrashed {
		t.Errorf("kind = %s, want %s", ev.Kind, events.KindAgentCrashed)
	}
	if ev.Target != "proj:1" {
		t.Errorf("target = %q, want proj:1", ev.Target)
	}
	if ev.Reason != "shell prompt visible" {
		t.Errorf("reason = %q", ev.Reason)
	}
	if ev.Priority != events.PriorityCritical {
		t.Errorf("priority = %d, want %d", ev.Priority, events.PriorityCritical)
	}
}

func TestDetectIdleThreshold(t *testing.T) {
	d, reg, _ := newTestDetector()
	tg := target.New("proj", 1)
	reg.Register(tg, registry.RoleWorker, "worker-auth")

	if evs := d.Detect([]health.Status{status(tg, classify.StateIdle)}); len(evs) != 0 {
		t.Fatalf("idle before threshold emitted %d events", len(evs))
	}

	// Same fingerprint across cycles drives the idle counter up to the
	// registry's promotion point.
	for i := 0; i < 4; i++ {
		reg.ApplyClassification(tg, classify.StateActive, "fp-static")
	}
	rec, _ := reg.Get(tg)
	if rec.State != classify.StateIdle {
		t.Fatalf("record state = %s after promotion, want idle", rec.State)
	}

	evs := d.Detect([]health.Status{status(tg, classify.StateIdle)})
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	if evs[0].Kind != events.KindAgentIdle {
		t.Errorf("kind = %s, want %s", evs[0].Kind, events.KindAgentIdle)
	}
	if got := evs[0].Payload["idle_cycles"]; got != 3 {
		t.Errorf("idle_cycles = %v, want 3", got)
	}
	if evs[0].Priority != events.PriorityLow {
		t.Errorf("priority = %d, want %d", evs[0].Priority, events.PriorityLow)
	}
}

func TestDetectUnsubmittedInputStreak(t *testing.T) {
	d, reg, _ := newTestDetector()
	tg := target.New("proj", 2)
	reg.Register(tg, registry.RoleWorker, "worker-auth")
	st := status(tg, classify.StateUnsubmittedInput)

	if evs := d.Detect([]health.Status{st}); len(evs) != 0 {
		t.Fatalf("single sighting emitted %d events", len(evs))
	}

	evs := d.Detect([]health.Status{st})
	if len(evs) != 1 || evs[0].Kind != events.KindUnsubmittedInputDetected {
		t.Fatalf("sustained sighting events = %+v, want one unsubmitted_input_detected", evs)
	}
	if got := evs[0].Payload["streak"]; got != 2 {
		t.Errorf("streak = %v, want 2", got)
	}

	// Any other state resets the streak.
	if evs := d.Detect([]health.Status{status(tg, classify.StateActive)}); len(evs) != 0 {
		t.Fatalf("active cycle emitted %d events", len(evs))
	}
	if evs := d.Detect([]health.Status{st}); len(evs) != 0 {
		t.Fatalf("first sighting after reset emitted %d events", len(evs))
	}
}

func TestDetectRateLimitWindow(t *testing.T) {
	d, reg, coord := newTestDetector()
	t1 := target.New("proj", 1)
	t2 := target.New("proj", 2)
	reg.Register(t1, registry.RoleWorker, "worker-auth")
	reg.Register(t2, registry.RoleWorker, "worker-billing")

	clock := ratelimit.Clock{Hour: 3}
	limited := func(tg target.Target) health.Status {
		st := status(tg, classify.StateRateLimited)
		st.Reason = "usage limit reached"
		st.ResetClock = &clock
		return st
	}

	evs := d.Detect([]health.Status{limited(t1)})
	if len(evs) != 1 || evs[0].Kind != events.KindRateLimitWindowBegan {
		t.Fatalf("first sighting events = %+v, want one rate_limit_window_began", evs)
	}
	if evs[0].Target != "all" {
		t.Errorf("window event target = %q, want all", evs[0].Target)
	}
	if wake, _ := evs[0].Payload["wake_at"].(string); wake == "" {
		t.Error("window event missing wake_at")
	}
	if evs[0].Payload["detected_on"] != "proj:1" {
		t.Errorf("detected_on = %v, want proj:1", evs[0].Payload["detected_on"])
	}

	if evs := d.Detect([]health.Status{limited(t1)}); len(evs) != 0 {
		t.Fatalf("repeat sighting of the opener emitted %d events", len(evs))
	}

	evs = d.Detect([]health.Status{limited(t2)})
	if len(evs) != 1 || evs[0].Kind != events.KindAgentRateLimited {
		t.Fatalf("second agent events = %+v, want one agent_rate_limited", evs)
	}
	if evs[0].Target != "proj:2" {
		t.Errorf("target = %q, want proj:2", evs[0].Target)
	}
	if evs := d.Detect([]health.Status{limited(t2)}); len(evs) != 0 {
		t.Fatalf("repeat sighting of second agent emitted %d events", len(evs))
	}

	// After the window closes, the next sighting opens a fresh one.
	coord.Clear()
	d.WindowEnded()
	evs = d.Detect([]health.Status{limited(t1)})
	if len(evs) != 1 || evs[0].Kind != events.KindRateLimitWindowBegan {
		t.Fatalf("post-window events = %+v, want one rate_limit_window_began", evs)
	}
}

func TestDetectRateLimitNeedsClock(t *testing.T) {
	d, reg, _ := newTestDetector()
	tg := target.New("proj", 1)
	reg.Register(tg, registry.RoleWorker, "worker-auth")

	st := status(tg, classify.StateRateLimited)
	st.ResetClock = nil
	if evs := d.Detect([]health.Status{st}); len(evs) != 0 {
		t.Fatalf("clockless rate limit emitted %d events", len(evs))
	}
}

func TestForgetResetsStreak(t *testing.T) {
	d, reg, _ := newTestDetector()
	tg := target.New("proj", 2)
	reg.Register(tg, registry.RoleWorker, "worker-auth")
	st := status(tg, classify.StateUnsubmittedInput)

	d.Detect([]health.Status{st})
	d.Forget(tg)
	if evs := d.Detect([]health.Status{st}); len(evs) != 0 {
		t.Fatalf("sighting after Forget emitted %d events", len(evs))
	}
	if evs := d.Detect([]health.Status{st}); len(evs) != 1 {
		t.Fatalf("second sighting after Forget emitted %d events, want 1", len(evs))
	}
}
