package monitor

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/classify"
	"github.com/muxfleet/muxfleet/internal/events"
	"github.com/muxfleet/muxfleet/internal/health"
	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/ratelimit"
	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/target"
)

// source stamped on every event the detector emits.
const detectorSource = "monitor"

// unsubmittedStreak is how many consecutive cycles a pane must show draft
// input before it is worth an event. One cycle is usually just a human
// mid-sentence.
const unsubmittedStreak = 2

// Detector turns a cycle's health statuses into events. It keeps per-target
// streak state between cycles, so it belongs to exactly one service loop and
// is not safe for concurrent use.
type Detector struct {
	reg           *registry.Registry
	coord         *ratelimit.Coordinator
	idleThreshold int

	// streaks counts consecutive unsubmitted-input sightings per target.
	streaks map[target.Target]int
	// limited marks targets already reported rate-limited in the current
	// window, so each agent is announced at most once per window.
	limited map[target.Target]bool

	log *logging.Logger
}

// NewDetector builds a detector bound to the registry (idle counts) and the
// rate-limit coordinator (window state).
func NewDetector(reg *registry.Registry, coord *ratelimit.Coordinator, idleThreshold int, log *logging.Logger) *Detector {
	if idleThreshold < 1 {
		idleThreshold = 3
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Detector{
		reg:           reg,
		coord:         coord,
		idleThreshold: idleThreshold,
		streaks:       make(map[target.Target]int),
		limited:       make(map[target.Target]bool),
		log:           log.Component("detector"),
	}
}

// Detect walks one cycle's statuses and returns the events they warrant, in
// status order. Repeat conditions re-emit every cycle; the notification
// router's cooldowns decide what a human actually hears about.
func (d *Detector) Detect(statuses []health.Status) []*events.Event {
	var out []*events.Event

	for _, st := range statuses {
		t := st.Target

		if st.State != classify.StateUnsubmittedInput {
			delete(d.streaks, t)
		}

		switch st.State {
		case classify.StateCrashed:
			// In-grace agents surface as Active, so anything still Crashed
			// here is genuinely down.
			out = append(out, events.New(events.KindAgentCrashed,
				detectorSource, t.String(), st.Reason, nil))

		case classify.StateIdle:
			rec, ok := d.reg.Get(t)
			if !ok || rec.ConsecutiveIdleCycles < d.idleThreshold {
				break
			}
			out = append(out, events.New(events.KindAgentIdle,
				detectorSource, t.String(),
				fmt.Sprintf("no pane change for %d cycles", rec.ConsecutiveIdleCycles),
				map[string]any{"idle_cycles": rec.ConsecutiveIdleCycles}))

		case classify.StateUnsubmittedInput:
			d.streaks[t]++
			if d.streaks[t] < unsubmittedStreak {
				break
			}
			out = append(out, events.New(events.KindUnsubmittedInputDetected,
				detectorSource, t.String(), st.Reason,
				map[string]any{"streak": d.streaks[t]}))
		}

		if st.RawState == classify.StateRateLimited && st.ResetClock != nil {
			out = append(out, d.rateLimited(t, st)...)
		}
	}

	return out
}

// rateLimited handles one rate-limited sighting: the first agent to hit the
// limit opens the shared window and announces it fleet-wide; later agents in
// the same window get one per-target event each.
func (d *Detector) rateLimited(t target.Target, st health.Status) []*events.Event {
	wake, opened := d.coord.Begin(*st.ResetClock)

	if opened {
		d.limited[t] = true
		d.log.Warn("rate limit window opened",
			zap.String("target", t.String()),
			zap.Time("wake_at", wake))
		return []*events.Event{events.New(events.KindRateLimitWindowBegan,
			detectorSource, "all", st.Reason,
			map[string]any{
				"wake_at":     wake.Format(time.RFC3339),
				"detected_on": t.String(),
			})}
	}

	if d.limited[t] {
		return nil
	}
	d.limited[t] = true
	return []*events.Event{events.New(events.KindAgentRateLimited,
		detectorSource, t.String(), st.Reason,
		map[string]any{"wake_at": wake.Format(time.RFC3339)})}
}

// WindowEnded resets the per-window bookkeeping. The service calls it when
// the rate-limit window expires so the next window reports afresh.
func (d *Detector) WindowEnded() {
	d.limited = make(map[target.Target]bool)
}

// Forget drops any streak state for a target that left the fleet.
func (d *Detector) Forget(t target.Target) {
	delete(d.streaks, t)
	delete(d.limited, t)
}
