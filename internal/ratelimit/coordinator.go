package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/logging"
)

// Coordinator tracks the current rate-limit window. One window is active at a
// time; repeated sightings of the same limit message extend nothing.
type Coordinator struct {
	mu     sync.Mutex
	active bool
	wakeAt time.Time

	now func() time.Time
	log *logging.Logger
}

func NewCoordinator(log *logging.Logger) *Coordinator {
	return &Coordinator{
		now: time.Now,
		log: log.Component("ratelimit"),
	}
}

// Begin opens a pause window for the parsed clock. Returns the wake instant
// and whether this call actually opened the window; false means a window was
// already active and the caller should not re-notify.
func (c *Coordinator) Begin(clock Clock) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return c.wakeAt, false
	}
	c.active = true
	c.wakeAt = WakeTime(c.now(), clock)
	c.log.Info("rate limit window began",
		zap.Time("wake_at", c.wakeAt),
		zap.Duration("pause", c.wakeAt.Sub(c.now())))
	return c.wakeAt, true
}

// Window reports the active window's wake instant, if any.
func (c *Coordinator) Window() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wakeAt, c.active
}

// Expired reports whether an active window's wake instant has passed.
func (c *Coordinator) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && !c.now().Before(c.wakeAt)
}

// Clear closes the window. Returns false when none was active.
func (c *Coordinator) Clear() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return false
	}
	c.active = false
	c.log.Info("rate limit window ended", zap.Time("wake_at", c.wakeAt))
	c.wakeAt = time.Time{}
	return true
}
