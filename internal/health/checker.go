// Package health runs the per-target check pipeline: cache, single-flight,
// lease, capture, classify, registry update.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/muxfleet/muxfleet/internal/cache"
	"github.com/muxfleet/muxfleet/internal/classify"
	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/pool"
	"github.com/muxfleet/muxfleet/internal/ratelimit"
	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/target"
)

// Status is the outcome of one health check. State is the record state after
// idle promotion and grace forcing; RawState is the classifier's verdict
// before either.
type Status struct {
	Target     target.Target       `json:"target"`
	State      classify.AgentState `json:"state"`
	RawState   classify.AgentState `json:"raw_state"`
	Responsive bool                `json:"is_responsive"`
	DetectedAt time.Time           `json:"detected_at"`
	CachedFrom *time.Time          `json:"cached_from,omitempty"`
	Reason     string              `json:"reason,omitempty"`

	ResetClock *ratelimit.Clock `json:"-"`
}

// Result pairs a status with the error that produced it, if any.
type Result struct {
	Status Status
	Err    error
}

// checkTimeout bounds one full check regardless of caller cancellation; the
// single-flight result is shared, so the producer must not die with the
// first canceled caller.
const checkTimeout = 15 * time.Second

// Checker implements Check and CheckMany.
type Checker struct {
	pool         *pool.Pool
	cache        *cache.Layered
	registry     *registry.Registry
	classifier   *classify.Classifier
	flight       singleflight.Group
	sem          *semaphore.Weighted
	captureLines int
	now          func() time.Time
	log          *logging.Logger
}

// New builds a checker. maxInFlight bounds CheckMany concurrency.
func New(p *pool.Pool, c *cache.Layered, reg *registry.Registry, cls *classify.Classifier, maxInFlight, captureLines int, log *logging.Logger) *Checker {
	if maxInFlight < 1 {
		maxInFlight = 20
	}
	if captureLines < 1 {
		captureLines = 50
	}
	return &Checker{
		pool:         p,
		cache:        c,
		registry:     reg,
		classifier:   cls,
		sem:          semaphore.NewWeighted(int64(maxInFlight)),
		captureLines: captureLines,
		now:          time.Now,
		log:          log.Component("health"),
	}
}

// Check returns the health status for one target. Fresh results come from a
// pane capture; results younger than the agent_status TTL are served from
// cache with CachedFrom set.
func (c *Checker) Check(ctx context.Context, t target.Target) (Status, error) {
	if v, ok := c.cache.Get(cache.NSAgentStatus, t.String()); ok {
		cached := v.(Status)
		from := cached.DetectedAt
		cached.CachedFrom = &from
		return cached, nil
	}

	ch := c.flight.DoChan(t.String(), func() (any, error) {
		return c.checkUncached(t)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Status{Target: t}, res.Err
		}
		return res.Val.(Status), nil
	case <-ctx.Done():
		return Status{Target: t}, ctx.Err()
	}
}

// checkUncached runs the real pipeline under its own deadline.
func (c *Checker) checkUncached(t target.Target) (Status, error) {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		c.registry.RecordError(t)
		return Status{}, fmt.Errorf("health check %s: %w", t, err)
	}
	defer lease.Release()

	text, err := lease.Driver().CapturePane(ctx, t, c.captureLines)
	if err != nil {
		lease.MarkBroken()
		c.registry.RecordError(t)
		return Status{}, fmt.Errorf("health check %s: %w", t, err)
	}

	fingerprint := classify.Fingerprint(text)
	c.cache.Set(cache.NSPaneContent, t.String(), text)

	res := c.classifier.Classify(text)
	if res.NearMiss != "" {
		c.log.Info("fresh marker near miss",
			zap.String("target", t.String()),
			zap.String("marker", res.NearMiss))
	}

	status := Status{
		Target:     t,
		State:      res.State,
		RawState:   res.State,
		Responsive: true,
		DetectedAt: c.now(),
		Reason:     res.Reason,
		ResetClock: res.ResetClock,
	}

	// Tracked agents get the classification folded into their record; the
	// record state (idle promotion, grace forcing) is what callers see.
	if rec, ok := c.registry.ApplyClassification(t, res.State, fingerprint); ok {
		status.State = rec.State
		if rec.State != res.State {
			status.Reason = fmt.Sprintf("%s (record state %s)", res.Reason, rec.State)
		}
	}

	c.cache.Set(cache.NSAgentStatus, t.String(), status)
	return status, nil
}

// CheckMany checks every target with bounded concurrency. Results are in
// input order; per-target failures land in the matching Result and never
// abort the batch.
func (c *Checker) CheckMany(ctx context.Context, targets []target.Target) []Result {
	results := make([]Result, len(targets))

	var wg sync.WaitGroup
	for i, t := range targets {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			results[i] = Result{Status: Status{Target: t}, Err: err}
			continue
		}
		wg.Add(1)
		go func(i int, t target.Target) {
			defer wg.Done()
			defer c.sem.Release(1)
			st, err := c.Check(ctx, t)
			results[i] = Result{Status: st, Err: err}
		}(i, t)
	}
	wg.Wait()

	return results
}
