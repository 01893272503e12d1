// Package submit implements the delivery protocol for text going into an
// interactive REPL pane: clear any half-typed input, type the payload as one
// literal block, wait for the REPL to stage it, press Enter, then capture the
// pane to verify the payload actually left the input box.
package submit

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/classify"
	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/pool"
	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/target"
	"github.com/muxfleet/muxfleet/internal/tmux"
)

// Outcome reports how a submission ended.
type Outcome string

const (
	// OutcomeDelivered means the payload was submitted and the verification
	// capture no longer shows it as draft input.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeDeliveredUnverified means Enter was pressed but the verification
	// capture failed, so submission could not be confirmed. Treated as
	// success for control flow, counted separately.
	OutcomeDeliveredUnverified Outcome = "delivered_unverified"
	// OutcomeFailed means the payload did not reach the REPL.
	OutcomeFailed Outcome = "failed"
)

const (
	// minStageDelay is the floor on the wait between typing the payload and
	// pressing Enter. The REPL needs this long to stage pasted text. Do not
	// shorten it; dropped submits come back immediately.
	minStageDelay = 3 * time.Second
	// delayFactor scales the caller's delay hint into a stage delay.
	delayFactor = 6
	// maxRetries bounds re-submission after the payload is still visible as
	// a draft.
	maxRetries = 2
	// verifyLines is how much pane tail the verification capture reads.
	verifyLines = 30
	// needleMax bounds the payload prefix searched for in the prompt box.
	// Long payloads wrap inside the frame, only the head is reliable.
	needleMax = 48
)

// Submitter drives the clear, type, wait, submit, verify sequence. Safe for
// concurrent use; every call holds its own pool lease for the duration.
type Submitter struct {
	pool       *pool.Pool
	registry   *registry.Registry
	unverified atomic.Uint64
	sleep      func(ctx context.Context, d time.Duration) error
	log        *logging.Logger
}

// New returns a Submitter drawing drivers from p. reg may be nil when
// submission bookkeeping is not wanted, every other dependency is required.
func New(p *pool.Pool, reg *registry.Registry, log *logging.Logger) *Submitter {
	if log == nil {
		log = logging.Nop()
	}
	return &Submitter{
		pool:     p,
		registry: reg,
		sleep:    sleepCtx,
		log:      log,
	}
}

// Unverified returns how many submissions passed without verification.
func (s *Submitter) Unverified() uint64 { return s.unverified.Load() }

// Submit delivers text to the REPL at t. delayHint is the caller's estimate
// of pane latency; the actual wait before Enter is max(delayHint*6, 3s) and
// doubles on each verification retry. Empty text is a no-op.
func (s *Submitter) Submit(ctx context.Context, t target.Target, text string, delayHint time.Duration) (Outcome, error) {
	if text == "" {
		return OutcomeDelivered, nil
	}

	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		s.recordError(t)
		return OutcomeFailed, fmt.Errorf("submit to %s: %w", t, err)
	}
	defer lease.Release()
	drv := lease.Driver()
	s.recordSubmission(t)

	for _, k := range []tmux.Key{tmux.KeyCtrlC, tmux.KeyCtrlU} {
		if err := drv.SendKey(ctx, t, k); err != nil {
			lease.MarkBroken()
			s.recordError(t)
			return OutcomeFailed, fmt.Errorf("submit to %s: clear input: %w", t, err)
		}
	}
	if err := drv.SendKeysLiteral(ctx, t, text); err != nil {
		lease.MarkBroken()
		s.recordError(t)
		return OutcomeFailed, fmt.Errorf("submit to %s: type payload: %w", t, err)
	}

	delay := stageDelay(delayHint)
	for attempt := 0; ; attempt++ {
		if err := s.sleep(ctx, delay); err != nil {
			s.recordError(t)
			return OutcomeFailed, fmt.Errorf("submit to %s: %w", t, err)
		}
		if err := drv.SendKey(ctx, t, tmux.KeyEnter); err != nil {
			lease.MarkBroken()
			s.recordError(t)
			return OutcomeFailed, fmt.Errorf("submit to %s: press enter: %w", t, err)
		}

		pane, err := drv.CapturePane(ctx, t, verifyLines)
		if err != nil {
			s.unverified.Add(1)
			s.log.Warn("submission unverified, capture failed",
				zap.String("target", t.String()),
				zap.Error(err))
			return OutcomeDeliveredUnverified, nil
		}
		if !stillDraft(pane, text) {
			s.log.Debug("payload submitted",
				zap.String("target", t.String()),
				zap.Int("attempt", attempt+1))
			return OutcomeDelivered, nil
		}
		if attempt == maxRetries {
			s.recordError(t)
			return OutcomeFailed, fmt.Errorf("submit to %s: payload still in prompt after %d attempts", t, attempt+1)
		}
		delay *= 2
		s.log.Debug("payload still in prompt, retrying",
			zap.String("target", t.String()),
			zap.Duration("delay", delay))
	}
}

func (s *Submitter) recordSubmission(t target.Target) {
	if s.registry != nil {
		s.registry.RecordSubmission(t)
	}
}

func (s *Submitter) recordError(t target.Target) {
	if s.registry != nil {
		s.registry.RecordError(t)
	}
}

// stageDelay converts the caller's hint into the wait between typing and
// pressing Enter.
func stageDelay(hint time.Duration) time.Duration {
	d := hint * delayFactor
	if d < minStageDelay {
		d = minStageDelay
	}
	return d
}

// stillDraft reports whether the pane's prompt box still carries the payload
// as typed but unsubmitted input.
func stillDraft(pane, text string) bool {
	content, ok := classify.PromptContent(pane)
	if !ok || content == "" {
		return false
	}
	return strings.Contains(content, needle(text))
}

// needle picks the searchable head of the payload's first line.
func needle(text string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > needleMax {
		line = line[:needleMax]
	}
	return line
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
