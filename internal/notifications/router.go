package notifications

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/config"
	"github.com/muxfleet/muxfleet/internal/events"
	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/target"
)

const (
	// maxSendAttempts bounds retries for one channel delivery.
	maxSendAttempts = 3
	// sendTimeout bounds one channel attempt. Wide enough for the agent
	// channel, whose submit protocol sleeps several seconds.
	sendTimeout = 30 * time.Second
	// queueDepth is the per-recipient buffer. Overflow drops, never blocks.
	queueDepth = 32
	// rateLimitHold keeps once-per-window kinds in the ledger until the
	// window ends and ClearKind releases them. 24h matches the longest
	// possible pause.
	rateLimitHold = 24 * time.Hour
)

// Stats counts router activity since start.
type Stats struct {
	Sent     uint64 `json:"sent"`
	Dropped  uint64 `json:"dropped"`
	Failures uint64 `json:"failures"`
}

type ledgerKey struct {
	kind   events.Kind
	target string
}

// Router queues notifications per recipient and fans each one out to every
// channel. A (kind, target) pair notifies at most once per its class
// cooldown; everything else is dropped and counted.
type Router struct {
	mu       sync.Mutex
	channels []Channel
	ledger   map[ledgerKey]time.Time
	queues   map[target.Target]chan Notification
	closed   bool

	crashCooldown time.Duration
	idleCooldown  time.Duration

	wg       sync.WaitGroup
	history  History
	sent     atomic.Uint64
	dropped  atomic.Uint64
	failures atomic.Uint64
	now      func() time.Time
	log      *logging.Logger
}

// NewRouter builds a router with cfg's cooldowns. history may be nil;
// channels can be added later with AddChannel.
func NewRouter(cfg config.NotifyConfig, history History, log *logging.Logger, channels ...Channel) *Router {
	if log == nil {
		log = logging.Nop()
	}
	crash := cfg.CrashCooldown()
	if crash <= 0 {
		crash = 5 * time.Minute
	}
	idle := cfg.IdleCooldown()
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Router{
		channels:      append([]Channel(nil), channels...),
		ledger:        make(map[ledgerKey]time.Time),
		queues:        make(map[target.Target]chan Notification),
		crashCooldown: crash,
		idleCooldown:  idle,
		history:       history,
		now:           time.Now,
		log:           log,
	}
}

// AddChannel registers an additional delivery channel.
func (r *Router) AddChannel(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
}

// RemoveChannel drops the channel with the given name.
func (r *Router) RemoveChannel(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	filtered := r.channels[:0]
	for _, ch := range r.channels {
		if ch.Name() != name {
			filtered = append(filtered, ch)
		}
	}
	r.channels = filtered
}

// ChannelNames lists the registered channels.
func (r *Router) ChannelNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.channels))
	for i, ch := range r.channels {
		names[i] = ch.Name()
	}
	return names
}

// Notify queues n for delivery. Returns false when n was dropped: cooldown
// still open, queue full, or router closed. Never blocks the caller.
func (r *Router) Notify(n Notification) bool {
	now := r.now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.gcLocked(now)

	key := ledgerKey{kind: n.Kind, target: n.Target}
	if hold := r.holdFor(n.Kind); hold > 0 {
		if last, ok := r.ledger[key]; ok && now.Sub(last) < hold {
			r.mu.Unlock()
			r.dropped.Add(1)
			r.record(n, nil, "cooldown")
			r.log.Debug("notification suppressed by cooldown",
				zap.String("kind", string(n.Kind)),
				zap.String("target", n.Target))
			return false
		}
		r.ledger[key] = now
	}
	q := r.queueLocked(n.Recipient)
	r.mu.Unlock()

	select {
	case q <- n:
		return true
	default:
		r.dropped.Add(1)
		r.record(n, nil, "queue full")
		r.log.Warn("notification queue full, dropping",
			zap.String("kind", string(n.Kind)),
			zap.String("recipient", n.Recipient.String()))
		return false
	}
}

// ClearKind forgets all ledger entries of the given kind. The monitor calls
// this when a rate-limit window ends so the next window notifies again.
func (r *Router) ClearKind(kind events.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.ledger {
		if key.kind == kind {
			delete(r.ledger, key)
		}
	}
}

// Stats returns delivery counters.
func (r *Router) Stats() Stats {
	return Stats{
		Sent:     r.sent.Load(),
		Dropped:  r.dropped.Load(),
		Failures: r.failures.Load(),
	}
}

// Close drains the queues and stops the workers. No Notify after Close.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, q := range r.queues {
		close(q)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// holdFor returns the dedup window for kind, zero for uncooled kinds.
func (r *Router) holdFor(kind events.Kind) time.Duration {
	switch ClassOf(kind) {
	case ClassCrash:
		return r.crashCooldown
	case ClassIdle:
		return r.idleCooldown
	case ClassRateLimit:
		return rateLimitHold
	default:
		return 0
	}
}

// queueLocked returns the recipient's queue, starting its drain worker on
// first use. Per-recipient workers keep deliveries to one pane serialized.
func (r *Router) queueLocked(rcpt target.Target) chan Notification {
	q, ok := r.queues[rcpt]
	if !ok {
		q = make(chan Notification, queueDepth)
		r.queues[rcpt] = q
		r.wg.Add(1)
		go r.drain(q)
	}
	return q
}

func (r *Router) drain(q chan Notification) {
	defer r.wg.Done()
	for n := range q {
		r.deliver(n)
	}
}

func (r *Router) deliver(n Notification) {
	r.mu.Lock()
	channels := make([]Channel, len(r.channels))
	copy(channels, r.channels)
	r.mu.Unlock()

	delivered := false
	for _, ch := range channels {
		if err := r.send(ch, n); err != nil {
			r.failures.Add(1)
			r.log.Warn("notification channel failed",
				zap.String("channel", ch.Name()),
				zap.String("kind", string(n.Kind)),
				zap.Error(err))
			continue
		}
		delivered = true
	}

	if !delivered {
		r.dropped.Add(1)
		reason := "all channels failed"
		if len(channels) == 0 {
			reason = "no channels"
		}
		r.record(n, nil, reason)
		return
	}
	r.sent.Add(1)
	sentAt := r.now()
	r.record(n, &sentAt, "")
}

// send tries one channel with bounded retries.
func (r *Router) send(ch Channel, n Notification) error {
	var err error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err = ch.Send(ctx, n)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}

// gcLocked removes ledger entries whose cooldown has fully elapsed.
func (r *Router) gcLocked(now time.Time) {
	for key, last := range r.ledger {
		hold := r.holdFor(key.kind)
		if hold > 0 && now.Sub(last) >= hold {
			delete(r.ledger, key)
		}
	}
}

func (r *Router) record(n Notification, sentAt *time.Time, dropReason string) {
	if r.history == nil {
		return
	}
	rec := Record{
		Kind:          n.Kind,
		Target:        n.Target,
		Recipient:     n.Recipient.String(),
		Message:       n.Message,
		CooldownClass: string(ClassOf(n.Kind)),
		CreatedAt:     n.CreatedAt,
		SentAt:        sentAt,
		Dropped:       sentAt == nil,
		DropReason:    dropReason,
	}
	if err := r.history.Save(rec); err != nil {
		r.log.Warn("saving notification record", zap.Error(err))
	}
}
