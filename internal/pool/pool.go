// Package pool maintains a bounded set of terminal driver handles. Every
// component that talks to tmux borrows a handle through a scoped lease; the
// pool is the only owner of raw handles.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/tmux"
)

var (
	// ErrExhausted is returned when no handle frees up within the
	// acquisition timeout.
	ErrExhausted = errors.New("pool: exhausted")
	// ErrClosed is returned for acquisitions after Close.
	ErrClosed = errors.New("pool: closed")
)

// Factory creates a fresh driver handle.
type Factory func() tmux.Driver

// Config bounds the pool.
type Config struct {
	MinSize            int
	MaxSize            int
	MaxAge             time.Duration
	AcquisitionTimeout time.Duration
	SweepInterval      time.Duration
	Factory            Factory
	Logger             *logging.Logger
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	Created   uint64 `json:"created"`
	Reused    uint64 `json:"reused"`
	Recycled  uint64 `json:"recycled"`
	Timeouts  uint64 `json:"timeouts"`
	InUse     int    `json:"in_use"`
	Available int    `json:"available"`
}

type handle struct {
	driver    tmux.Driver
	createdAt time.Time
}

// Pool hands out leases over at most MaxSize concurrent handles.
type Pool struct {
	cfg Config
	log *logging.Logger

	// idle holds parked handles; slots holds one token per live handle.
	idle  chan *handle
	slots chan struct{}

	created  atomic.Uint64
	reused   atomic.Uint64
	recycled atomic.Uint64
	timeouts atomic.Uint64

	closed      atomic.Bool
	sweepCancel context.CancelFunc
	wg          sync.WaitGroup
}

// New builds the pool and prewarms MinSize handles. Call Close when done.
func New(cfg Config) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.MinSize < 0 {
		cfg.MinSize = 0
	}
	if cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = cfg.MaxSize
	}
	if cfg.AcquisitionTimeout <= 0 {
		cfg.AcquisitionTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	p := &Pool{
		cfg:   cfg,
		log:   cfg.Logger.Component("pool"),
		idle:  make(chan *handle, cfg.MaxSize),
		slots: make(chan struct{}, cfg.MaxSize),
	}

	for i := 0; i < cfg.MinSize; i++ {
		p.slots <- struct{}{}
		p.idle <- p.newHandle()
	}

	if cfg.SweepInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		p.sweepCancel = cancel
		p.wg.Add(1)
		go p.sweep(ctx)
	}

	return p
}

func (p *Pool) newHandle() *handle {
	p.created.Add(1)
	return &handle{driver: p.cfg.Factory(), createdAt: time.Now()}
}

// destroy frees the capacity token held by h.
func (p *Pool) destroy(h *handle) {
	<-p.slots
}

// Acquire returns a lease within the acquisition timeout, preferring idle
// handles over creating new ones.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	select {
	case h := <-p.idle:
		p.reused.Add(1)
		return &Lease{pool: p, h: h, acquiredAt: time.Now()}, nil
	default:
	}

	select {
	case p.slots <- struct{}{}:
		return &Lease{pool: p, h: p.newHandle(), acquiredAt: time.Now()}, nil
	default:
	}

	timer := time.NewTimer(p.cfg.AcquisitionTimeout)
	defer timer.Stop()

	select {
	case h := <-p.idle:
		p.reused.Add(1)
		return &Lease{pool: p, h: h, acquiredAt: time.Now()}, nil
	case p.slots <- struct{}{}:
		return &Lease{pool: p, h: p.newHandle(), acquiredAt: time.Now()}, nil
	case <-timer.C:
		p.timeouts.Add(1)
		return nil, ErrExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// put parks a handle after use, destroying it when the pool is closed or the
// handle aged out.
func (p *Pool) put(h *handle) {
	if p.closed.Load() {
		p.destroy(h)
		return
	}
	if p.cfg.MaxAge > 0 && time.Since(h.createdAt) > p.cfg.MaxAge {
		p.recycled.Add(1)
		p.destroy(h)
		return
	}
	select {
	case p.idle <- h:
	default:
		// idle is sized MaxSize so this only happens after Close drained slots
		p.destroy(h)
	}
}

// Evict destroys a leased handle instead of returning it. Used when the
// driver reported a backend failure.
func (p *Pool) evictHandle(h *handle) {
	p.recycled.Add(1)
	p.destroy(h)
}

// sweep periodically health-checks idle handles, drops unhealthy ones, and
// refills to MinSize.
func (p *Pool) sweep(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepOnce(ctx)
		}
	}
}

func (p *Pool) sweepOnce(ctx context.Context) {
	var keep []*handle
	for {
		select {
		case h := <-p.idle:
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			healthy := h.driver.Health(checkCtx)
			cancel()
			if healthy {
				keep = append(keep, h)
			} else {
				p.log.Warn("evicting unhealthy handle", zap.Duration("age", time.Since(h.createdAt)))
				p.recycled.Add(1)
				p.destroy(h)
			}
		default:
			for _, h := range keep {
				p.idle <- h
			}
			p.refill()
			return
		}
	}
}

func (p *Pool) refill() {
	for len(p.idle) < p.cfg.MinSize {
		select {
		case p.slots <- struct{}{}:
			p.idle <- p.newHandle()
		default:
			return
		}
	}
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	available := len(p.idle)
	return Stats{
		Created:   p.created.Load(),
		Reused:    p.reused.Load(),
		Recycled:  p.recycled.Load(),
		Timeouts:  p.timeouts.Load(),
		InUse:     len(p.slots) - available,
		Available: available,
	}
}

// Close stops the sweeper and destroys idle handles. Outstanding leases are
// destroyed as they are released.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	if p.sweepCancel != nil {
		p.sweepCancel()
	}
	p.wg.Wait()

	for {
		select {
		case h := <-p.idle:
			p.destroy(h)
		default:
			return
		}
	}
}

// Lease is a scoped borrow of one driver handle. Release is idempotent and
// must run on every exit path.
type Lease struct {
	pool       *Pool
	h          *handle
	acquiredAt time.Time
	once       sync.Once
	evict      atomic.Bool
}

// Driver exposes the borrowed handle.
func (l *Lease) Driver() tmux.Driver { return l.h.driver }

// Age returns how long the underlying handle has existed.
func (l *Lease) Age() time.Duration { return time.Since(l.h.createdAt) }

// MarkBroken flags the handle so Release destroys it instead of parking it.
func (l *Lease) MarkBroken() { l.evict.Store(true) }

// Release returns the handle to the pool.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.evict.Load() {
			l.pool.evictHandle(l.h)
			return
		}
		l.pool.put(l.h)
	})
}
