package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/tmux"
)

// fakeDriver embeds the interface so only the methods the pool touches need
// real bodies; anything else panics, which is what a test wants.
type fakeDriver struct {
	tmux.Driver
	healthy atomic.Bool
}

func newFakeDriver(healthy bool) *fakeDriver {
	d := &fakeDriver{}
	d.healthy.Store(healthy)
	return d
}

func (d *fakeDriver) Health(ctx context.Context) bool { return d.healthy.Load() }

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.Factory == nil {
		cfg.Factory = func() tmux.Driver { return newFakeDriver(true) }
	}
	cfg.Logger = logging.Nop()
	p := New(cfg)
	t.Cleanup(p.Close)
	return p
}

func TestAcquireReuse(t *testing.T) {
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 2, AcquisitionTimeout: time.Second})

	l1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	d := l1.Driver()
	l1.Release()

	l2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	defer l2.Release()

	if l2.Driver() != d {
		t.Error("released handle was not reused")
	}
	if s := p.Stats(); s.Reused < 1 {
		t.Errorf("stats reused = %d, want >= 1", s.Reused)
	}
}

func TestAcquireTimeout(t *testing.T) {
	p := newTestPool(t, Config{MinSize: 0, MaxSize: 1, AcquisitionTimeout: 50 * time.Millisecond})

	l1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l1.Release()

	start := time.Now()
	_, err = p.Acquire(context.Background())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("timed out after %v, want >= 50ms", elapsed)
	}
	if s := p.Stats(); s.Timeouts != 1 {
		t.Errorf("stats timeouts = %d, want 1", s.Timeouts)
	}
}

func TestConcurrencyBound(t *testing.T) {
	const maxSize = 5
	var inUse, peak atomic.Int64

	p := newTestPool(t, Config{
		MinSize:            0,
		MaxSize:            maxSize,
		AcquisitionTimeout: 2 * time.Second,
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			defer l.Release()

			cur := inUse.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inUse.Add(-1)
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > maxSize {
		t.Errorf("peak concurrent leases = %d, want <= %d", got, maxSize)
	}
}

func TestMaxAgeRecycle(t *testing.T) {
	p := newTestPool(t, Config{MinSize: 0, MaxSize: 2, MaxAge: time.Millisecond, AcquisitionTimeout: time.Second})

	l, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	l.Release()

	if s := p.Stats(); s.Recycled != 1 {
		t.Errorf("stats recycled = %d, want 1", s.Recycled)
	}
	if s := p.Stats(); s.Available != 0 {
		t.Errorf("aged-out handle was parked, available = %d", s.Available)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	p := newTestPool(t, Config{MinSize: 0, MaxSize: 1, AcquisitionTimeout: time.Second})

	l, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l.Release()
	l.Release()

	if s := p.Stats(); s.Available != 1 {
		t.Errorf("double release corrupted pool, available = %d", s.Available)
	}
}

func TestMarkBrokenEvicts(t *testing.T) {
	p := newTestPool(t, Config{MinSize: 0, MaxSize: 1, AcquisitionTimeout: time.Second})

	l, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l.MarkBroken()
	l.Release()

	if s := p.Stats(); s.Available != 0 {
		t.Errorf("broken handle was parked, available = %d", s.Available)
	}
	if s := p.Stats(); s.Recycled != 1 {
		t.Errorf("stats recycled = %d, want 1", s.Recycled)
	}

	// The slot freed up, so a new handle can be created.
	l2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after evict: %v", err)
	}
	l2.Release()
}

func TestCloseRejectsAcquire(t *testing.T) {
	p := New(Config{MinSize: 1, MaxSize: 2, AcquisitionTimeout: time.Second,
		Factory: func() tmux.Driver { return newFakeDriver(true) }, Logger: logging.Nop()})
	p.Close()

	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestSweeperEvictsUnhealthy(t *testing.T) {
	sick := newFakeDriver(false)
	first := true
	p := newTestPool(t, Config{
		MinSize:            1,
		MaxSize:            2,
		AcquisitionTimeout: time.Second,
		SweepInterval:      10 * time.Millisecond,
		Factory: func() tmux.Driver {
			if first {
				first = false
				return sick
			}
			return newFakeDriver(true)
		},
	})

	// Give the sweeper a few ticks to evict the sick handle and refill.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s := p.Stats()
		if s.Recycled >= 1 && s.Available >= 1 {
			l, err := p.Acquire(context.Background())
			if err != nil {
				t.Fatalf("acquire after sweep: %v", err)
			}
			defer l.Release()
			if l.Driver() == sick {
				t.Fatal("sweeper handed back the unhealthy handle")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sweeper never replaced unhealthy handle; stats %+v", p.Stats())
}

func TestContextCancelDuringAcquire(t *testing.T) {
	p := newTestPool(t, Config{MinSize: 0, MaxSize: 1, AcquisitionTimeout: 5 * time.Second})

	l, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := p.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
