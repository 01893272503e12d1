package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/muxfleet/muxfleet/internal/config"
	"github.com/muxfleet/muxfleet/internal/events"
	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/target"
)

// mockChannel records every Send attempt.
type mockChannel struct {
	name    string
	sendErr error
	gate    chan struct{}

	sent     atomic.Int32
	mu       sync.Mutex
	got      []Notification
	inFlight int
	peak     int
}

func newMockChannel(name string) *mockChannel {
	return &mockChannel{name: name}
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Send(ctx context.Context, n Notification) error {
	m.sent.Add(1)
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.peak {
		m.peak = m.inFlight
	}
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	m.inFlight--
	if m.sendErr == nil {
		m.got = append(m.got, n)
	}
	err := m.sendErr
	m.mu.Unlock()
	return err
}

func (m *mockChannel) sentCount() int { return int(m.sent.Load()) }

func (m *mockChannel) received() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.got...)
}

func (m *mockChannel) peakInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

type fakeHistory struct {
	mu   sync.Mutex
	recs []Record
}

func (h *fakeHistory) Save(rec Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs = append(h.recs, rec)
	return nil
}

func (h *fakeHistory) all() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Record(nil), h.recs...)
}

func notifyCfg() config.NotifyConfig {
	return config.NotifyConfig{CrashCooldownSeconds: 300, IdleCooldownSeconds: 600}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func crashNotification(tg string) Notification {
	return Notification{
		Kind:      events.KindAgentCrashed,
		Target:    tg,
		Recipient: target.New("proj", 0),
		Message:   "Agent " + tg + " crashed",
		Priority:  events.PriorityCritical,
	}
}

func TestRouterDeliversToAllChannels(t *testing.T) {
	ch1 := newMockChannel("log")
	ch2 := newMockChannel("agent")
	r := NewRouter(notifyCfg(), nil, logging.Nop(), ch1, ch2)
	defer r.Close()

	if !r.Notify(crashNotification("proj:1")) {
		t.Fatal("Notify returned false")
	}

	waitFor(t, "both channels", func() bool {
		return ch1.sentCount() == 1 && ch2.sentCount() == 1
	})

	got := ch1.received()
	if len(got) != 1 || got[0].Kind != events.KindAgentCrashed {
		t.Fatalf("received = %+v", got)
	}
	if st := r.Stats(); st.Sent != 1 {
		t.Fatalf("Sent = %d, want 1", st.Sent)
	}
}

func TestRouterAddRemoveChannel(t *testing.T) {
	r := NewRouter(notifyCfg(), nil, logging.Nop())
	defer r.Close()

	r.AddChannel(newMockChannel("log"))
	r.AddChannel(newMockChannel("bell"))
	if names := r.ChannelNames(); len(names) != 2 {
		t.Fatalf("names = %v", names)
	}

	r.RemoveChannel("log")
	names := r.ChannelNames()
	if len(names) != 1 || names[0] != "bell" {
		t.Fatalf("names = %v", names)
	}

	r.RemoveChannel("nope")
	if names := r.ChannelNames(); len(names) != 1 {
		t.Fatalf("names = %v", names)
	}
}

func TestRouterCooldownSuppresses(t *testing.T) {
	ch := newMockChannel("log")
	r := NewRouter(notifyCfg(), nil, logging.Nop(), ch)
	defer r.Close()

	base := time.Now()
	var offset atomic.Int64
	r.now = func() time.Time { return base.Add(time.Duration(offset.Load()) * time.Second) }

	if !r.Notify(crashNotification("proj:1")) {
		t.Fatal("first notify suppressed")
	}
	if r.Notify(crashNotification("proj:1")) {
		t.Fatal("duplicate inside cooldown not suppressed")
	}
	if !r.Notify(crashNotification("proj:2")) {
		t.Fatal("different target suppressed")
	}

	offset.Store(301)
	if !r.Notify(crashNotification("proj:1")) {
		t.Fatal("notify after cooldown suppressed")
	}

	if st := r.Stats(); st.Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", st.Dropped)
	}
}

func TestRouterRateLimitHeldUntilCleared(t *testing.T) {
	r := NewRouter(notifyCfg(), nil, logging.Nop(), newMockChannel("log"))
	defer r.Close()

	base := time.Now()
	var offset atomic.Int64
	r.now = func() time.Time { return base.Add(time.Duration(offset.Load()) * time.Second) }

	n := Notification{
		Kind:      events.KindRateLimitWindowBegan,
		Recipient: target.New("proj", 0),
		Message:   "usage limit reached, pausing until 16:32 UTC",
		Priority:  events.PriorityCritical,
	}

	if !r.Notify(n) {
		t.Fatal("first window notification suppressed")
	}
	offset.Store(3600)
	if r.Notify(n) {
		t.Fatal("second notification inside the window not suppressed")
	}

	r.ClearKind(events.KindRateLimitWindowBegan)
	if !r.Notify(n) {
		t.Fatal("notification after ClearKind suppressed")
	}
}

func TestRouterLedgerGC(t *testing.T) {
	r := NewRouter(notifyCfg(), nil, logging.Nop(), newMockChannel("log"))
	defer r.Close()

	base := time.Now()
	var offset atomic.Int64
	r.now = func() time.Time { return base.Add(time.Duration(offset.Load()) * time.Second) }

	r.Notify(crashNotification("proj:1"))
	r.Notify(crashNotification("proj:2"))

	r.mu.Lock()
	before := len(r.ledger)
	r.mu.Unlock()
	if before != 2 {
		t.Fatalf("ledger size = %d, want 2", before)
	}

	offset.Store(301)
	r.Notify(Notification{
		Kind:      events.KindRecoveryStarted,
		Target:    "proj:3",
		Recipient: target.New("proj", 0),
		Message:   "recovering proj:3",
	})

	r.mu.Lock()
	after := len(r.ledger)
	r.mu.Unlock()
	if after != 0 {
		t.Fatalf("ledger size after GC = %d, want 0", after)
	}
}

func TestRouterRetriesFailingChannel(t *testing.T) {
	bad := newMockChannel("agent")
	bad.sendErr = errors.New("pane gone")
	r := NewRouter(notifyCfg(), nil, logging.Nop(), bad)
	defer r.Close()

	r.Notify(crashNotification("proj:1"))

	waitFor(t, "retries", func() bool {
		return bad.sentCount() == maxSendAttempts
	})
	waitFor(t, "failure counters", func() bool {
		st := r.Stats()
		return st.Failures == 1 && st.Dropped == 1 && st.Sent == 0
	})
}

func TestRouterFailingChannelDoesNotStopOthers(t *testing.T) {
	bad := newMockChannel("agent")
	bad.sendErr = errors.New("pane gone")
	ok := newMockChannel("log")
	r := NewRouter(notifyCfg(), nil, logging.Nop(), bad, ok)
	defer r.Close()

	r.Notify(crashNotification("proj:1"))

	waitFor(t, "delivery", func() bool {
		st := r.Stats()
		return ok.sentCount() == 1 && st.Sent == 1 && st.Failures == 1
	})
}

func TestRouterSerializesPerRecipient(t *testing.T) {
	ch := newMockChannel("agent")
	r := NewRouter(notifyCfg(), nil, logging.Nop(), ch)
	defer r.Close()

	for i := 0; i < 5; i++ {
		ok := r.Notify(Notification{
			Kind:      events.KindRecoveryStarted,
			Target:    "proj:1",
			Recipient: target.New("proj", 0),
			Message:   fmt.Sprintf("m%d", i),
		})
		if !ok {
			t.Fatalf("notify %d dropped", i)
		}
	}

	waitFor(t, "all deliveries", func() bool { return ch.sentCount() == 5 })

	if peak := ch.peakInFlight(); peak != 1 {
		t.Fatalf("peak in-flight = %d, want 1", peak)
	}
	got := ch.received()
	for i, n := range got {
		if want := fmt.Sprintf("m%d", i); n.Message != want {
			t.Fatalf("got[%d].Message = %q, want %q", i, n.Message, want)
		}
	}
}

func TestRouterQueueOverflowDrops(t *testing.T) {
	ch := newMockChannel("agent")
	ch.gate = make(chan struct{})
	r := NewRouter(notifyCfg(), nil, logging.Nop(), ch)

	accepted := 0
	for i := 0; i < 40; i++ {
		if r.Notify(Notification{
			Kind:      events.KindRecoveryStarted,
			Target:    fmt.Sprintf("proj:%d", i),
			Recipient: target.New("proj", 0),
			Message:   fmt.Sprintf("m%d", i),
		}) {
			accepted++
		}
	}

	if accepted == 40 {
		t.Fatal("no notification dropped on overflow")
	}
	if accepted < queueDepth {
		t.Fatalf("accepted = %d, want >= %d", accepted, queueDepth)
	}
	if st := r.Stats(); st.Dropped != uint64(40-accepted) {
		t.Fatalf("Dropped = %d, want %d", st.Dropped, 40-accepted)
	}

	close(ch.gate)
	r.Close()
}

func TestRouterHistoryRecords(t *testing.T) {
	hist := &fakeHistory{}
	r := NewRouter(notifyCfg(), hist, logging.Nop(), newMockChannel("log"))
	defer r.Close()

	r.Notify(crashNotification("proj:1"))
	r.Notify(crashNotification("proj:1"))

	waitFor(t, "two records", func() bool { return len(hist.all()) == 2 })

	var delivered, dropped *Record
	recs := hist.all()
	for i := range recs {
		if recs[i].Dropped {
			dropped = &recs[i]
		} else {
			delivered = &recs[i]
		}
	}
	if delivered == nil || dropped == nil {
		t.Fatalf("records = %+v", recs)
	}
	if delivered.SentAt == nil || delivered.CooldownClass != "crash" {
		t.Fatalf("delivered record = %+v", *delivered)
	}
	if dropped.DropReason != "cooldown" || dropped.SentAt != nil {
		t.Fatalf("dropped record = %+v", *dropped)
	}
}

func TestRouterCloseStopsIntake(t *testing.T) {
	r := NewRouter(notifyCfg(), nil, logging.Nop(), newMockChannel("log"))
	r.Notify(crashNotification("proj:1"))
	r.Close()
	r.Close()

	if r.Notify(crashNotification("proj:2")) {
		t.Fatal("Notify accepted after Close")
	}
}
