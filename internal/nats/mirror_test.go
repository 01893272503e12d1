package nats

import (
	"encoding/json"
	"testing"

	"github.com/muxfleet/muxfleet/internal/events"
	"github.com/muxfleet/muxfleet/internal/logging"
)

func TestMirrorCopiesBusEventsToStream(t *testing.T) {
	c, st := setupStreams(t)

	bus := events.NewBus(NewMirror(c, logging.Nop()))
	ev := events.New(events.KindAgentCrashed, "monitor", "proj:1", "shell prompt visible", nil)
	bus.Publish(ev)
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		stats, err := st.Stats()
		return err == nil && stats[StreamEvents].Messages == 1
	}, "event not mirrored")

	msgs, err := st.Read(StreamEvents, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if want := EventSubject(string(events.KindAgentCrashed)); msgs[0].Subject != want {
		t.Errorf("subject = %q, want %q", msgs[0].Subject, want)
	}

	var got events.Event
	if err := json.Unmarshal(msgs[0].Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != ev.ID || got.Kind != ev.Kind || got.Target != ev.Target {
		t.Errorf("event = %+v, want %+v", got, ev)
	}
}

func TestMirrorSurvivesClosedConnection(t *testing.T) {
	srv := startTestServer(t)
	c := connectTestClient(t, srv, "mirror-down")
	c.Close()

	m := NewMirror(c, logging.Nop())
	if err := m.Save(events.New(events.KindAgentIdle, "monitor", "proj:2", "", nil)); err != nil {
		t.Errorf("Save after close returned error: %v", err)
	}
}
