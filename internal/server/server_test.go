package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/muxfleet/muxfleet/internal/config"
	"github.com/muxfleet/muxfleet/internal/events"
	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/target"
)

func startServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	srv := New(config.DaemonConfig{HTTPAddr: "127.0.0.1:0"}, deps, logging.Nop())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

func readFrame(t *testing.T, conn *websocket.Conn) FeedMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg FeedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return msg
}

func TestServerServesOverTCP(t *testing.T) {
	srv := startServer(t, Deps{Version: "test"})

	if srv.Addr() == "" {
		t.Fatal("Addr empty after Start")
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Server"); got != "muxfleet" {
		t.Errorf("Server header = %q", got)
	}
}

func TestWebSocketFeed(t *testing.T) {
	bus := events.NewBus(nil)
	reg := registry.New(3, nil, logging.Nop())
	reg.Register(target.New("proj", 1), registry.RoleWorker, "worker-auth")

	srv := startServer(t, Deps{Bus: bus, Registry: reg})

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The first frame is always the fleet snapshot.
	first := readFrame(t, conn)
	if first.Type != FeedSnapshot {
		t.Fatalf("first frame type = %q, want %q", first.Type, FeedSnapshot)
	}
	snap, _ := json.Marshal(first.Data)
	var doc statusDoc
	if err := json.Unmarshal(snap, &doc); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if doc.Fleet == nil || doc.Fleet.Agents != 1 {
		t.Errorf("snapshot fleet = %+v", doc.Fleet)
	}

	ev := events.New(events.KindAgentCrashed, "monitor", "proj:1", "shell prompt visible", nil)
	bus.Publish(ev)

	frame := readFrame(t, conn)
	if frame.Type != FeedEvent {
		t.Fatalf("frame type = %q, want %q", frame.Type, FeedEvent)
	}
	payload, _ := json.Marshal(frame.Data)
	var got events.Event
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got.ID != ev.ID || got.Kind != events.KindAgentCrashed {
		t.Errorf("event = %+v, want %+v", got, ev)
	}
}

func TestShutdownClosesFeed(t *testing.T) {
	bus := events.NewBus(nil)
	srv := New(config.DaemonConfig{HTTPAddr: "127.0.0.1:0"}, Deps{Bus: bus}, logging.Nop())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readFrame(t, conn) // snapshot

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 3; i++ {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
	t.Error("connection still delivering frames after shutdown")
}
