package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/muxfleet/muxfleet/internal/metrics"
	"github.com/muxfleet/muxfleet/internal/monitor"
	"github.com/muxfleet/muxfleet/internal/nats"
	"github.com/muxfleet/muxfleet/internal/store"
	"github.com/muxfleet/muxfleet/internal/target"
	"github.com/muxfleet/muxfleet/internal/tasks"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// checkOrigin admits same-origin requests (no Origin header, CLI clients) and
// browsers on loopback hosts. The daemon binds loopback; anything else is a
// cross-site page poking at a local port.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// handleWebSocket upgrades the connection and attaches it to the event feed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, feedBufferSize),
	}
	s.hub.register <- c

	// New clients get the fleet snapshot before any live events.
	if data, err := json.Marshal(FeedMessage{Type: FeedSnapshot, Data: s.statusDoc()}); err == nil {
		select {
		case c.send <- data:
		default:
		}
	}

	go c.readPump()
	go c.writePump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, map[string]any{
		"status":         "ok",
		"version":        s.deps.Version,
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

// statusDoc is the body of /api/status and the WebSocket snapshot frame.
type statusDoc struct {
	Version       string          `json:"version,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	Clients       int             `json:"ws_clients"`
	NATSURL       string          `json:"nats_url,omitempty"`
	Monitor       *monitor.Status `json:"monitor,omitempty"`
	Fleet         *fleetSummary   `json:"fleet,omitempty"`
}

type fleetSummary struct {
	Agents int            `json:"agents"`
	States map[string]int `json:"states"`
}

func (s *Server) statusDoc() statusDoc {
	doc := statusDoc{
		Version:       s.deps.Version,
		StartedAt:     s.startedAt,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Clients:       s.hub.ClientCount(),
		NATSURL:       s.deps.NATSURL,
	}
	if s.deps.Monitor != nil {
		st := s.deps.Monitor.Status()
		doc.Monitor = &st
	}
	if s.deps.Registry != nil {
		sum := fleetSummary{States: make(map[string]int)}
		for _, rec := range s.deps.Registry.SnapshotAll() {
			sum.Agents++
			sum.States[string(rec.State)]++
		}
		doc.Fleet = &sum
	}
	return doc
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, s.statusDoc())
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		s.respondError(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}
	s.respondJSON(w, s.deps.Registry.SnapshotAll())
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		s.respondError(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}
	t, err := target.Parse(mux.Vars(r)["target"])
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, ok := s.deps.Registry.Get(t)
	if !ok {
		s.respondError(w, http.StatusNotFound, "agent not tracked")
		return
	}
	s.respondJSON(w, rec)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Streams == nil {
		s.respondError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	limit := queryInt(r, "limit", 20)
	msgs, err := s.deps.Streams.Read(nats.StreamEvents, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, map[string]any{"events": msgs, "count": len(msgs)})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		s.respondError(w, http.StatusServiceUnavailable, "metrics unavailable")
		return
	}
	sum := s.deps.Metrics.Summary()
	perf := s.deps.Metrics.Performance()
	payload := map[string]any{
		"summary":     sum,
		"performance": perf,
	}
	if s.deps.Alerts != nil {
		alerts := s.deps.Alerts.Check(sum, perf)
		if alerts == nil {
			alerts = []metrics.Alert{}
		}
		payload["alerts"] = alerts
	}
	s.respondJSON(w, payload)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	filter := store.TaskFilter{
		Status:          tasks.Status(r.URL.Query().Get("status")),
		AssignedTo:      r.URL.Query().Get("assigned_to"),
		Source:          tasks.Source(r.URL.Query().Get("source")),
		IncludeArchived: r.URL.Query().Get("include_archived") == "true",
	}
	ts, err := s.deps.Store.ListTasks(filter)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, map[string]any{"tasks": ts, "count": len(ts)})
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	filter := store.ErrorFilter{
		Component: r.URL.Query().Get("component"),
		Kind:      r.URL.Query().Get("kind"),
		Limit:     queryInt(r, "limit", 50),
	}
	recs, err := s.deps.Store.ListErrors(filter)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, map[string]any{"errors": recs, "count": len(recs)})
}

func (s *Server) handleErrorSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	sum, err := s.deps.Store.SummarizeErrors()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, sum)
}

func (s *Server) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Streams == nil {
		s.respondError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	stats, err := s.deps.Streams.Stats()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, stats)
}

func (s *Server) handleRecoveryStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recovery == nil {
		s.respondError(w, http.StatusServiceUnavailable, "recovery unavailable")
		return
	}
	s.respondJSON(w, s.deps.Recovery.Status())
}

func (s *Server) handleRecoveryEnable(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recovery == nil {
		s.respondError(w, http.StatusServiceUnavailable, "recovery unavailable")
		return
	}
	s.deps.Recovery.Enable()
	s.respondJSON(w, s.deps.Recovery.Status())
}

func (s *Server) handleRecoveryDisable(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recovery == nil {
		s.respondError(w, http.StatusServiceUnavailable, "recovery unavailable")
		return
	}
	s.deps.Recovery.Disable()
	s.respondJSON(w, s.deps.Recovery.Status())
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, map[string]string{"status": "stopping"})
	s.RequestShutdown()
}

func (s *Server) respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
