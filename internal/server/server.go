package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/config"
	"github.com/muxfleet/muxfleet/internal/events"
	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/metrics"
	"github.com/muxfleet/muxfleet/internal/monitor"
	"github.com/muxfleet/muxfleet/internal/nats"
	"github.com/muxfleet/muxfleet/internal/recovery"
	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/store"
)

// StatusSource reports the monitor loop state.
type StatusSource interface {
	Status() monitor.Status
}

// EventSource reads persisted messages and stream state from the backbone.
type EventSource interface {
	Read(stream string, limit int) ([]nats.StoredMessage, error)
	Stats() (map[string]nats.StreamStats, error)
}

// RecoveryControl is the slice of the recovery manager the API drives.
type RecoveryControl interface {
	Enable()
	Disable()
	Status() recovery.Status
}

// Deps is the daemon state the API exposes. Nil fields disable their routes
// with 503 instead of failing startup; a daemon with a broken broker still
// answers status queries.
type Deps struct {
	Registry *registry.Registry
	Monitor  StatusSource
	Metrics  *metrics.Collector
	Alerts   *metrics.AlertEngine
	Store    *store.Store
	Streams  EventSource
	Recovery RecoveryControl
	Bus      *events.Bus
	Version  string
	// NATSURL is the embedded broker's client URL, for CLI pubsub commands.
	NATSURL string
}

// Server is the daemon's HTTP and WebSocket surface.
type Server struct {
	cfg  config.DaemonConfig
	deps Deps
	log  *logging.Logger

	router *mux.Router
	hub    *Hub
	http   *http.Server
	ln     net.Listener

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// ShutdownRequested closes when a client POSTs /api/shutdown. The daemon
	// listens on it next to its signal channel.
	ShutdownRequested chan struct{}
	shutdownOnce      sync.Once
}

// New builds the server. Start binds the listener.
func New(cfg config.DaemonConfig, deps Deps, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	s := &Server{
		cfg:               cfg,
		deps:              deps,
		log:               log.Component("server"),
		hub:               NewHub(),
		ShutdownRequested: make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(securityHeaders)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/agents", s.handleListAgents).Methods("GET")
	api.HandleFunc("/agents/{target}", s.handleGetAgent).Methods("GET")
	api.HandleFunc("/events", s.handleRecentEvents).Methods("GET")
	api.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	api.HandleFunc("/tasks", s.handleListTasks).Methods("GET")
	api.HandleFunc("/errors", s.handleListErrors).Methods("GET")
	api.HandleFunc("/errors/summary", s.handleErrorSummary).Methods("GET")
	api.HandleFunc("/streams", s.handleStreamStats).Methods("GET")
	api.HandleFunc("/recovery", s.handleRecoveryStatus).Methods("GET")
	api.HandleFunc("/recovery/enable", s.handleRecoveryEnable).Methods("POST")
	api.HandleFunc("/recovery/disable", s.handleRecoveryDisable).Methods("POST")
	api.HandleFunc("/shutdown", s.handleShutdown).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start binds the configured address and begins serving. It returns once the
// listener is up; Addr reports the bound address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.startedAt = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(ctx)
	}()

	if s.deps.Bus != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pumpEvents(ctx)
		}()
	}

	s.http = &http.Server{Handler: s.router}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve failed", zap.Error(err))
		}
	}()

	s.log.Info("api listening", zap.String("addr", s.Addr()))
	return nil
}

// Addr returns the bound listen address, empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the listener, the hub, and the event pump.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("api stopped")
	return err
}

// RequestShutdown signals the daemon to stop. Safe to call more than once.
func (s *Server) RequestShutdown() {
	s.shutdownOnce.Do(func() { close(s.ShutdownRequested) })
}

// pumpEvents forwards every bus event to connected WebSocket clients.
func (s *Server) pumpEvents(ctx context.Context) {
	ch := s.deps.Bus.Subscribe("all", nil)
	defer s.deps.Bus.Unsubscribe("all", ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.hub.BroadcastEvent(ev)
		}
	}
}
