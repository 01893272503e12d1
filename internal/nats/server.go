// Package nats runs the fleet's message backbone: an embedded NATS server
// with JetStream, a reconnecting client, and the streams that carry events,
// chat, and presence. The daemon owns the server; every other process (CLI,
// bridge, dashboards) connects as a client.
package nats

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/logging"
)

const (
	maxPayload   = 1024 * 1024
	readyTimeout = 10 * time.Second
)

// ServerConfig holds the embedded broker settings.
type ServerConfig struct {
	Port     int    // 0 picks an ephemeral port
	StoreDir string // JetStream storage directory
}

// Server wraps an embedded NATS server bound to loopback.
type Server struct {
	cfg ServerConfig
	log *logging.Logger

	mu      sync.Mutex
	srv     *server.Server
	running bool
}

// NewServer validates cfg and prepares a server. Start actually binds.
func NewServer(cfg ServerConfig, log *logging.Logger) (*Server, error) {
	if cfg.StoreDir == "" {
		return nil, errors.New("nats: StoreDir is required")
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Server{cfg: cfg, log: log.Component("nats")}, nil
}

// Start binds the broker and waits for it to accept connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("nats: server already running")
	}

	port := s.cfg.Port
	if port == 0 {
		port = -1 // ephemeral
	}
	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       port,
		JetStream:  true,
		StoreDir:   s.cfg.StoreDir,
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: maxPayload,
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("nats: create server: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(readyTimeout) {
		srv.Shutdown()
		return errors.New("nats: server not ready for connections")
	}

	s.srv = srv
	s.running = true
	s.log.Info("broker started",
		zap.String("url", srv.ClientURL()),
		zap.String("store_dir", s.cfg.StoreDir))
	return nil
}

// Shutdown stops the broker and waits for it to wind down.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.srv == nil {
		return
	}
	s.srv.Shutdown()
	s.srv.WaitForShutdown()
	s.srv = nil
	s.running = false
	s.log.Info("broker stopped")
}

// ClientURL returns the URL clients should dial, empty until started.
func (s *Server) ClientURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return ""
	}
	return s.srv.ClientURL()
}

// Running reports whether the broker is up.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
