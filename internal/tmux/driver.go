// Package tmux provides the terminal driver: centralized tmux CLI operations
// with per-handle rate limiting so bursts of pane operations cannot lock up
// the server.
package tmux

import (
	"context"
	"errors"

	"github.com/muxfleet/muxfleet/internal/target"
)

// Key names the one special keystroke set the submitter is allowed to send.
type Key string

const (
	KeyEnter Key = "Enter"
	KeyCtrlC Key = "C-c"
	KeyCtrlU Key = "C-u"
)

// Sentinel errors. Callers distinguish a slow server from a broken one.
var (
	ErrTimeout = errors.New("tmux: command timed out")
	ErrBackend = errors.New("tmux: backend failure")
)

// Window describes one window inside a session.
type Window struct {
	Index  int
	Name   string
	Active bool
}

// Driver is the capability set the rest of the system requires from the
// terminal multiplexer. Implementations must be safe for concurrent use.
type Driver interface {
	ListSessions(ctx context.Context) ([]string, error)
	ListWindows(ctx context.Context, session string) ([]Window, error)
	CapturePane(ctx context.Context, t target.Target, maxLines int) (string, error)
	NewSession(ctx context.Context, session, cwd string) error
	NewWindow(ctx context.Context, session, name, cwd, command string) (target.Target, error)
	RespawnWindow(ctx context.Context, t target.Target, command string) error
	KillWindow(ctx context.Context, t target.Target) error
	SendKeysLiteral(ctx context.Context, t target.Target, text string) error
	SendKey(ctx context.Context, t target.Target, k Key) error
	RenameWindow(ctx context.Context, t target.Target, name string) error
	HasSession(ctx context.Context, session string) (bool, error)
	WindowExists(ctx context.Context, t target.Target) (bool, error)
	Health(ctx context.Context) bool
}
