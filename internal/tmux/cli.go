package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/target"
)

const (
	defaultMinOpInterval  = 50 * time.Millisecond
	defaultCommandTimeout = 10 * time.Second
	defaultCaptureLines   = 50
)

// runFunc executes one tmux invocation. Swapped out in tests.
type runFunc func(ctx context.Context, args ...string) ([]byte, error)

// CLIDriver shells out to the tmux binary. One CLIDriver is one pool handle;
// the mutex serializes its outbound calls and enforces the minimum interval.
type CLIDriver struct {
	mu             sync.Mutex
	lastOp         time.Time
	minOpInterval  time.Duration
	commandTimeout time.Duration
	run            runFunc
	log            *logging.Logger
}

// NewCLIDriver builds a driver handle. Handles are created by the pool, not
// shared as singletons.
func NewCLIDriver(log *logging.Logger) *CLIDriver {
	d := &CLIDriver{
		minOpInterval:  defaultMinOpInterval,
		commandTimeout: defaultCommandTimeout,
		log:            log.Component("tmux"),
	}
	d.run = d.execRun
	return d
}

// waitForInterval enforces the minimum spacing between outbound calls.
// Called with the mutex held.
func (d *CLIDriver) waitForInterval() {
	elapsed := time.Since(d.lastOp)
	if elapsed < d.minOpInterval {
		time.Sleep(d.minOpInterval - elapsed)
	}
	d.lastOp = time.Now()
}

func (d *CLIDriver) execRun(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	return cmd.CombinedOutput()
}

// command runs one tmux call under the handle lock with the hard timeout.
func (d *CLIDriver) command(ctx context.Context, args ...string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.waitForInterval()

	ctx, cancel := context.WithTimeout(ctx, d.commandTimeout)
	defer cancel()

	output, err := d.run(ctx, args...)
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w after %v: tmux %s", ErrTimeout, d.commandTimeout, strings.Join(args, " "))
	}
	if err != nil {
		return output, fmt.Errorf("%w: tmux %s: %v (output: %s)", ErrBackend, args[0], err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// ListSessions returns all session names. A missing tmux server means an
// empty fleet, not an error.
func (d *CLIDriver) ListSessions(ctx context.Context) ([]string, error) {
	output, err := d.command(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if isNoServer(output) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line != "" {
			sessions = append(sessions, line)
		}
	}
	return sessions, nil
}

// ListWindows returns the windows of one session in index order.
func (d *CLIDriver) ListWindows(ctx context.Context, session string) ([]Window, error) {
	output, err := d.command(ctx, "list-windows", "-t", "="+session,
		"-F", "#{window_index}\t#{window_name}\t#{window_active}")
	if err != nil {
		return nil, err
	}

	var windows []Window
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		idx, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		windows = append(windows, Window{Index: idx, Name: parts[1], Active: parts[2] == "1"})
	}
	return windows, nil
}

// CapturePane returns the most recent rendered lines of the target's pane.
func (d *CLIDriver) CapturePane(ctx context.Context, t target.Target, maxLines int) (string, error) {
	if maxLines <= 0 {
		maxLines = defaultCaptureLines
	}
	output, err := d.command(ctx, "capture-pane", "-p", "-t", t.String(), "-S", fmt.Sprintf("-%d", maxLines))
	if err != nil {
		return "", fmt.Errorf("capture %s: %w", t, err)
	}
	return string(output), nil
}

// NewSession creates a detached session. An already-existing session is
// not an error; callers use this as an ensure step before NewWindow.
func (d *CLIDriver) NewSession(ctx context.Context, session, cwd string) error {
	args := []string{"new-session", "-d", "-s", session}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	output, err := d.command(ctx, args...)
	if err != nil {
		if strings.Contains(string(output), "duplicate session") {
			return nil
		}
		return fmt.Errorf("new session %s: %w", session, err)
	}
	d.log.Info("session created", zap.String("session", session))
	return nil
}

// NewWindow creates a window in session and returns its target.
func (d *CLIDriver) NewWindow(ctx context.Context, session, name, cwd, command string) (target.Target, error) {
	args := []string{"new-window", "-t", "=" + session, "-P", "-F", "#{session_name}:#{window_index}"}
	if name != "" {
		args = append(args, "-n", name)
	}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if command != "" {
		args = append(args, command)
	}

	output, err := d.command(ctx, args...)
	if err != nil {
		return target.Target{}, fmt.Errorf("new window in %s: %w", session, err)
	}

	wire := strings.TrimSpace(string(output))
	t, err := target.Parse(wire)
	if err != nil {
		return target.Target{}, fmt.Errorf("parse new-window output %q: %w", wire, err)
	}

	d.log.Info("window created", zap.String("target", t.String()))
	return t, nil
}

// RespawnWindow restarts the window's command in place, keeping its index.
func (d *CLIDriver) RespawnWindow(ctx context.Context, t target.Target, command string) error {
	args := []string{"respawn-window", "-k", "-t", t.String()}
	if command != "" {
		args = append(args, command)
	}
	if _, err := d.command(ctx, args...); err != nil {
		return fmt.Errorf("respawn %s: %w", t, err)
	}
	d.log.Info("window respawned", zap.String("target", t.String()))
	return nil
}

// KillWindow closes the target's window.
func (d *CLIDriver) KillWindow(ctx context.Context, t target.Target) error {
	if _, err := d.command(ctx, "kill-window", "-t", t.String()); err != nil {
		return fmt.Errorf("kill %s: %w", t, err)
	}
	d.log.Info("window killed", zap.String("target", t.String()))
	return nil
}

// SendKeysLiteral types text into the pane without interpreting key names.
// Empty text is a no-op.
func (d *CLIDriver) SendKeysLiteral(ctx context.Context, t target.Target, text string) error {
	if text == "" {
		return nil
	}
	if _, err := d.command(ctx, "send-keys", "-t", t.String(), "-l", "--", text); err != nil {
		return fmt.Errorf("send literal to %s: %w", t, err)
	}
	return nil
}

// SendKey sends one named key.
func (d *CLIDriver) SendKey(ctx context.Context, t target.Target, k Key) error {
	if _, err := d.command(ctx, "send-keys", "-t", t.String(), string(k)); err != nil {
		return fmt.Errorf("send %s to %s: %w", k, t, err)
	}
	return nil
}

// RenameWindow renames the target's window.
func (d *CLIDriver) RenameWindow(ctx context.Context, t target.Target, name string) error {
	if _, err := d.command(ctx, "rename-window", "-t", t.String(), name); err != nil {
		return fmt.Errorf("rename %s: %w", t, err)
	}
	return nil
}

// HasSession reports whether the named session exists. The = prefix forces
// exact matching; without it tmux matches by prefix.
func (d *CLIDriver) HasSession(ctx context.Context, session string) (bool, error) {
	output, err := d.command(ctx, "has-session", "-t", "="+session)
	if err != nil {
		if isNoServer(output) || isUnknownTarget(output) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// WindowExists reports whether the target's window exists.
func (d *CLIDriver) WindowExists(ctx context.Context, t target.Target) (bool, error) {
	output, err := d.command(ctx, "display-message", "-p", "-t", t.String(), "#{window_index}")
	if err != nil {
		if isNoServer(output) || isUnknownTarget(output) {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(string(output)) == strconv.Itoa(t.Window), nil
}

// Health probes the tmux binary. A missing server still counts as healthy;
// an unresponsive binary does not.
func (d *CLIDriver) Health(ctx context.Context) bool {
	_, err := d.command(ctx, "-V")
	return err == nil
}

func isNoServer(output []byte) bool {
	s := string(output)
	return strings.Contains(s, "no server running") || strings.Contains(s, "error connecting to")
}

func isUnknownTarget(output []byte) bool {
	s := string(output)
	return strings.Contains(s, "can't find session") ||
		strings.Contains(s, "can't find window") ||
		strings.Contains(s, "session not found")
}
