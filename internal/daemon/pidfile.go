package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/muxfleet/muxfleet/internal/logging"
)

// ErrRunning is returned by Acquire when a live daemon already holds the
// PID file.
var ErrRunning = errors.New("daemon already running")

// PIDFile guards single-instance startup. The file holds nothing but the
// decimal PID; stale files, including ones whose PID was reused by an
// unrelated process, are removed silently.
type PIDFile struct {
	path string
	log  *logging.Logger
}

// NewPIDFile watches path. Nothing is written until Acquire.
func NewPIDFile(path string, log *logging.Logger) *PIDFile {
	if log == nil {
		log = logging.Nop()
	}
	return &PIDFile{path: path, log: log.Component("daemon")}
}

// Path returns the file location.
func (p *PIDFile) Path() string { return p.path }

// Read returns the recorded PID. os.ErrNotExist passes through so callers
// can distinguish "no daemon" from a corrupt file.
func (p *PIDFile) Read() (int, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("corrupt pid file %s: %q", p.path, strings.TrimSpace(string(raw)))
	}
	return pid, nil
}

// Acquire claims the file for pid. A live holder yields ErrRunning wrapped
// with its PID; stale and corrupt files are removed first.
func (p *PIDFile) Acquire(pid int) error {
	if old, err := p.Read(); err == nil {
		if p.alive(old) {
			return fmt.Errorf("%w (pid %d)", ErrRunning, old)
		}
		p.log.Warn("removing stale pid file", zap.Int("pid", old), zap.String("path", p.path))
		_ = os.Remove(p.path)
	} else if !errors.Is(err, os.ErrNotExist) {
		p.log.Warn("removing unreadable pid file", zap.String("path", p.path), zap.Error(err))
		_ = os.Remove(p.path)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Release removes the file. Safe when it is already gone.
func (p *PIDFile) Release() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// Live reports whether the file names a process that is both running and
// ours. Used by status and start without claiming anything.
func (p *PIDFile) Live() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	if !p.alive(pid) {
		return pid, false
	}
	return pid, true
}

// alive checks liveness with signal 0, then guards against PID reuse by
// comparing the /proc comm name with our own. Hosts without /proc skip the
// name check.
func (p *PIDFile) alive(pid int) bool {
	if err := unix.Kill(pid, 0); err != nil {
		// EPERM means the process exists but belongs to someone else;
		// that cannot be a daemon we started.
		return false
	}
	comm, err := processComm(pid)
	if err != nil {
		return true
	}
	return comm == selfComm()
}

// processComm reads the kernel's short process name, truncated to 15 bytes.
func processComm(pid int) (string, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// selfComm mirrors the kernel truncation applied to our own binary name.
func selfComm() string {
	name := filepath.Base(os.Args[0])
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}
