package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Spawn re-executes the current binary with args in a new session, detached
// from the caller's terminal, with both output streams appended to logPath.
// It returns the child PID; the child is released, not waited on.
func Spawn(args []string, logPath string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locate executable: %w", err)
	}

	sink, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open daemon log: %w", err)
	}
	defer sink.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release daemon process: %w", err)
	}
	return pid, nil
}

// Stop sends SIGTERM to the PID file holder and waits up to grace for it to
// exit. Returns the signalled PID.
func Stop(pidfile *PIDFile, grace time.Duration) (int, error) {
	pid, live := pidfile.Live()
	if !live {
		return 0, os.ErrNotExist
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return pid, fmt.Errorf("signal daemon %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); err != nil {
			return pid, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return pid, fmt.Errorf("daemon %d still running after %s", pid, grace)
}
