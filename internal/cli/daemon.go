package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/muxfleet/muxfleet/internal/daemon"
	"github.com/muxfleet/muxfleet/internal/logging"
)

func newDaemonCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background monitor process",
	}
	cmd.AddCommand(
		newDaemonStartCmd(app),
		newDaemonStopCmd(app),
		newDaemonStatusCmd(app),
		newDaemonRestartCmd(app),
		newDaemonLogsCmd(app),
		newDaemonRunCmd(app),
	)
	return cmd
}

func newDaemonStartCmd(app *App) *cobra.Command {
	var foreground bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon, detached from this terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if foreground {
				return runDaemon(cmd.Context(), app, true)
			}
			data, err := startDaemonProc(cmd.Context(), app)
			if err != nil {
				return err
			}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "daemon started (pid %v, api %v)\n", data["pid"], data["http"])
			})
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "run in this terminal instead of forking")
	return cmd
}

func newDaemonStopCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := stopDaemonProc(cmd.Context(), app)
			if err != nil {
				return err
			}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "daemon stopped (pid %v)\n", data["pid"])
			})
		},
	}
}

func newDaemonStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.Config()
			if err != nil {
				return err
			}
			pf := daemon.NewPIDFile(cfg.PIDPath(), app.Logger())
			pid, alive := pf.Live()

			doc, api, err := app.fetchStatus(cmd.Context())
			if err != nil {
				return err
			}
			data := map[string]any{
				"running": alive,
				"api":     api,
			}
			if alive {
				data["pid"] = pid
			}
			if api {
				data["http"] = cfg.Daemon.HTTPAddr
				data["version"] = doc.Version
				data["uptime_seconds"] = doc.UptimeSeconds
				data["nats_url"] = doc.NATSURL
			}
			return app.emit(cmd, data, func(w io.Writer) {
				switch {
				case alive && api:
					fmt.Fprintf(w, "daemon running (pid %d, up %s, api %s)\n",
						pid, formatUptime(doc.UptimeSeconds), cfg.Daemon.HTTPAddr)
				case alive:
					fmt.Fprintf(w, "daemon process alive (pid %d) but the api is not answering\n", pid)
				default:
					fmt.Fprintln(w, "daemon not running")
				}
			})
		},
	}
}

func newDaemonRestartCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop the daemon if it runs, then start it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := stopDaemonProc(cmd.Context(), app); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			data, err := startDaemonProc(cmd.Context(), app)
			if err != nil {
				return err
			}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "daemon restarted (pid %v)\n", data["pid"])
			})
		},
	}
}

func newDaemonLogsCmd(app *App) *cobra.Command {
	var (
		lines  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the tail of the daemon log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if follow && app.jsonMode {
				return invalidf("--follow streams forever and cannot be combined with --json")
			}
			cfg, err := app.Config()
			if err != nil {
				return err
			}
			tail, err := tailLines(cfg.LogPath(), lines)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return notFoundf("no log file at %s", cfg.LogPath())
				}
				return err
			}
			if follow {
				out := cmd.OutOrStdout()
				for _, l := range tail {
					fmt.Fprintln(out, l)
				}
				return followFile(cmd.Context(), cfg.LogPath(), out)
			}
			data := map[string]any{"path": cfg.LogPath(), "lines": tail}
			return app.emit(cmd, data, func(w io.Writer) {
				for _, l := range tail {
					fmt.Fprintln(w, l)
				}
			})
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 50, "how many trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing as the log grows")
	return cmd
}

// newDaemonRunCmd is the detached child's entry point. Hidden: operators
// use start, which forks this.
func newDaemonRunCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:    "run",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), app, false)
		},
	}
}

// runDaemon assembles and runs the daemon in this process. console keeps
// the terminal log core for foreground runs; detached runs log to the
// rotating file only.
func runDaemon(ctx context.Context, app *App, console bool) error {
	cfg, err := app.Config()
	if err != nil {
		return fmt.Errorf("%w: %v", daemon.ErrInit, err)
	}
	logCfg := cfg.Logging
	logCfg.File = cfg.LogPath()
	logCfg.Quiet = !console
	log, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("%w: logger: %v", daemon.ErrInit, err)
	}
	defer log.Sync()

	return daemon.New(cfg, app.Version, log).Run(ctx)
}

// startDaemonProc forks the detached daemon and waits for its API to come
// up.
func startDaemonProc(ctx context.Context, app *App) (map[string]any, error) {
	cfg, err := app.Config()
	if err != nil {
		return nil, err
	}
	pf := daemon.NewPIDFile(cfg.PIDPath(), app.Logger())
	if pid, alive := pf.Live(); alive {
		return nil, fmt.Errorf("%w (pid %d)", daemon.ErrRunning, pid)
	}

	args := []string{"daemon", "run"}
	if app.configDir != "" {
		args = append(args, "--config", app.configDir)
	}
	pid, err := daemon.Spawn(args, cfg.DaemonOutPath())
	if err != nil {
		return nil, err
	}

	data := map[string]any{"pid": pid, "http": cfg.Daemon.HTTPAddr}
	api, err := app.Daemon()
	if err != nil {
		return data, nil
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := api.get(ctx, "/api/health", nil); err == nil {
			return data, nil
		}
		select {
		case <-ctx.Done():
			return data, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	data["warning"] = "api not answering yet; check daemon logs"
	return data, nil
}

// stopDaemonProc asks the API to shut down, falling back to SIGTERM via
// the PID file. os.ErrNotExist means no daemon was running.
func stopDaemonProc(ctx context.Context, app *App) (map[string]any, error) {
	cfg, err := app.Config()
	if err != nil {
		return nil, err
	}
	pf := daemon.NewPIDFile(cfg.PIDPath(), app.Logger())
	pid, alive := pf.Live()
	grace := cfg.Monitor.ShutdownGrace() + 2*time.Second

	if api, err := app.Daemon(); err == nil {
		if err := api.post(ctx, "/api/shutdown", nil); err == nil {
			if waitGone(ctx, pf, grace) {
				return map[string]any{"pid": pid, "via": "api"}, nil
			}
		}
	}

	if !alive {
		return nil, fmt.Errorf("daemon: %w", os.ErrNotExist)
	}
	stopped, err := daemon.Stop(pf, grace)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pid": stopped, "via": "signal"}, nil
}

// waitGone polls the PID file until the process exits or the grace runs
// out.
func waitGone(ctx context.Context, pf *daemon.PIDFile, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if _, alive := pf.Live(); !alive {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	return false
}

// tailLines reads the last n lines of a file, scanning backwards in
// blocks so large logs stay cheap.
func tailLines(path string, n int) ([]string, error) {
	if n < 1 {
		n = 50
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	const block = 64 * 1024
	var (
		buf []byte
		off = info.Size()
	)
	for off > 0 && countLines(buf) <= n {
		step := int64(block)
		if off < step {
			step = off
		}
		off -= step
		chunk := make([]byte, step)
		if _, err := f.ReadAt(chunk, off); err != nil && err != io.EOF {
			return nil, err
		}
		buf = append(chunk, buf...)
	}

	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func countLines(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}

// followFile prints bytes appended to path until the context ends.
func followFile(ctx context.Context, path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(500 * time.Millisecond):
		}
		for {
			n, err := f.Read(buf)
			if n > 0 {
				w.Write(buf[:n])
			}
			if err != nil {
				break
			}
		}
	}
}
