package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newMonitorCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Control the fleet monitor",
		Long: `The monitor lives inside the daemon: it polls every tracked window,
classifies agent state and drives notifications and recovery. These
commands start and stop that daemon and report what it sees.`,
	}
	cmd.AddCommand(
		newMonitorStartCmd(app),
		newMonitorStopCmd(app),
		newMonitorStatusCmd(app),
		newMonitorDashboardCmd(app),
		newMonitorLogsCmd(app),
		newMonitorMetricsCmd(app),
		newMonitorPerformanceCmd(app),
		newMonitorRecoveryCmd(app, "recovery-start", true),
		newMonitorRecoveryCmd(app, "recovery-stop", false),
		newMonitorRecoveryStatusCmd(app),
	)
	return cmd
}

func newMonitorStartCmd(app *App) *cobra.Command {
	var foreground bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start monitoring the fleet",
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
				fmt.Fprintf(w, "monitor started (pid %v)\n", data["pid"])
			})
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "run in this terminal instead of forking")
	return cmd
}

func newMonitorStopCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop monitoring the fleet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := stopDaemonProc(cmd.Context(), app)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return notFoundf("monitor not running")
				}
				return err
			}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintln(w, "monitor stopped")
			})
		},
	}
}

func newMonitorStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the monitor's cycle and pause state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, ok, err := app.fetchStatus(cmd.Context())
			if err != nil {
				return err
			}
			if !ok || doc.Monitor == nil {
				data := map[string]any{"running": false}
				return app.emit(cmd, data, func(w io.Writer) {
					fmt.Fprintln(w, "monitor not running")
				})
			}
			st := doc.Monitor
			data := map[string]any{
				"running":     st.Running,
				"strategy":    st.Strategy,
				"cycle_count": st.CycleCount,
				"pool":        st.Pool,
				"cache":       st.Cache,
			}
			if st.PausedUntil != nil {
				data["paused_until"] = st.PausedUntil
			}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "monitor running (strategy %s, cycle %d)\n", st.Strategy, st.CycleCount)
				if st.PausedUntil != nil {
					fmt.Fprintf(w, "  paused until %s\n", st.PausedUntil.Format("15:04:05"))
				}
				fmt.Fprintf(w, "  pool:  %d in use, %d idle\n", st.Pool.InUse, st.Pool.Available)
			})
		},
	}
}

func newMonitorDashboardCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "One-shot overview of daemon, monitor and fleet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, live, err := app.fetchStatus(cmd.Context())
			if err != nil {
				return err
			}
			agents, _, err := app.SnapshotAgents(cmd.Context())
			if err != nil {
				return err
			}
			data := map[string]any{
				"daemon_running": live,
				"agents":         agents,
				"fleet":          summarize(agents),
			}
			if live {
				data["version"] = doc.Version
				data["uptime_seconds"] = doc.UptimeSeconds
				data["monitor"] = doc.Monitor
				data["nats_url"] = doc.NATSURL
			}
			return app.emit(cmd, data, func(w io.Writer) {
				if live {
					fmt.Fprintf(w, "daemon %s, up %s\n", doc.Version, formatUptime(doc.UptimeSeconds))
					if doc.Monitor != nil {
						fmt.Fprintf(w, "monitor cycle %d (strategy %s)\n\n",
							doc.Monitor.CycleCount, doc.Monitor.Strategy)
					}
				} else {
					fmt.Fprintf(w, "daemon not running; showing the last snapshot\n\n")
				}
				writeAgentTable(w, agents)
			})
		},
	}
}

func newMonitorLogsCmd(app *App) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the tail of the monitor log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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
			data := map[string]any{"path": cfg.LogPath(), "lines": tail}
			return app.emit(cmd, data, func(w io.Writer) {
				for _, l := range tail {
					fmt.Fprintln(w, l)
				}
			})
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 50, "how many trailing lines to show")
	return cmd
}

func newMonitorMetricsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show cycle and submission counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := fetchMetrics(cmd, app)
			if err != nil {
				return err
			}
			return app.emit(cmd, data, func(w io.Writer) {
				writeKeyed(w, data)
			})
		},
	}
}

func newMonitorPerformanceCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "performance",
		Short: "Show cycle latency percentiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			all, err := fetchMetrics(cmd, app)
			if err != nil {
				return err
			}
			perf, _ := all["performance"].(map[string]any)
			if perf == nil {
				perf = map[string]any{}
			}
			return app.emit(cmd, perf, func(w io.Writer) {
				writeKeyed(w, perf)
			})
		},
	}
}

func newMonitorRecoveryCmd(app *App, use string, enable bool) *cobra.Command {
	short := "Resume automatic crash recovery"
	if !enable {
		short = "Pause automatic crash recovery"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return toggleRecovery(cmd, app, enable)
		},
	}
}

func newMonitorRecoveryStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "recovery-status",
		Short: "Show recovery counters and blocked targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return reportRecovery(cmd, app)
		},
	}
}

// fetchMetrics pulls /api/metrics from the daemon.
func fetchMetrics(cmd *cobra.Command, app *App) (map[string]any, error) {
	api, err := app.Daemon()
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := api.get(cmd.Context(), "/api/metrics", &data); err != nil {
		if errors.Is(err, errDaemonDown) {
			return nil, backendf("daemon not running; metrics live in the monitor")
		}
		return nil, err
	}
	return data, nil
}

// writeKeyed renders a flat map sorted by key, descending one level into
// nested maps.
func writeKeyed(w io.Writer, m map[string]any) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	defer tw.Flush()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := m[k].(type) {
		case map[string]any:
			fmt.Fprintf(tw, "%s:\n", k)
			inner := make([]string, 0, len(v))
			for ik := range v {
				inner = append(inner, ik)
			}
			sort.Strings(inner)
			for _, ik := range inner {
				fmt.Fprintf(tw, "  %s\t%v\n", ik, v[ik])
			}
		default:
			fmt.Fprintf(tw, "%s\t%v\n", k, v)
		}
	}
}
