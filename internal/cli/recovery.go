package cli

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/muxfleet/muxfleet/internal/bridge"
	"github.com/muxfleet/muxfleet/internal/recovery"
)

func newRecoveryCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Control automatic crash recovery",
	}
	cmd.AddCommand(
		newRecoveryStartCmd(app),
		newRecoveryStopCmd(app),
		newRecoveryStatusCmd(app),
		newRecoveryTestCmd(app),
	)
	return cmd
}

func newRecoveryStartCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Enable recovery and clear all crash-loop blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return toggleRecovery(cmd, app, true)
		},
	}
}

func newRecoveryStopCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Disable recovery; crashed agents stay down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return toggleRecovery(cmd, app, false)
		},
	}
}

func newRecoveryStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show recovery counters and blocked targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return reportRecovery(cmd, app)
		},
	}
}

func newRecoveryTestCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test [target]",
		Short: "Probe targets and report what recovery would do, without acting",
		Args:  cobra.MaximumNArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationArgs: "target?",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := app.Recovery()
			if err != nil {
				return err
			}
			var results []recovery.ProbeResult
			if len(args) == 1 {
				t, err := parseTarget(args[0])
				if err != nil {
					return err
				}
				res, err := mgr.Probe(cmd.Context(), t)
				if err != nil {
					return err
				}
				results = append(results, res)
			} else {
				agents, _, err := app.SnapshotAgents(cmd.Context())
				if err != nil {
					return err
				}
				for _, rec := range agents {
					res, err := mgr.Probe(cmd.Context(), rec.Target)
					if err != nil {
						continue
					}
					results = append(results, res)
				}
			}
			data := map[string]any{"probes": results, "count": len(results)}
			return app.emit(cmd, data, func(w io.Writer) {
				if len(results) == 0 {
					fmt.Fprintln(w, "nothing to probe")
					return
				}
				tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
				defer tw.Flush()
				fmt.Fprintln(tw, "TARGET\tSTATE\tWOULD RECOVER\tREASON")
				for _, r := range results {
					fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", r.Target, r.State, r.WouldRecover, r.Reason)
				}
			})
		},
	}
	return cmd
}

// toggleRecovery flips the daemon's recovery switch. Mutating state in a
// dead daemon is meaningless, so there is no local fallback.
func toggleRecovery(cmd *cobra.Command, app *App, enable bool) error {
	api, err := app.Daemon()
	if err != nil {
		return err
	}
	path := "/api/recovery/disable"
	verb := "disabled"
	if enable {
		path = "/api/recovery/enable"
		verb = "enabled"
	}
	var st recovery.Status
	if err := api.post(cmd.Context(), path, &st); err != nil {
		if errors.Is(err, errDaemonDown) {
			return backendf("daemon not running; recovery toggles need the live monitor")
		}
		return err
	}
	data := map[string]any{"enabled": st.Enabled}
	return app.emit(cmd, data, func(w io.Writer) {
		fmt.Fprintf(w, "recovery %s\n", verb)
	})
}

// reportRecovery prefers the daemon's live view and degrades to the
// configured default when it is down.
func reportRecovery(cmd *cobra.Command, app *App) error {
	api, err := app.Daemon()
	if err != nil {
		return err
	}
	var st recovery.Status
	if err := api.get(cmd.Context(), "/api/recovery", &st); err != nil {
		if !errors.Is(err, errDaemonDown) {
			return err
		}
		cfg, err := app.Config()
		if err != nil {
			return err
		}
		data := map[string]any{
			"enabled":        cfg.Recovery.Enabled,
			"daemon_running": false,
		}
		return app.emit(cmd, data, func(w io.Writer) {
			fmt.Fprintf(w, "daemon not running; recovery defaults to enabled=%v\n", cfg.Recovery.Enabled)
		})
	}

	data := map[string]any{
		"enabled":        st.Enabled,
		"recovered":      st.Recovered,
		"failed":         st.Failed,
		"targets":        st.Targets,
		"daemon_running": true,
	}
	return app.emit(cmd, data, func(w io.Writer) {
		fmt.Fprintf(w, "recovery enabled=%v (recovered %d, failed %d)\n", st.Enabled, st.Recovered, st.Failed)
		if len(st.Targets) == 0 {
			return
		}
		targets := append([]recovery.TargetStatus(nil), st.Targets...)
		sort.Slice(targets, func(i, j int) bool {
			return targets[i].Target.String() < targets[j].Target.String()
		})
		tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
		defer tw.Flush()
		fmt.Fprintln(tw, "TARGET\tRESPAWNS\tBLOCKED\tPENDING UNTIL")
		for _, t := range targets {
			pending := "-"
			if t.PendingUntil != nil {
				pending = t.PendingUntil.Format("15:04:05")
			}
			fmt.Fprintf(tw, "%s\t%d\t%v\t%s\n", t.Target, t.RespawnCount, t.Disabled, pending)
		}
	})
}
