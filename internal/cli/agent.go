package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/muxfleet/muxfleet/internal/bridge"
	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/target"
	"github.com/muxfleet/muxfleet/internal/tmux"
)

func newAgentCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect and control individual agents",
	}
	cmd.AddCommand(
		newAgentListCmd(app),
		newAgentStatusCmd(app),
		newAgentInfoCmd(app),
		newAgentSendCmd(app),
		newAgentMessageCmd(app),
		newAgentKillCmd(app),
		newAgentRestartCmd(app),
		newAgentAttachCmd(app),
		newAgentDeployCmd(app),
		newAgentKillAllCmd(app),
	)
	return cmd
}

func newAgentListCmd(app *App) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every tracked agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			recs, live, err := app.SnapshotAgents(cmd.Context())
			if err != nil {
				return err
			}
			if session != "" {
				recs = filterSession(recs, session)
			}
			data := map[string]any{"agents": recs, "count": len(recs), "live": live}
			return app.emit(cmd, data, func(w io.Writer) {
				writeAgentTable(w, recs)
				if !live {
					fmt.Fprintln(w, "(daemon not running; showing the last snapshot)")
				}
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "limit to one session")
	return cmd
}

func newAgentStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize fleet health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, live, err := app.fetchStatus(cmd.Context())
			if err != nil {
				return err
			}
			if live {
				data := map[string]any{
					"running":        true,
					"uptime_seconds": doc.UptimeSeconds,
					"fleet":          doc.Fleet,
					"monitor":        doc.Monitor,
				}
				return app.emit(cmd, data, func(w io.Writer) {
					fmt.Fprintf(w, "daemon up %s\n", formatUptime(doc.UptimeSeconds))
					writeFleetSummary(w, doc.Fleet)
				})
			}

			recs, _, err := app.SnapshotAgents(cmd.Context())
			if err != nil {
				return err
			}
			sum := summarize(recs)
			data := map[string]any{"running": false, "fleet": sum}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintln(w, "daemon not running")
				writeFleetSummary(w, sum)
			})
		},
	}
}

func newAgentInfoCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <target>",
		Short: "Show one agent's full record",
		Args:  cobra.ExactArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationTarget: "required",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTarget(args[0])
			if err != nil {
				return err
			}

			if api, err := app.Daemon(); err == nil {
				var rec registry.AgentRecord
				err := api.get(cmd.Context(), "/api/agents/"+t.String(), &rec)
				if err == nil {
					return app.emit(cmd, rec, func(w io.Writer) { writeAgentDetail(w, rec) })
				}
				if !errors.Is(err, errDaemonDown) {
					if strings.Contains(err.Error(), "not tracked") {
						return notFoundf("agent %s is not tracked", t)
					}
					return err
				}
			}

			reg, err := app.Registry()
			if err != nil {
				return err
			}
			rec, ok := reg.Get(t)
			if !ok {
				return notFoundf("agent %s is not tracked", t)
			}
			return app.emit(cmd, rec, func(w io.Writer) { writeAgentDetail(w, rec) })
		},
	}
	return cmd
}

func newAgentSendCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "send <target> <text>",
		Short: "Type raw text into an agent's pane and press Enter",
		Args:  cobra.MinimumNArgs(2),
		Annotations: map[string]string{
			bridge.AnnotationTarget: "required",
			bridge.AnnotationArgs:   "text",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			text := strings.Join(args[1:], " ")

			pl, err := app.Pool()
			if err != nil {
				return err
			}
			lease, err := pl.Acquire(cmd.Context())
			if err != nil {
				return err
			}
			defer lease.Release()

			d := lease.Driver()
			if err := d.SendKeysLiteral(cmd.Context(), t, text); err != nil {
				return err
			}
			if err := d.SendKey(cmd.Context(), t, tmux.KeyEnter); err != nil {
				return err
			}
			data := map[string]any{"target": t, "bytes": len(text)}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "sent %d bytes to %s\n", len(text), t)
			})
		},
	}
}

func newAgentMessageCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "message <target> <text>",
		Short: "Deliver a message through the verified submission protocol",
		Args:  cobra.MinimumNArgs(2),
		Annotations: map[string]string{
			bridge.AnnotationTarget: "required",
			bridge.AnnotationArgs:   "text",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			text := strings.Join(args[1:], " ")
			return submitMessage(cmd, app, t, text)
		},
	}
}

// submitMessage runs one verified submission and emits its outcome. Shared
// by agent message, pm message, and the check-in commands.
func submitMessage(cmd *cobra.Command, app *App, t target.Target, text string) error {
	cfg, err := app.Config()
	if err != nil {
		return err
	}
	sub, err := app.Submitter()
	if err != nil {
		return err
	}
	outcome, err := sub.Submit(cmd.Context(), t, text, cfg.Submit.BaseDelay())
	if err != nil {
		return err
	}
	data := map[string]any{"target": t, "outcome": outcome}
	return app.emit(cmd, data, func(w io.Writer) {
		fmt.Fprintf(w, "%s: %s\n", t, outcome)
	})
}

func newAgentKillCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <target>",
		Short: "Kill an agent window and forget its record",
		Args:  cobra.ExactArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationTarget: "required",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			mgr, err := app.Fleet()
			if err != nil {
				return err
			}
			if err := mgr.Kill(cmd.Context(), t); err != nil {
				return err
			}
			data := map[string]any{"target": t, "killed": true}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "killed %s\n", t)
			})
		},
	}
}

func newAgentRestartCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <target>",
		Short: "Respawn an agent in place and re-deliver its briefing",
		Args:  cobra.ExactArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationTarget: "required",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			mgr, err := app.Fleet()
			if err != nil {
				return err
			}
			rec, err := mgr.Restart(cmd.Context(), t)
			if err != nil {
				return err
			}
			return app.emit(cmd, rec, func(w io.Writer) {
				fmt.Fprintf(w, "restarted %s as %s\n", t, rec.Role)
			})
		},
	}
}

func newAgentAttachCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <target>",
		Short: "Attach the current terminal to an agent's window",
		Args:  cobra.ExactArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationTarget: "required",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			return attachTmux(cmd, app, t.Session, t.String())
		},
	}
}

// attachTmux hands the terminal over to tmux. In JSON mode there is no
// terminal to hand over, so the command line is returned instead.
func attachTmux(cmd *cobra.Command, app *App, session, window string) error {
	inside := os.Getenv("TMUX") != ""
	var argv []string
	switch {
	case inside && window != "":
		argv = []string{"switch-client", "-t", window}
	case inside:
		argv = []string{"switch-client", "-t", session}
	default:
		argv = []string{"attach-session", "-t", session}
	}

	if app.jsonMode {
		data := map[string]any{"command": "tmux " + strings.Join(argv, " ")}
		return app.emit(cmd, data, nil)
	}

	if !inside && window != "" {
		sel := exec.CommandContext(cmd.Context(), "tmux", "select-window", "-t", window)
		_ = sel.Run()
	}
	tm := exec.CommandContext(cmd.Context(), "tmux", argv...)
	tm.Stdin = os.Stdin
	tm.Stdout = os.Stdout
	tm.Stderr = os.Stderr
	if err := tm.Run(); err != nil {
		return backendf("tmux %s: %v", argv[0], err)
	}
	return nil
}

func newAgentDeployCmd(app *App) *cobra.Command {
	var (
		session string
		role    string
		name    string
		dir     string
		brief   string
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Spawn one agent window in a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec, err := buildSpawnSpec(session, role, name, dir, brief)
			if err != nil {
				return err
			}
			return runSpawn(cmd, app, spec)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "tmux session to spawn into (required)")
	cmd.Flags().StringVar(&role, "role", "worker", "agent role: orchestrator, pm, worker, qa, custom")
	cmd.Flags().StringVar(&name, "name", "", "window name (default: role convention)")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory for the new window")
	cmd.Flags().StringVar(&brief, "brief", "", "briefing file overriding the role briefing")
	cobra.CheckErr(cmd.MarkFlagRequired("session"))
	return cmd
}

func newAgentKillAllCmd(app *App) *cobra.Command {
	var (
		session string
		roleFil []string
	)
	cmd := &cobra.Command{
		Use:   "kill-all",
		Short: "Kill every tracked agent in a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			roles, err := parseRoles(roleFil)
			if err != nil {
				return err
			}
			mgr, err := app.Fleet()
			if err != nil {
				return err
			}
			killed, errs := mgr.KillAll(cmd.Context(), session, roles...)
			data := map[string]any{"session": session, "killed": killed, "errors": errStrings(errs)}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "killed %d agent(s) in %s\n", killed, session)
				for _, e := range errs {
					fmt.Fprintf(w, "  failed: %v\n", e)
				}
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "tmux session to clear (required)")
	cmd.Flags().StringSliceVar(&roleFil, "role", nil, "only these roles (repeatable)")
	cobra.CheckErr(cmd.MarkFlagRequired("session"))
	return cmd
}

func parseRoles(names []string) ([]registry.Role, error) {
	var out []registry.Role
	for _, n := range names {
		role, err := registry.ParseRole(n)
		if err != nil {
			return nil, invalidf("%v", err)
		}
		out = append(out, role)
	}
	return out, nil
}

func filterSession(recs []registry.AgentRecord, session string) []registry.AgentRecord {
	var out []registry.AgentRecord
	for _, r := range recs {
		if r.Target.Session == session {
			out = append(out, r)
		}
	}
	return out
}

func filterRole(recs []registry.AgentRecord, role registry.Role) []registry.AgentRecord {
	var out []registry.AgentRecord
	for _, r := range recs {
		if r.Role == role {
			out = append(out, r)
		}
	}
	return out
}

func summarize(recs []registry.AgentRecord) *fleetSummary {
	sum := &fleetSummary{States: make(map[string]int)}
	for _, r := range recs {
		sum.Agents++
		sum.States[string(r.State)]++
	}
	return sum
}

func writeAgentTable(w io.Writer, recs []registry.AgentRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no agents tracked")
		return
	}
	sorted := append([]registry.AgentRecord(nil), recs...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Target.String() < sorted[j].Target.String()
	})
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tROLE\tSTATE\tWINDOW\tIDLE")
	for _, r := range sorted {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
			r.Target, r.Role, r.State, r.WindowName, r.ConsecutiveIdleCycles)
	}
	tw.Flush()
}

func writeAgentDetail(w io.Writer, rec registry.AgentRecord) {
	fmt.Fprintf(w, "target:       %s\n", rec.Target)
	fmt.Fprintf(w, "role:         %s\n", rec.Role)
	fmt.Fprintf(w, "window:       %s\n", rec.WindowName)
	fmt.Fprintf(w, "state:        %s\n", rec.State)
	fmt.Fprintf(w, "spawned:      %s\n", rec.SpawnedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "last seen:    %s\n", rec.LastSeenAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "idle cycles:  %d\n", rec.ConsecutiveIdleCycles)
	fmt.Fprintf(w, "submissions:  %d\n", rec.SubmissionAttempts)
	fmt.Fprintf(w, "errors:       %d\n", rec.ErrorCount)
	if rec.GraceUntil != nil {
		fmt.Fprintf(w, "grace until:  %s\n", rec.GraceUntil.Format("15:04:05"))
	}
}

func writeFleetSummary(w io.Writer, sum *fleetSummary) {
	if sum == nil || sum.Agents == 0 {
		fmt.Fprintln(w, "no agents tracked")
		return
	}
	fmt.Fprintf(w, "%d agent(s):", sum.Agents)
	states := make([]string, 0, len(sum.States))
	for s := range sum.States {
		states = append(states, s)
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Fprintf(w, " %s=%d", s, sum.States[s])
	}
	fmt.Fprintln(w)
}

func formatUptime(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	return d.Round(time.Second).String()
}
