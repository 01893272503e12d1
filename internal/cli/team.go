package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/muxfleet/muxfleet/internal/bridge"
	"github.com/muxfleet/muxfleet/internal/fleet"
	"github.com/muxfleet/muxfleet/internal/registry"
)

func newTeamCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "team",
		Short: "Deploy and manage whole agent teams",
	}
	cmd.AddCommand(
		newTeamDeployCmd(app),
		newTeamListCmd(app),
		newTeamStatusCmd(app),
		newTeamBroadcastCmd(app),
		newTeamRecoverCmd(app),
	)
	return cmd
}

func newTeamDeployCmd(app *App) *cobra.Command {
	var (
		layoutPath   string
		session      string
		dir          string
		orchestrator bool
		pm           bool
		workers      int
		qa           int
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Spawn a full team into one session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				layout *fleet.Layout
				err    error
			)
			if layoutPath != "" {
				layout, err = fleet.LoadLayout(layoutPath)
				if err != nil {
					return invalidf("layout %s: %v", layoutPath, err)
				}
				if session != "" {
					layout.Session = session
				}
			} else {
				if session == "" {
					return invalidf("either --session or --layout is required")
				}
				layout = &fleet.Layout{
					Session:        session,
					Dir:            dir,
					Orchestrator:   orchestrator,
					ProjectManager: pm,
					Workers:        workers,
					QA:             qa,
				}
			}
			if err := layout.Validate(); err != nil {
				return invalidf("layout: %v", err)
			}

			fl, err := app.Fleet()
			if err != nil {
				return err
			}
			deployed, errs := fl.Deploy(cmd.Context(), layout)
			data := map[string]any{
				"session":  layout.Session,
				"planned":  layout.Size(),
				"deployed": deployed,
				"errors":   errStrings(errs),
			}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "deployed %d/%d agents into %s\n", len(deployed), layout.Size(), layout.Session)
				for _, rec := range deployed {
					fmt.Fprintf(w, "  %s  %s\n", rec.Target, rec.Role)
				}
				for _, e := range errs {
					fmt.Fprintf(w, "  failed: %v\n", e)
				}
			})
		},
	}
	cmd.Flags().StringVar(&layoutPath, "layout", "", "YAML layout file describing the team")
	cmd.Flags().StringVarP(&session, "session", "s", "", "tmux session to deploy into")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory for every member")
	cmd.Flags().BoolVar(&orchestrator, "orchestrator", false, "include an orchestrator")
	cmd.Flags().BoolVar(&pm, "pm", true, "include a project manager")
	cmd.Flags().IntVar(&workers, "workers", 3, "number of workers")
	cmd.Flags().IntVar(&qa, "qa", 0, "number of qa agents")
	return cmd
}

func newTeamListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List teams grouped by session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agents, live, err := app.SnapshotAgents(cmd.Context())
			if err != nil {
				return err
			}
			bySession := map[string][]registry.AgentRecord{}
			for _, rec := range agents {
				bySession[rec.Target.Session] = append(bySession[rec.Target.Session], rec)
			}
			teams := make([]map[string]any, 0, len(bySession))
			sessions := make([]string, 0, len(bySession))
			for s := range bySession {
				sessions = append(sessions, s)
			}
			sort.Strings(sessions)
			for _, s := range sessions {
				members := bySession[s]
				roles := map[string]int{}
				for _, rec := range members {
					roles[string(rec.Role)]++
				}
				teams = append(teams, map[string]any{
					"session": s,
					"size":    len(members),
					"roles":   roles,
				})
			}
			data := map[string]any{"teams": teams, "count": len(teams), "live": live}
			return app.emit(cmd, data, func(w io.Writer) {
				if len(teams) == 0 {
					fmt.Fprintln(w, "no teams")
					return
				}
				for _, t := range teams {
					roles := t["roles"].(map[string]int)
					parts := make([]string, 0, len(roles))
					for r := range roles {
						parts = append(parts, r)
					}
					sort.Strings(parts)
					for i, r := range parts {
						parts[i] = fmt.Sprintf("%s=%d", r, roles[r])
					}
					fmt.Fprintf(w, "%s: %d agents (%s)\n", t["session"], t["size"], strings.Join(parts, ", "))
				}
				if !live {
					fmt.Fprintln(w, "(daemon not running; showing the last snapshot)")
				}
			})
		},
	}
}

func newTeamStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status <target>",
		Short: "Show every member of the target's team",
		Args:  cobra.ExactArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationTarget: "required",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			agents, live, err := app.SnapshotAgents(cmd.Context())
			if err != nil {
				return err
			}
			members := filterSession(agents, t.Session)
			if len(members) == 0 {
				return notFoundf("no agents tracked in session %s", t.Session)
			}
			data := map[string]any{
				"session": t.Session,
				"agents":  members,
				"fleet":   summarize(members),
				"live":    live,
			}
			return app.emit(cmd, data, func(w io.Writer) {
				writeAgentTable(w, members)
				if !live {
					fmt.Fprintln(w, "(daemon not running; showing the last snapshot)")
				}
			})
		},
	}
}

func newTeamBroadcastCmd(app *App) *cobra.Command {
	var (
		session string
		roles   []string
	)
	cmd := &cobra.Command{
		Use:   "broadcast <text>...",
		Short: "Submit the same message to every team member",
		Args:  cobra.MinimumNArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationArgs: "text",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if session == "" {
				return invalidf("--session is required")
			}
			only, err := parseRoles(roles)
			if err != nil {
				return err
			}
			fl, err := app.Fleet()
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			sent, errs := fl.Broadcast(cmd.Context(), session, text, only...)
			data := map[string]any{
				"session": session,
				"sent":    sent,
				"errors":  errStrings(errs),
			}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "delivered to %d agents in %s\n", sent, session)
				for _, e := range errs {
					fmt.Fprintf(w, "  failed: %v\n", e)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "tmux session holding the team")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "limit to these roles")
	return cmd
}

func newTeamRecoverCmd(app *App) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Probe a team and respawn its crashed members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if session == "" {
				return invalidf("--session is required")
			}
			mgr, err := app.Recovery()
			if err != nil {
				return err
			}
			// The operator asked explicitly, so a disabled config does
			// not block this run.
			mgr.Enable()

			agents, _, err := app.SnapshotAgents(cmd.Context())
			if err != nil {
				return err
			}
			members := filterSession(agents, session)
			if len(members) == 0 {
				return notFoundf("no agents tracked in session %s", session)
			}

			var recovered, skipped []string
			failed := map[string]string{}
			for _, rec := range members {
				res, err := mgr.Probe(cmd.Context(), rec.Target)
				if err != nil {
					failed[rec.Target.String()] = err.Error()
					continue
				}
				if !res.WouldRecover {
					skipped = append(skipped, rec.Target.String())
					continue
				}
				if err := mgr.Recover(cmd.Context(), rec.Target); err != nil {
					failed[rec.Target.String()] = err.Error()
					continue
				}
				recovered = append(recovered, rec.Target.String())
			}
			data := map[string]any{
				"session":   session,
				"recovered": recovered,
				"skipped":   skipped,
				"failed":    failed,
			}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "recovered %d, skipped %d, failed %d\n",
					len(recovered), len(skipped), len(failed))
				for _, t := range recovered {
					fmt.Fprintf(w, "  respawned %s\n", t)
				}
				for t, msg := range failed {
					fmt.Fprintf(w, "  %s: %s\n", t, msg)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "tmux session holding the team")
	return cmd
}
