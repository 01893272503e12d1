package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/muxfleet/muxfleet/internal/bridge"
	"github.com/muxfleet/muxfleet/internal/registry"
)

// checkinPrompt is the canonical status request. Keeping one wording
// lets project managers template their replies.
const checkinPrompt = "STATUS CHECK: reply with 1) current task 2) blockers 3) next step."

func newPMCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pm",
		Short: "Talk to project manager agents",
	}
	cmd.AddCommand(
		newPMStatusCmd(app),
		newPMMessageCmd(app),
		newPMCheckinCmd(app),
		newPMCustomCheckinCmd(app),
		newPMBroadcastCmd(app),
		newSpawnRoleCmd(app, "create", registry.RoleProjectManager, "Spawn a project manager into a session"),
	)
	return cmd
}

func newPMStatusCmd(app *App) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List tracked project managers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pms, live, err := roleAgents(cmd, app, session, registry.RoleProjectManager)
			if err != nil {
				return err
			}
			data := map[string]any{"agents": pms, "count": len(pms), "live": live}
			return app.emit(cmd, data, func(w io.Writer) {
				if len(pms) == 0 {
					fmt.Fprintln(w, "no project managers tracked")
					return
				}
				writeAgentTable(w, pms)
				if !live {
					fmt.Fprintln(w, "(daemon not running; showing the last snapshot)")
				}
			})
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "limit to one tmux session")
	return cmd
}

func newPMMessageCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "message <target> <text>...",
		Short: "Submit a message to one project manager",
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
			agents, _, err := app.SnapshotAgents(cmd.Context())
			if err != nil {
				return err
			}
			for _, rec := range agents {
				if rec.Target == t && rec.Role != registry.RoleProjectManager {
					return invalidf("%s is a %s, not a project manager", t, rec.Role)
				}
			}
			return submitMessage(cmd, app, t, strings.Join(args[1:], " "))
		},
	}
}

func newPMCheckinCmd(app *App) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "checkin",
		Short: "Ask every project manager for the canonical status check",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return broadcastToRole(cmd, app, session, registry.RoleProjectManager, checkinPrompt)
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "limit to one tmux session")
	return cmd
}

func newPMCustomCheckinCmd(app *App) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "custom-checkin <text>...",
		Short: "Ask every project manager with your own wording",
		Args:  cobra.MinimumNArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationArgs: "text",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return broadcastToRole(cmd, app, session, registry.RoleProjectManager, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "limit to one tmux session")
	return cmd
}

func newPMBroadcastCmd(app *App) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "broadcast <text>...",
		Short: "Submit the same message to every project manager",
		Args:  cobra.MinimumNArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationArgs: "text",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return broadcastToRole(cmd, app, session, registry.RoleProjectManager, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "limit to one tmux session")
	return cmd
}

// roleAgents snapshots the fleet filtered down to one role, optionally
// one session.
func roleAgents(cmd *cobra.Command, app *App, session string, role registry.Role) ([]registry.AgentRecord, bool, error) {
	agents, live, err := app.SnapshotAgents(cmd.Context())
	if err != nil {
		return nil, false, err
	}
	agents = filterRole(agents, role)
	if session != "" {
		agents = filterSession(agents, session)
	}
	return agents, live, nil
}

// broadcastToRole submits text to every tracked agent of one role,
// collecting per-target outcomes instead of stopping on the first
// failure.
func broadcastToRole(cmd *cobra.Command, app *App, session string, role registry.Role, text string) error {
	recs, _, err := roleAgents(cmd, app, session, role)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return notFoundf("no %s agents tracked", role)
	}
	cfg, err := app.Config()
	if err != nil {
		return err
	}
	sub, err := app.Submitter()
	if err != nil {
		return err
	}

	outcomes := map[string]string{}
	failures := map[string]string{}
	for _, rec := range recs {
		outcome, err := sub.Submit(cmd.Context(), rec.Target, text, cfg.Submit.BaseDelay())
		if err != nil {
			failures[rec.Target.String()] = err.Error()
			continue
		}
		outcomes[rec.Target.String()] = string(outcome)
	}
	data := map[string]any{
		"role":     role,
		"sent":     len(outcomes),
		"outcomes": outcomes,
		"failures": failures,
	}
	if session != "" {
		data["session"] = session
	}
	return app.emit(cmd, data, func(w io.Writer) {
		fmt.Fprintf(w, "delivered to %d of %d %s agents\n", len(outcomes), len(recs), role)
		targets := make([]string, 0, len(failures))
		for t := range failures {
			targets = append(targets, t)
		}
		sort.Strings(targets)
		for _, t := range targets {
			fmt.Fprintf(w, "  %s: %s\n", t, failures[t])
		}
	})
}
