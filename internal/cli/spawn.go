package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/muxfleet/muxfleet/internal/fleet"
	"github.com/muxfleet/muxfleet/internal/registry"
)

func newSpawnCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Spawn agents by role",
	}
	cmd.AddCommand(
		newSpawnRoleCmd(app, "agent", registry.RoleWorker, "Spawn a worker agent"),
		newSpawnRoleCmd(app, "pm", registry.RoleProjectManager, "Spawn a project manager"),
		newSpawnRoleCmd(app, "orchestrator", registry.RoleOrchestrator, "Spawn an orchestrator"),
	)
	return cmd
}

func newSpawnRoleCmd(app *App, use string, role registry.Role, short string) *cobra.Command {
	var (
		session string
		name    string
		dir     string
		brief   string
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec, err := buildSpawnSpec(session, string(role), name, dir, brief)
			if err != nil {
				return err
			}
			spec.Role = role
			return runSpawn(cmd, app, spec)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "tmux session to spawn into (required)")
	cmd.Flags().StringVar(&name, "name", "", "window name (default: role convention)")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory for the new window")
	cmd.Flags().StringVar(&brief, "brief", "", "briefing file overriding the role briefing")
	cobra.CheckErr(cmd.MarkFlagRequired("session"))
	return cmd
}

// buildSpawnSpec assembles a spawn spec from the shared flag set. A
// briefing file's front matter fills in role and window name when the
// flags leave them out.
func buildSpawnSpec(session, role, name, dir, brief string) (fleet.Spec, error) {
	parsed, err := registry.ParseRole(role)
	if err != nil {
		return fleet.Spec{}, invalidf("%v", err)
	}
	spec := fleet.Spec{
		Session: session,
		Role:    parsed,
		Name:    name,
		Dir:     dir,
	}
	if brief != "" {
		b, err := fleet.LoadBrief(brief)
		if err != nil {
			return fleet.Spec{}, invalidf("%v", err)
		}
		spec.Briefing = b.Body
		if spec.Name == "" {
			spec.Name = b.Window
		}
		if role == "" || role == "worker" {
			if b.Role != "" {
				spec.Role = b.Role
			}
		}
	}
	return spec, nil
}

// runSpawn executes one spawn and emits the new record. A briefing
// delivery failure leaves a valid window behind, so it is reported in the
// payload rather than failing the command.
func runSpawn(cmd *cobra.Command, app *App, spec fleet.Spec) error {
	mgr, err := app.Fleet()
	if err != nil {
		return err
	}
	rec, err := mgr.Spawn(cmd.Context(), spec)
	if err != nil {
		if rec.Target.IsZero() {
			return err
		}
		data := map[string]any{"agent": rec, "warning": err.Error()}
		return app.emit(cmd, data, func(w io.Writer) {
			fmt.Fprintf(w, "spawned %s as %s (warning: %v)\n", rec.Target, rec.Role, err)
		})
	}
	return app.emit(cmd, rec, func(w io.Writer) {
		fmt.Fprintf(w, "spawned %s as %s\n", rec.Target, rec.Role)
	})
}
