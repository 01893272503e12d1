package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/bridge"
	"github.com/muxfleet/muxfleet/internal/daemon"
	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/target"
)

func newOrchestratorCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "orchestrator",
		Aliases: []string{"orc"},
		Short:   "Run and schedule the orchestrator agent",
	}
	cmd.AddCommand(
		newSpawnRoleCmd(app, "start", registry.RoleOrchestrator, "Spawn the orchestrator into a session"),
		newOrchestratorStatusCmd(app),
		newOrchestratorListCmd(app),
		newOrchestratorScheduleCmd(app),
		newOrchestratorNotifyCmd(app),
		newOrchestratorBroadcastCmd(app),
		newOrchestratorKillCmd(app),
		newOrchestratorKillAllCmd(app),
	)
	return cmd
}

func newOrchestratorStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show tracked orchestrators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			orcs, live, err := roleAgents(cmd, app, "", registry.RoleOrchestrator)
			if err != nil {
				return err
			}
			data := map[string]any{"agents": orcs, "count": len(orcs), "live": live}
			return app.emit(cmd, data, func(w io.Writer) {
				if len(orcs) == 0 {
					fmt.Fprintln(w, "no orchestrator tracked")
					return
				}
				writeAgentTable(w, orcs)
			})
		},
	}
}

func newOrchestratorListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List orchestrator targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			orcs, _, err := roleAgents(cmd, app, "", registry.RoleOrchestrator)
			if err != nil {
				return err
			}
			targets := make([]string, 0, len(orcs))
			for _, rec := range orcs {
				targets = append(targets, rec.Target.String())
			}
			sort.Strings(targets)
			data := map[string]any{"targets": targets, "count": len(targets)}
			return app.emit(cmd, data, func(w io.Writer) {
				for _, t := range targets {
					fmt.Fprintln(w, t)
				}
			})
		},
	}
}

func newOrchestratorScheduleCmd(app *App) *cobra.Command {
	var targetFlag string
	cmd := &cobra.Command{
		Use:   "schedule <minutes> <note>...",
		Short: "Deliver a note to the orchestrator after a delay",
		Long: `Forks a detached helper that sleeps and then submits the note, so the
reminder survives this shell exiting. Orchestrators use it to schedule
their own check-ins.`,
		Args: cobra.MinimumNArgs(2),
		Annotations: map[string]string{
			bridge.AnnotationArgs: "minutes note",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes, err := strconv.Atoi(args[0])
			if err != nil || minutes < 0 {
				return invalidf("minutes must be a non-negative integer, got %q", args[0])
			}
			t, err := resolveOrchestrator(cmd, app, targetFlag)
			if err != nil {
				return err
			}
			cfg, err := app.Config()
			if err != nil {
				return err
			}

			note := strings.Join(args[1:], " ")
			deliverAt := time.Now().Add(time.Duration(minutes) * time.Minute)
			spawnArgs := []string{
				"orchestrator", "notify",
				"--at", strconv.FormatInt(deliverAt.Unix(), 10),
				"--target", t.String(),
			}
			if app.configDir != "" {
				spawnArgs = append(spawnArgs, "--config", app.configDir)
			}
			spawnArgs = append(spawnArgs, note)
			pid, err := daemon.Spawn(spawnArgs, cfg.DaemonOutPath())
			if err != nil {
				return err
			}

			data := map[string]any{
				"target":     t,
				"minutes":    minutes,
				"deliver_at": deliverAt.UTC().Format(time.RFC3339),
				"pid":        pid,
			}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "note scheduled for %s in %dm (pid %d)\n", t, minutes, pid)
			})
		},
	}
	cmd.Flags().StringVarP(&targetFlag, "target", "t", "", "orchestrator window, defaults to the only one tracked")
	return cmd
}

// newOrchestratorNotifyCmd is the detached half of schedule: sleep until
// the due time, then submit. Hidden; schedule forks it.
func newOrchestratorNotifyCmd(app *App) *cobra.Command {
	var (
		atUnix     int64
		targetFlag string
	)
	cmd := &cobra.Command{
		Use:    "notify",
		Hidden: true,
		Args:   cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTarget(targetFlag)
			if err != nil {
				return err
			}
			cfg, err := app.Config()
			if err != nil {
				return err
			}
			log := app.Logger().Component("schedule")

			due := time.Unix(atUnix, 0)
			if wait := time.Until(due); wait > 0 {
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(wait):
				}
			}

			sub, err := app.Submitter()
			if err != nil {
				return err
			}
			note := strings.Join(args, " ")
			outcome, err := sub.Submit(cmd.Context(), t, note, cfg.Submit.BaseDelay())
			if err != nil {
				log.WithTarget(t.String()).WithError(err).Error("scheduled note failed")
				return err
			}
			log.WithTarget(t.String()).Info("scheduled note delivered", zap.String("outcome", string(outcome)))
			return nil
		},
	}
	cmd.Flags().Int64Var(&atUnix, "at", 0, "unix time to deliver at")
	cmd.Flags().StringVar(&targetFlag, "target", "", "window to deliver to")
	return cmd
}

func newOrchestratorBroadcastCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broadcast <text>...",
		Short: "Submit the same message to every orchestrator",
		Args:  cobra.MinimumNArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationArgs: "text",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return broadcastToRole(cmd, app, "", registry.RoleOrchestrator, strings.Join(args, " "))
		},
	}
	return cmd
}

func newOrchestratorKillCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "kill [target]",
		Short: "Kill an orchestrator window",
		Args:  cobra.MaximumNArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationArgs: "target?",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var flag string
			if len(args) == 1 {
				flag = args[0]
			}
			t, err := resolveOrchestrator(cmd, app, flag)
			if err != nil {
				return err
			}
			fl, err := app.Fleet()
			if err != nil {
				return err
			}
			if err := fl.Kill(cmd.Context(), t); err != nil {
				return err
			}
			data := map[string]any{"target": t, "killed": true}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "killed %s\n", t)
			})
		},
	}
}

func newOrchestratorKillAllCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "kill-all",
		Short: "Kill every orchestrator in every session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			orcs, _, err := roleAgents(cmd, app, "", registry.RoleOrchestrator)
			if err != nil {
				return err
			}
			if len(orcs) == 0 {
				return notFoundf("no orchestrator tracked")
			}
			fl, err := app.Fleet()
			if err != nil {
				return err
			}
			sessions := map[string]bool{}
			for _, rec := range orcs {
				sessions[rec.Target.Session] = true
			}
			killed := 0
			var errs []error
			for s := range sessions {
				n, es := fl.KillAll(cmd.Context(), s, registry.RoleOrchestrator)
				killed += n
				errs = append(errs, es...)
			}
			data := map[string]any{"killed": killed, "errors": errStrings(errs)}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "killed %d orchestrators\n", killed)
				for _, e := range errs {
					fmt.Fprintf(w, "  failed: %v\n", e)
				}
			})
		},
	}
}

// resolveOrchestrator picks the orchestrator to act on: an explicit
// target wins, otherwise there must be exactly one tracked.
func resolveOrchestrator(cmd *cobra.Command, app *App, flag string) (target.Target, error) {
	if flag != "" {
		return parseTarget(flag)
	}
	orcs, _, err := roleAgents(cmd, app, "", registry.RoleOrchestrator)
	if err != nil {
		return target.Target{}, err
	}
	switch len(orcs) {
	case 0:
		return target.Target{}, notFoundf("no orchestrator tracked; pass a target")
	case 1:
		return orcs[0].Target, nil
	default:
		targets := make([]string, len(orcs))
		for i, rec := range orcs {
			targets[i] = rec.Target.String()
		}
		sort.Strings(targets)
		return target.Target{}, invalidf("multiple orchestrators tracked (%s); pass a target", strings.Join(targets, ", "))
	}
}
