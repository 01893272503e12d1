package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/bridge"
	"github.com/muxfleet/muxfleet/internal/daemon"
)

// NewRoot builds the full command tree over app. The bridge calls this per
// dispatch because cobra commands keep flag state between runs, so the
// tree itself must stay cheap to construct.
func NewRoot(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "muxfleet",
		Short: "Orchestrate a fleet of terminal-resident coding agents",
		Long: `muxfleet spawns interactive coding agents in tmux windows, watches their
panes for crashes, idleness, and rate limits, delivers messages into their
input buffers, and recovers them when they fall over. The same command
surface is exposed to the agents themselves through the tool bridge.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.BoolVar(&app.jsonMode, "json", false, "emit the response envelope on stdout")
	pf.StringVar(&app.configDir, "config", "", "config file directory (default: base path)")
	pf.BoolVar(&app.verbose, "verbose", false, "debug logging on stderr")

	root.AddCommand(
		newAgentCmd(app),
		newMonitorCmd(app),
		newTeamCmd(app),
		newSpawnCmd(app),
		newPMCmd(app),
		newOrchestratorCmd(app),
		newContextCmd(app),
		newSetupCmd(app),
		newRecoveryCmd(app),
		newSessionCmd(app),
		newPubsubCmd(app),
		newDaemonCmd(app),
		newTasksCmd(app),
		newErrorsCmd(app),
		newServerCmd(app),
		newVersionCmd(app),
	)
	return root
}

func newVersionCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the muxfleet version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data := map[string]string{
				"version": app.Version,
				"go":      runtime.Version(),
				"os":      runtime.GOOS,
				"arch":    runtime.GOARCH,
			}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "muxfleet %s (%s %s/%s)\n",
					app.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			})
		},
	}
}

// Execute runs the CLI once and returns the process exit code. Failures
// print as the envelope in JSON mode and land in the error log either way.
func Execute(ctx context.Context, version string) int {
	app := NewApp(version)
	defer app.Close()

	root := NewRoot(app)
	cmd, err := root.ExecuteContextC(ctx)
	if err == nil {
		return 0
	}

	kind := bridge.KindForError(err)
	if appendErr := app.AppendError("cli", kind.LogKind(), err.Error(), ""); appendErr != nil {
		app.Logger().Debug("error log append failed", zap.Error(appendErr))
	}

	if app.jsonMode {
		json.NewEncoder(os.Stdout).Encode(bridge.Fail(commandName(cmd), kind, err.Error()))
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	if errors.Is(err, daemon.ErrInit) {
		return daemon.ExitFatal
	}
	return 1
}
