package cli

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/bridge"
	"github.com/muxfleet/muxfleet/internal/setup"
)

func newServerCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Expose the command tree as MCP tools",
		Long: `Coding agents drive muxfleet through the Model Context Protocol: each
command group becomes one tool, and calls run in-process through the
same command tree the terminal uses.`,
	}
	cmd.AddCommand(
		newServerStartCmd(app),
		newServerStatusCmd(app),
		newServerToolsCmd(app),
		newServerSetupCmd(app),
		newServerToggleCmd(app),
	)
	return cmd
}

func newServerStartCmd(app *App) *cobra.Command {
	var httpAddr string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Serve MCP on stdio, or HTTP with --http",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := buildBridge(app)
			if err != nil {
				return err
			}
			log := app.Logger().Component("server")
			srv := bridge.NewServer(b, app.Version, log)

			if httpAddr == "" {
				if app.jsonMode {
					return invalidf("the tool server owns stdio and cannot start inside a tool call")
				}
				return srv.ServeStdio(cmd.Context())
			}

			hs := &http.Server{Addr: httpAddr, Handler: srv.Handler()}
			go func() {
				<-cmd.Context().Done()
				hs.Close()
			}()
			log.Info("http transport ready", zap.String("addr", httpAddr))
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "serve streamable HTTP on this address instead of stdio")
	return cmd
}

func newServerStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what the tool server would expose",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := buildBridge(app)
			if err != nil {
				return err
			}
			descs := b.Descriptors()
			actions := 0
			for _, d := range descs {
				actions += len(d.Actions)
			}
			data := map[string]any{
				"version": app.Version,
				"groups":  len(descs),
				"actions": actions,
			}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "muxfleet %s: %d tool groups, %d actions\n", app.Version, len(descs), actions)
			})
		},
	}
}

func newServerToolsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List every tool group and its actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := buildBridge(app)
			if err != nil {
				return err
			}
			descs := b.Descriptors()
			data := map[string]any{"tools": descs, "count": len(descs)}
			return app.emit(cmd, data, func(w io.Writer) {
				for _, d := range descs {
					names := make([]string, len(d.Actions))
					for i, a := range d.Actions {
						names[i] = a.Name
						if a.RequiresTarget {
							names[i] += "*"
						}
					}
					fmt.Fprintf(w, "%s: %s\n", d.Group, strings.Join(names, ", "))
				}
				fmt.Fprintln(w, "(* needs a target)")
			})
		},
	}
}

func newServerSetupCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Register the tool server in this project's .mcp.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exe, err := selfPath()
			if err != nil {
				return err
			}
			path, err := setup.WriteProjectMCP(workDir(), exe)
			if err != nil {
				return err
			}
			return emitWritten(cmd, app, path)
		},
	}
}

func newServerToggleCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <client>",
		Short: "Enable or disable the server in a client config",
		Args:  cobra.ExactArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationArgs: "client",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := selfPath()
			if err != nil {
				return err
			}
			path, enabled, err := setup.ToggleClient(args[0], workDir(), exe)
			if err != nil {
				return invalidf("%v", err)
			}
			data := map[string]any{"client": args[0], "path": path, "enabled": enabled}
			return app.emit(cmd, data, func(w io.Writer) {
				state := "disabled"
				if enabled {
					state = "enabled"
				}
				fmt.Fprintf(w, "%s %s in %s\n", state, setup.ServerName, path)
			})
		},
	}
}

// buildBridge wires the validation layer over a fresh command tree.
// Fresh, because the running tree's flags already hold this call's
// values.
func buildBridge(app *App) (*bridge.Bridge, error) {
	return bridge.New(bridge.Deps{
		NewRoot: func() *cobra.Command { return NewRoot(app) },
		Errors:  app,
		Log:     app.Logger().Component("bridge"),
	})
}
