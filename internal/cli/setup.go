package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/muxfleet/muxfleet/internal/bridge"
	"github.com/muxfleet/muxfleet/internal/setup"
)

func newSetupCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Prepare this machine to run the fleet",
	}
	cmd.AddCommand(
		newSetupAllCmd(app),
		newSetupClaudeCodeCmd(app),
		newSetupMCPCmd(app),
		newSetupVSCodeCmd(app),
		newSetupTmuxCmd(app),
		newSetupCheckCmd(app, "check", false),
		newSetupCheckCmd(app, "check-requirements", true),
	)
	return cmd
}

func newSetupAllCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Write every client config, then run the checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.Config()
			if err != nil {
				return err
			}
			exe, err := selfPath()
			if err != nil {
				return err
			}

			written := map[string]string{}
			fail := map[string]string{}
			record := func(name, path string, err error) {
				if err != nil {
					fail[name] = err.Error()
					return
				}
				written[name] = path
			}
			path, err := setup.WriteClaudeCode(exe)
			record("claude-code", path, err)
			path, err = setup.WriteProjectMCP(workDir(), exe)
			record("mcp", path, err)
			path, err = setup.WriteVSCodeMCP(workDir(), exe)
			record("vscode", path, err)
			path, err = setup.WriteTmuxSnippet(cfg)
			record("tmux", path, err)

			checks := setup.CheckEnvironment(cfg)
			data := map[string]any{
				"written":  written,
				"failures": fail,
				"checks":   checks,
				"passed":   setup.Passed(checks),
			}
			return app.emit(cmd, data, func(w io.Writer) {
				for name, p := range written {
					fmt.Fprintf(w, "wrote %-12s %s\n", name, p)
				}
				for name, msg := range fail {
					fmt.Fprintf(w, "failed %-11s %s\n", name, msg)
				}
				fmt.Fprintln(w)
				writeChecks(w, checks)
			})
		},
	}
}

func newSetupClaudeCodeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "claude-code",
		Short: "Register the tool server in ~/.claude.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exe, err := selfPath()
			if err != nil {
				return err
			}
			path, err := setup.WriteClaudeCode(exe)
			if err != nil {
				return err
			}
			return emitWritten(cmd, app, path)
		},
	}
}

func newSetupMCPCmd(app *App) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Register the tool server in the project's .mcp.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exe, err := selfPath()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = workDir()
			}
			path, err := setup.WriteProjectMCP(dir, exe)
			if err != nil {
				return err
			}
			return emitWritten(cmd, app, path)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "project directory, default the working directory")
	return cmd
}

func newSetupVSCodeCmd(app *App) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "vscode",
		Short: "Register the tool server in .vscode/mcp.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exe, err := selfPath()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = workDir()
			}
			path, err := setup.WriteVSCodeMCP(dir, exe)
			if err != nil {
				return err
			}
			return emitWritten(cmd, app, path)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "project directory, default the working directory")
	return cmd
}

func newSetupTmuxCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "tmux",
		Short: "Write the tmux integration snippet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.Config()
			if err != nil {
				return err
			}
			path, err := setup.WriteTmuxSnippet(cfg)
			if err != nil {
				return err
			}
			data := map[string]any{"path": path}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "wrote %s\n", path)
				fmt.Fprintf(w, "add to ~/.tmux.conf:  source-file %s\n", path)
			})
		},
	}
}

func newSetupCheckCmd(app *App, use string, requirementsOnly bool) *cobra.Command {
	short := "Probe the full environment"
	if requirementsOnly {
		short = "Probe only the hard requirements"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.Config()
			if err != nil {
				return err
			}
			var checks []setup.CheckResult
			if requirementsOnly {
				checks = setup.CheckRequirements(cfg)
			} else {
				checks = setup.CheckEnvironment(cfg)
			}
			passed := setup.Passed(checks)
			data := map[string]any{"checks": checks, "passed": passed}

			if app.jsonMode {
				env := bridge.OK(commandName(cmd), data)
				if !passed {
					env = bridge.FailData(commandName(cmd), bridge.KindBackendError, "environment check failed", data)
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(env)
			}

			writeChecks(cmd.OutOrStdout(), checks)
			if !passed {
				return backendf("environment check failed")
			}
			return nil
		},
	}
}

func emitWritten(cmd *cobra.Command, app *App, path string) error {
	data := map[string]any{"path": path}
	return app.emit(cmd, data, func(w io.Writer) {
		fmt.Fprintf(w, "wrote %s\n", path)
	})
}

func writeChecks(w io.Writer, checks []setup.CheckResult) {
	for _, c := range checks {
		mark := "ok"
		if !c.OK {
			mark = "FAIL"
			if c.Optional {
				mark = "off"
			}
		}
		fmt.Fprintf(w, "%-4s %-18s %s\n", mark, c.Name, c.Detail)
	}
}

// selfPath is the absolute binary path written into client configs, so
// they keep working whatever directory launches them.
func selfPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolving own binary: %w", err)
	}
	return exe, nil
}

func workDir() string {
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}
