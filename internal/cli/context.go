package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/muxfleet/muxfleet/internal/bridge"
	"github.com/muxfleet/muxfleet/internal/registry"
)

func newContextCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Inspect and export role briefings",
		Long: `Briefings are the markdown contexts injected into freshly spawned
agents. Built-in ones ship with the binary; files in the roles
directory override them or add new ones.`,
	}
	cmd.AddCommand(
		newContextListCmd(app),
		newContextShowCmd(app),
		newContextSpawnCmd(app),
		newContextExportCmd(app),
	)
	return cmd
}

func newContextListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available briefings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			provider, err := app.Roles()
			if err != nil {
				return err
			}
			avail := provider.Available()
			names := make([]string, 0, len(avail))
			for name := range avail {
				names = append(names, name)
			}
			sort.Strings(names)

			type entry struct {
				File     string `json:"file"`
				Role     string `json:"role"`
				Override bool   `json:"override"`
			}
			entries := make([]entry, 0, len(names))
			for _, name := range names {
				entries = append(entries, entry{
					File:     name,
					Role:     strings.TrimSuffix(name, ".md"),
					Override: avail[name],
				})
			}
			data := map[string]any{"briefings": entries, "count": len(entries)}
			return app.emit(cmd, data, func(w io.Writer) {
				for _, e := range entries {
					origin := "builtin"
					if e.Override {
						origin = "override"
					}
					fmt.Fprintf(w, "%s  (%s)\n", e.File, origin)
				}
			})
		},
	}
}

func newContextShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <role>",
		Short: "Print a briefing's raw text",
		Args:  cobra.ExactArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationArgs: "role",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			text, name, err := readBriefing(app, args[0])
			if err != nil {
				return err
			}
			data := map[string]any{"name": name, "text": text}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprint(w, text)
				if !strings.HasSuffix(text, "\n") {
					fmt.Fprintln(w)
				}
			})
		},
	}
}

func newContextSpawnCmd(app *App) *cobra.Command {
	var (
		session string
		name    string
		dir     string
		brief   string
	)
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Spawn an agent from a briefing file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec, err := buildSpawnSpec(session, "", name, dir, brief)
			if err != nil {
				return err
			}
			return runSpawn(cmd, app, spec)
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "tmux session to spawn into")
	cmd.Flags().StringVar(&name, "name", "", "window name, defaults to the briefing's")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory")
	cmd.Flags().StringVar(&brief, "brief", "", "briefing file with front matter")
	cobra.CheckErr(cmd.MarkFlagRequired("session"))
	cobra.CheckErr(cmd.MarkFlagRequired("brief"))
	return cmd
}

func newContextExportCmd(app *App) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every briefing to a directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			provider, err := app.Roles()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			avail := provider.Available()
			names := make([]string, 0, len(avail))
			for name := range avail {
				names = append(names, name)
			}
			sort.Strings(names)

			var written []string
			for _, name := range names {
				text, _, err := readBriefing(app, name)
				if err != nil {
					continue
				}
				path := filepath.Join(dir, name)
				if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
					return err
				}
				written = append(written, name)
			}
			data := map[string]any{"dir": dir, "files": written, "count": len(written)}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "wrote %d briefings to %s\n", len(written), dir)
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "./briefings", "directory to export into")
	return cmd
}

// readBriefing resolves a role name or briefing file name to its raw
// text, override first. Returns the text and the canonical name.
func readBriefing(app *App, arg string) (string, string, error) {
	base := strings.TrimSuffix(arg, ".md")
	if role, perr := registry.ParseRole(base); perr == nil {
		provider, err := app.Roles()
		if err != nil {
			return "", "", err
		}
		text, err := provider.Raw(role)
		if err != nil {
			return "", "", notFoundf("%v", err)
		}
		return text, string(role), nil
	}

	// Not a built-in role: look for the file in the roles directory.
	cfg, err := app.Config()
	if err != nil {
		return "", "", err
	}
	file := base + ".md"
	raw, err := os.ReadFile(filepath.Join(cfg.RolesPath(), file))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", notFoundf("no briefing named %q", arg)
		}
		return "", "", err
	}
	return string(raw), file, nil
}
