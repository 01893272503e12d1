package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/muxfleet/muxfleet/internal/bridge"
	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/target"
)

func newSessionCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Browse tmux sessions and their windows",
	}
	cmd.AddCommand(
		newSessionListCmd(app),
		newSessionAttachCmd(app),
	)
	return cmd
}

func newSessionListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tmux sessions, marking tracked agent windows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pl, err := app.Pool()
			if err != nil {
				return err
			}
			lease, err := pl.Acquire(cmd.Context())
			if err != nil {
				return err
			}
			defer lease.Release()

			drv := lease.Driver()
			sessions, err := drv.ListSessions(cmd.Context())
			if err != nil {
				return backendf("listing sessions: %v", err)
			}
			sort.Strings(sessions)

			agents, _, err := app.SnapshotAgents(cmd.Context())
			if err != nil {
				return err
			}
			tracked := map[target.Target]registry.Role{}
			for _, rec := range agents {
				tracked[rec.Target] = rec.Role
			}

			type windowDoc struct {
				Index  int    `json:"index"`
				Name   string `json:"name"`
				Active bool   `json:"active"`
				Agent  string `json:"agent,omitempty"`
			}
			type sessionDoc struct {
				Name    string      `json:"name"`
				Windows []windowDoc `json:"windows"`
				Agents  int         `json:"agents"`
			}

			docs := make([]sessionDoc, 0, len(sessions))
			for _, s := range sessions {
				windows, err := drv.ListWindows(cmd.Context(), s)
				if err != nil {
					return backendf("listing windows of %s: %v", s, err)
				}
				doc := sessionDoc{Name: s}
				for _, w := range windows {
					wd := windowDoc{Index: w.Index, Name: w.Name, Active: w.Active}
					if role, ok := tracked[target.New(s, w.Index)]; ok {
						wd.Agent = string(role)
						doc.Agents++
					}
					doc.Windows = append(doc.Windows, wd)
				}
				docs = append(docs, doc)
			}

			data := map[string]any{"sessions": docs, "count": len(docs)}
			return app.emit(cmd, data, func(w io.Writer) {
				if len(docs) == 0 {
					fmt.Fprintln(w, "no tmux sessions")
					return
				}
				for _, doc := range docs {
					fmt.Fprintf(w, "%s (%d windows, %d agents)\n", doc.Name, len(doc.Windows), doc.Agents)
					for _, win := range doc.Windows {
						mark := " "
						if win.Active {
							mark = "*"
						}
						if win.Agent != "" {
							fmt.Fprintf(w, " %s %d: %s  [%s]\n", mark, win.Index, win.Name, win.Agent)
						} else {
							fmt.Fprintf(w, " %s %d: %s\n", mark, win.Index, win.Name)
						}
					}
				}
			})
		},
	}
}

func newSessionAttachCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <session>",
		Short: "Attach this terminal to a session",
		Args:  cobra.ExactArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationArgs: "session",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return attachTmux(cmd, app, args[0], "")
		},
	}
}
