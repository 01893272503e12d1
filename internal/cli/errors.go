package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/muxfleet/muxfleet/internal/bridge"
	"github.com/muxfleet/muxfleet/internal/store"
)

func newErrorsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Browse the persistent error log",
	}
	cmd.AddCommand(
		newErrorsListCmd(app),
		newErrorsShowCmd(app),
		newErrorsClearCmd(app),
		newErrorsSummaryCmd(app),
	)
	return cmd
}

func newErrorsListCmd(app *App) *cobra.Command {
	var (
		component string
		kind      string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded errors, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := app.Store()
			if err != nil {
				return err
			}
			recs, err := st.ListErrors(store.ErrorFilter{
				Component: component,
				Kind:      kind,
				Limit:     limit,
			})
			if err != nil {
				return err
			}
			data := map[string]any{"errors": recs, "count": len(recs)}
			return app.emit(cmd, data, func(w io.Writer) {
				if len(recs) == 0 {
					fmt.Fprintln(w, "no errors recorded")
					return
				}
				tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
				defer tw.Flush()
				fmt.Fprintln(tw, "ID\tTIME\tCOMPONENT\tKIND\tMESSAGE")
				for _, rec := range recs {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
						rec.ID,
						rec.CreatedAt.Format("01-02 15:04:05"),
						rec.Component,
						rec.Kind,
						truncate(rec.Message, 80))
				}
			})
		},
	}
	cmd.Flags().StringVar(&component, "component", "", "filter by component")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by error kind")
	cmd.Flags().IntVar(&limit, "limit", 50, "newest records to show")
	return cmd
}

func newErrorsShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one error record in full",
		Args:  cobra.ExactArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationArgs: "id",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return invalidf("id must be a number, got %q", args[0])
			}
			st, err := app.Store()
			if err != nil {
				return err
			}
			rec, err := st.GetError(id)
			if err != nil {
				return err
			}
			return app.emit(cmd, rec, func(w io.Writer) {
				fmt.Fprintf(w, "id:        %d\n", rec.ID)
				fmt.Fprintf(w, "time:      %s\n", rec.CreatedAt.Format("2006-01-02 15:04:05 MST"))
				fmt.Fprintf(w, "component: %s\n", rec.Component)
				fmt.Fprintf(w, "kind:      %s\n", rec.Kind)
				if rec.Target != "" {
					fmt.Fprintf(w, "target:    %s\n", rec.Target)
				}
				fmt.Fprintf(w, "message:   %s\n", rec.Message)
			})
		},
	}
}

func newErrorsClearCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the whole error log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := app.Store()
			if err != nil {
				return err
			}
			n, err := st.ClearErrors()
			if err != nil {
				return err
			}
			data := map[string]any{"cleared": n}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "cleared %d error records\n", n)
			})
		},
	}
}

func newErrorsSummaryCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Count errors by kind and component",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := app.Store()
			if err != nil {
				return err
			}
			sum, err := st.SummarizeErrors()
			if err != nil {
				return err
			}
			return app.emit(cmd, sum, func(w io.Writer) {
				fmt.Fprintf(w, "%d errors recorded\n", sum.Total)
				writeCounts(w, "by kind", sum.ByKind)
				writeCounts(w, "by component", sum.ByComponent)
			})
		},
	}
}

func writeCounts(w io.Writer, label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", label)
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-20s %d\n", k, counts[k])
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
