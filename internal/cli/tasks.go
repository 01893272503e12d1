package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/muxfleet/muxfleet/internal/bridge"
	"github.com/muxfleet/muxfleet/internal/git"
	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/store"
	"github.com/muxfleet/muxfleet/internal/target"
	"github.com/muxfleet/muxfleet/internal/tasks"
)

func newTasksCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Track and hand out units of work",
	}
	cmd.AddCommand(
		newTasksCreateCmd(app),
		newTasksStatusCmd(app),
		newTasksListCmd(app),
		newTasksDistributeCmd(app),
		newTasksExportCmd(app),
		newTasksArchiveCmd(app),
		newTasksGenerateCmd(app),
	)
	return cmd
}

func newTasksCreateCmd(app *App) *cobra.Command {
	var (
		priority int
		source   string
	)
	cmd := &cobra.Command{
		Use:   "create <title> [description]...",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationArgs: "title description?",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := parseSource(source)
			if err != nil {
				return err
			}
			st, err := app.Store()
			if err != nil {
				return err
			}
			task := tasks.New(args[0], strings.Join(args[1:], " "), priority, src)
			if err := task.Validate(); err != nil {
				return invalidf("%v", err)
			}
			if err := st.CreateTask(task); err != nil {
				return err
			}
			return app.emit(cmd, task, func(w io.Writer) {
				fmt.Fprintf(w, "created %s: %s (priority %d)\n", task.ID, task.Title, task.Priority)
			})
		},
	}
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "1 is most urgent, default 3")
	cmd.Flags().StringVar(&source, "source", "cli", "who filed it: cli, pm, orchestrator or file")
	return cmd
}

func newTasksStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> [new-status]",
		Short: "Show a task, or move it to a new status",
		Args:  cobra.RangeArgs(1, 2),
		Annotations: map[string]string{
			bridge.AnnotationArgs: "id status?",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.Store()
			if err != nil {
				return err
			}
			id := normalizeTaskID(args[0])
			if len(args) == 1 {
				task, err := st.GetTask(id)
				if err != nil {
					return err
				}
				return app.emit(cmd, task, func(w io.Writer) {
					writeTaskDetail(w, task)
				})
			}

			to, err := parseStatus(args[1])
			if err != nil {
				return err
			}
			task, err := st.TransitionTask(id, to)
			if err != nil {
				if strings.Contains(err.Error(), "illegal transition") {
					return invalidf("%v", err)
				}
				return err
			}
			return app.emit(cmd, task, func(w io.Writer) {
				fmt.Fprintf(w, "%s is now %s\n", task.ID, task.Status)
			})
		},
	}
}

func newTasksListCmd(app *App) *cobra.Command {
	var (
		status   string
		assigned string
		source   string
		archived bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, most urgent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := app.Store()
			if err != nil {
				return err
			}
			filter := store.TaskFilter{AssignedTo: assigned, IncludeArchived: archived}
			if status != "" {
				s, err := parseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = s
			}
			if source != "" {
				src, err := parseSource(source)
				if err != nil {
					return err
				}
				filter.Source = src
			}
			ts, err := st.ListTasks(filter)
			if err != nil {
				return err
			}
			counts, err := st.CountTasksByStatus()
			if err != nil {
				return err
			}
			data := map[string]any{"tasks": ts, "count": len(ts), "by_status": counts}
			return app.emit(cmd, data, func(w io.Writer) {
				if len(ts) == 0 {
					fmt.Fprintln(w, "no tasks")
					return
				}
				writeTaskTable(w, ts)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&assigned, "assigned", "", "filter by assignee target")
	cmd.Flags().StringVar(&source, "source", "", "filter by source")
	cmd.Flags().BoolVar(&archived, "archived", false, "include archived tasks")
	return cmd
}

func newTasksDistributeCmd(app *App) *cobra.Command {
	var (
		session   string
		perWorker int
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "distribute",
		Short: "Hand pending tasks to idle workers",
		Long: `Splits the pending backlog across tracked workers, most urgent
first. Each assignment flips the task to assigned, names a git branch
for it and submits a work order into the worker's window.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.Store()
			if err != nil {
				return err
			}
			pending, err := st.ListTasks(store.TaskFilter{Status: tasks.StatusPending})
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				return notFoundf("no pending tasks")
			}

			workers, _, err := roleAgents(cmd, app, session, registry.RoleWorker)
			if err != nil {
				return err
			}
			if len(workers) == 0 {
				return notFoundf("no workers tracked")
			}
			targets := make([]target.Target, len(workers))
			for i, rec := range workers {
				targets[i] = rec.Target
			}

			plan := tasks.Distribute(pending, targets, perWorker)
			if dryRun {
				data := map[string]any{"plan": plan, "dry_run": true}
				return app.emit(cmd, data, func(w io.Writer) {
					writePlan(w, plan)
				})
			}

			cfg, err := app.Config()
			if err != nil {
				return err
			}
			sub, err := app.Submitter()
			if err != nil {
				return err
			}

			var assigned []string
			failures := map[string]string{}
			for _, asn := range plan.Assignments {
				for _, task := range asn.Tasks {
					branch := git.BranchName(taskSeq(task.ID), task.Title)
					if _, err := st.AssignTask(task.ID, asn.Target.String(), branch); err != nil {
						failures[task.ID] = err.Error()
						continue
					}
					order := workOrder(task, branch)
					if _, err := sub.Submit(cmd.Context(), asn.Target, order, cfg.Submit.BaseDelay()); err != nil {
						failures[task.ID] = fmt.Sprintf("assigned, but delivery failed: %v", err)
						continue
					}
					assigned = append(assigned, task.ID)
				}
			}
			data := map[string]any{
				"assigned":   assigned,
				"unassigned": len(plan.Unassigned),
				"failures":   failures,
			}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "assigned %d tasks across %d workers\n", len(assigned), len(plan.Assignments))
				if len(plan.Unassigned) > 0 {
					fmt.Fprintf(w, "%d left pending\n", len(plan.Unassigned))
				}
				for id, msg := range failures {
					fmt.Fprintf(w, "  %s: %s\n", id, msg)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "only workers in this session")
	cmd.Flags().IntVar(&perWorker, "per-worker", 2, "most tasks to hand each worker")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without assigning")
	return cmd
}

func newTasksExportCmd(app *App) *cobra.Command {
	var (
		format   string
		out      string
		archived bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write tasks out as YAML or JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := app.Store()
			if err != nil {
				return err
			}
			ts, err := st.ListTasks(store.TaskFilter{IncludeArchived: archived})
			if err != nil {
				return err
			}

			if out != "" {
				var buf bytes.Buffer
				if err := tasks.Export(&buf, ts, format); err != nil {
					return invalidf("%v", err)
				}
				if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
					return err
				}
				data := map[string]any{"path": out, "format": format, "count": len(ts)}
				return app.emit(cmd, data, func(w io.Writer) {
					fmt.Fprintf(w, "wrote %d tasks to %s\n", len(ts), out)
				})
			}

			if !app.jsonMode {
				if err := tasks.Export(cmd.OutOrStdout(), ts, format); err != nil {
					return invalidf("%v", err)
				}
				return nil
			}
			var buf bytes.Buffer
			if err := tasks.Export(&buf, ts, format); err != nil {
				return invalidf("%v", err)
			}
			data := map[string]any{"format": format, "count": len(ts), "content": buf.String()}
			return app.emit(cmd, data, nil)
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "yaml or json")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this file instead of stdout")
	cmd.Flags().BoolVar(&archived, "archived", false, "include archived tasks")
	return cmd
}

func newTasksArchiveCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Archive every merged task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := app.Store()
			if err != nil {
				return err
			}
			n, err := st.ArchiveMerged()
			if err != nil {
				return err
			}
			data := map[string]any{"archived": n}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "archived %d merged tasks\n", n)
			})
		},
	}
}

func newTasksGenerateCmd(app *App) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Create tasks from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := tasks.LoadFile(file)
			if err != nil {
				return invalidf("%v", err)
			}
			st, err := app.Store()
			if err != nil {
				return err
			}
			var created []string
			for _, task := range loaded {
				if err := st.CreateTask(task); err != nil {
					return fmt.Errorf("created %d of %d tasks, then: %w", len(created), len(loaded), err)
				}
				created = append(created, task.ID)
			}
			data := map[string]any{"created": created, "count": len(created), "file": file}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "created %d tasks from %s\n", len(created), file)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "task definitions to load")
	cobra.CheckErr(cmd.MarkFlagRequired("file"))
	return cmd
}

// workOrder is the message a worker receives when a task lands on it.
func workOrder(task *tasks.Task, branch string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "NEW TASK %s: %s", task.ID, task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, " -- %s", task.Description)
	}
	fmt.Fprintf(&b, " (work on branch %s, move it to review when done)", branch)
	return b.String()
}

func parseStatus(s string) (tasks.Status, error) {
	for _, st := range tasks.AllStatuses() {
		if string(st) == s {
			return st, nil
		}
	}
	names := make([]string, 0, len(tasks.AllStatuses()))
	for _, st := range tasks.AllStatuses() {
		names = append(names, string(st))
	}
	return "", invalidf("unknown status %q: want one of %s", s, strings.Join(names, ", "))
}

func parseSource(s string) (tasks.Source, error) {
	switch tasks.Source(s) {
	case tasks.SourceCLI, tasks.SourcePM, tasks.SourceOrchestrator, tasks.SourceFile:
		return tasks.Source(s), nil
	default:
		return "", invalidf("unknown source %q: want cli, pm, orchestrator or file", s)
	}
}

// normalizeTaskID accepts both "TASK-12" and a bare "12".
func normalizeTaskID(s string) string {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return "TASK-" + s
	}
	return strings.ToUpper(s)
}

// taskSeq extracts the numeric part of a task ID for branch naming.
func taskSeq(id string) int64 {
	if i := strings.LastIndexByte(id, '-'); i >= 0 {
		if n, err := strconv.ParseInt(id[i+1:], 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func writeTaskTable(w io.Writer, ts []*tasks.Task) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "ID\tPRI\tSTATUS\tASSIGNED\tTITLE")
	for _, task := range ts {
		assigned := task.AssignedTo
		if assigned == "" {
			assigned = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", task.ID, task.Priority, task.Status, assigned, task.Title)
	}
}

func writeTaskDetail(w io.Writer, task *tasks.Task) {
	fmt.Fprintf(w, "id:          %s\n", task.ID)
	fmt.Fprintf(w, "title:       %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(w, "description: %s\n", task.Description)
	}
	fmt.Fprintf(w, "priority:    %d\n", task.Priority)
	fmt.Fprintf(w, "status:      %s\n", task.Status)
	fmt.Fprintf(w, "source:      %s\n", task.Source)
	if task.AssignedTo != "" {
		fmt.Fprintf(w, "assigned to: %s\n", task.AssignedTo)
	}
	if task.Branch != "" {
		fmt.Fprintf(w, "branch:      %s\n", task.Branch)
	}
	fmt.Fprintf(w, "created:     %s\n", task.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if task.Archived {
		fmt.Fprintln(w, "archived:    yes")
	}
}

func writePlan(w io.Writer, plan tasks.Plan) {
	for _, asn := range plan.Assignments {
		fmt.Fprintf(w, "%s:\n", asn.Target)
		for _, task := range asn.Tasks {
			fmt.Fprintf(w, "  %s (pri %d) %s\n", task.ID, task.Priority, task.Title)
		}
	}
	if len(plan.Unassigned) > 0 {
		fmt.Fprintf(w, "unassigned: %d\n", len(plan.Unassigned))
	}
}
