// muxfleet-dbctl inspects the muxfleet database directly. It exists for
// shell scripts and post-mortems where the full CLI is overkill or the
// daemon state is suspect; it opens the same SQLite file the store uses.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/muxfleet/muxfleet/internal/config"
	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/store"
	"github.com/muxfleet/muxfleet/internal/tasks"
)

func main() {
	dbPath := flag.String("db", "", "database path (default: the configured data dir)")
	action := flag.String("action", "", "action to perform: errors, error, tasks, task, counts, clear-errors")
	id := flag.String("id", "", "record id for error and task lookups")
	limit := flag.Int("limit", 50, "maximum rows for list actions")
	jsonOut := flag.Bool("json", false, "output as JSON")
	flag.Parse()

	if *action == "" {
		fmt.Fprintln(os.Stderr, "Usage: muxfleet-dbctl -action <action> [-db path] [-id id] [-limit n] [-json]")
		fmt.Fprintln(os.Stderr, "Actions: errors, error, tasks, task, counts, clear-errors")
		os.Exit(1)
	}

	path := *dbPath
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			fatal("load config: %v", err)
		}
		path = cfg.DBPath()
	}

	st, err := store.Open(path, logging.Nop())
	if err != nil {
		fatal("open %s: %v", path, err)
	}
	defer st.Close()

	switch *action {
	case "errors":
		recs, err := st.ListErrors(store.ErrorFilter{Limit: *limit})
		if err != nil {
			fatal("list errors: %v", err)
		}
		if *jsonOut {
			encode(recs)
			return
		}
		for _, r := range recs {
			fmt.Printf("%d\t%s\t%s/%s\t%s\n",
				r.ID, r.CreatedAt.Format(time.RFC3339), r.Component, r.Kind, r.Message)
		}

	case "error":
		n, err := strconv.ParseInt(*id, 10, 64)
		if err != nil {
			fatal("-id must be numeric for errors, got %q", *id)
		}
		rec, err := st.GetError(n)
		if err != nil {
			fatal("get error %d: %v", n, err)
		}
		encode(rec)

	case "tasks":
		list, err := st.ListTasks(store.TaskFilter{IncludeArchived: true})
		if err != nil {
			fatal("list tasks: %v", err)
		}
		if len(list) > *limit {
			list = list[:*limit]
		}
		if *jsonOut {
			encode(list)
			return
		}
		for _, t := range list {
			fmt.Printf("%s\t%s\t%s\t%s\n", t.ID, t.Status, t.AssignedTo, t.Title)
		}

	case "task":
		if *id == "" {
			fatal("-id is required for task")
		}
		t, err := st.GetTask(*id)
		if err != nil {
			fatal("get task %s: %v", *id, err)
		}
		encode(t)

	case "counts":
		byStatus, err := st.CountTasksByStatus()
		if err != nil {
			fatal("count tasks: %v", err)
		}
		sum, err := st.SummarizeErrors()
		if err != nil {
			fatal("summarize errors: %v", err)
		}
		if *jsonOut {
			encode(map[string]any{"tasks_by_status": byStatus, "errors": sum})
			return
		}
		keys := make([]string, 0, len(byStatus))
		for s := range byStatus {
			keys = append(keys, string(s))
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("tasks.%s\t%d\n", k, byStatus[tasks.Status(k)])
		}
		fmt.Printf("errors.total\t%d\n", sum.Total)

	case "clear-errors":
		n, err := st.ClearErrors()
		if err != nil {
			fatal("clear errors: %v", err)
		}
		if *jsonOut {
			encode(map[string]int{"cleared": n})
			return
		}
		fmt.Printf("cleared %d error records\n", n)

	default:
		fatal("unknown action %q", *action)
	}
}

func encode(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("encode: %v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
