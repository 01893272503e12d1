package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
)

// testRoot builds a small command tree shaped like the real CLI: groups
// with annotated actions, a bare version verb, and the persistent --json
// flag dispatch relies on.
func testRoot() *cobra.Command {
	root := &cobra.Command{Use: "muxfleet"}
	root.PersistentFlags().Bool("json", false, "machine-readable output")

	agent := &cobra.Command{Use: "agent", Short: "Inspect and control agents"}
	agent.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the state of every agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprint(cmd.OutOrStdout(), `{"agents": 2}`)
			return nil
		},
	})
	agent.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tracked agents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "proj:1 worker")
			return nil
		},
	})
	send := &cobra.Command{
		Use:   "send <target> <text>",
		Short: "Send text to an agent",
		Annotations: map[string]string{
			AnnotationTarget: "required",
			AnnotationArgs:   "text",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), `{"delivered_to": %q}`, args[0])
			return nil
		},
	}
	send.Flags().Int("delay", 0, "delay hint in seconds")
	agent.AddCommand(send)
	agent.AddCommand(&cobra.Command{
		Use:   "kill <target>",
		Short: "Kill an agent window",
		Annotations: map[string]string{
			AnnotationTarget: "required",
		},
		RunE: func(_ *cobra.Command, _ []string) error {
			return errors.New("tmux kill-window failed")
		},
	})
	root.AddCommand(agent)

	tasksCmd := &cobra.Command{Use: "tasks", Short: "Work with the task store"}
	tasksCmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one task",
		Annotations: map[string]string{
			AnnotationArgs: "id reason?",
		},
		RunE: func(_ *cobra.Command, args []string) error {
			return WithKind(KindNotFound, fmt.Errorf("task %s: not found", args[0]))
		},
	})
	root.AddCommand(tasksCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run:   func(_ *cobra.Command, _ []string) {},
	})
	return root
}

type fakeErrorLog struct {
	mu      sync.Mutex
	entries []string
	err     error
}

func (f *fakeErrorLog) AppendError(component, kind, message, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, fmt.Sprintf("%s|%s|%s", component, kind, target))
	return f.err
}

func newTestBridge(t *testing.T, errs ErrorLog) *Bridge {
	t.Helper()
	b, err := New(Deps{NewRoot: testRoot, Errors: errs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestDescribeDeterministic(t *testing.T) {
	first := Describe(testRoot())
	second := Describe(testRoot())
	if !reflect.DeepEqual(first, second) {
		t.Fatal("identical trees produced different descriptors")
	}

	if len(first) != 2 {
		t.Fatalf("groups = %d, want 2 (version must not become a group)", len(first))
	}
	if first[0].Group != "agent" || first[1].Group != "tasks" {
		t.Errorf("group order = %s, %s", first[0].Group, first[1].Group)
	}

	var names []string
	for _, a := range first[0].Actions {
		names = append(names, a.Name)
	}
	want := []string{"kill", "list", "send", "status"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("agent actions = %v, want %v", names, want)
	}
}

func TestDescribeAnnotations(t *testing.T) {
	descs := Describe(testRoot())

	var send, show ActionDescriptor
	for _, a := range descs[0].Actions {
		if a.Name == "send" {
			send = a
		}
	}
	for _, a := range descs[1].Actions {
		if a.Name == "show" {
			show = a
		}
	}

	if !send.RequiresTarget {
		t.Error("send does not require a target")
	}
	if send.MinArgs() != 1 || send.Args[0].Name != "text" {
		t.Errorf("send args = %+v", send.Args)
	}
	if show.RequiresTarget {
		t.Error("show requires a target")
	}
	if show.MinArgs() != 1 || len(show.Args) != 2 || !show.Args[1].Optional {
		t.Errorf("show args = %+v", show.Args)
	}
}

func TestInvokeUnknownActionSuggests(t *testing.T) {
	log := &fakeErrorLog{}
	b := newTestBridge(t, log)

	env := b.Invoke(context.Background(), Call{Group: "agent", Action: "stauts"})

	if env.Success {
		t.Fatal("success for unknown action")
	}
	if env.Command != "agent.stauts" {
		t.Errorf("command = %q", env.Command)
	}
	if env.ErrorType == nil || *env.ErrorType != "invalid_action" {
		t.Fatalf("error_type = %v", env.ErrorType)
	}
	if env.Error == nil || !strings.Contains(*env.Error, "status") || !strings.Contains(*env.Error, "list") {
		t.Errorf("error does not mention valid actions: %v", env.Error)
	}
	data, ok := env.Data.(map[string]any)
	if !ok || data["did_you_mean"] != "status" {
		t.Errorf("data = %#v, want did_you_mean=status", env.Data)
	}
	if env.Timestamp <= 0 {
		t.Error("timestamp not stamped")
	}

	if len(log.entries) != 1 || !strings.Contains(log.entries[0], "bridge|InvalidAction|") {
		t.Errorf("error log entries = %v", log.entries)
	}
}

func TestInvokeUnknownActionNoWildGuess(t *testing.T) {
	b := newTestBridge(t, nil)
	env := b.Invoke(context.Background(), Call{Group: "agent", Action: "zzzzzzzzzz"})
	if env.Data != nil {
		t.Errorf("data = %#v, want nil for a distant miss", env.Data)
	}
}

func TestInvokeValidationOrder(t *testing.T) {
	b := newTestBridge(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		call Call
		want Kind
		msg  string
	}{
		{"missing target", Call{Group: "agent", Action: "send", Args: []string{"hi"}}, KindMissingTarget, "requires a target"},
		{"bad target format", Call{Group: "agent", Action: "send", Target: "nope", Args: []string{"hi"}}, KindInvalidTargetFormat, "invalid target"},
		{"missing argument", Call{Group: "agent", Action: "send", Target: "proj:1"}, KindMissingArgument, `missing "text"`},
		{"non-scalar option", Call{Group: "agent", Action: "status", Options: map[string]any{"bad": []any{1}}}, KindValidationError, "scalar"},
		{"unknown group", Call{Group: "wat", Action: "status"}, KindInvalidAction, "unknown group"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := b.Invoke(ctx, tt.call)
			if env.Success {
				t.Fatal("success for invalid call")
			}
			if env.ErrorType == nil || *env.ErrorType != string(tt.want) {
				t.Fatalf("error_type = %v, want %s", env.ErrorType, tt.want)
			}
			if env.Error == nil || !strings.Contains(*env.Error, tt.msg) {
				t.Errorf("error = %v, want substring %q", env.Error, tt.msg)
			}
		})
	}
}

func TestInvokeDispatchWrapsJSON(t *testing.T) {
	b := newTestBridge(t, nil)

	env := b.Invoke(context.Background(), Call{Group: "agent", Action: "status"})
	if !env.Success {
		t.Fatalf("envelope = %+v", env)
	}
	raw, ok := env.Data.(json.RawMessage)
	if !ok {
		t.Fatalf("data = %T, want json.RawMessage", env.Data)
	}
	var payload struct {
		Agents int `json:"agents"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Agents != 2 {
		t.Errorf("data = %s", raw)
	}
	if env.Error != nil || env.ErrorType != nil {
		t.Errorf("error fields set on success: %+v", env)
	}
}

func TestInvokeDispatchWrapsPlainText(t *testing.T) {
	b := newTestBridge(t, nil)

	env := b.Invoke(context.Background(), Call{Group: "agent", Action: "list"})
	if !env.Success {
		t.Fatalf("envelope = %+v", env)
	}
	data, ok := env.Data.(map[string]any)
	if !ok || data["output"] != "proj:1 worker" {
		t.Errorf("data = %#v", env.Data)
	}
}

func TestInvokePassesThroughInnerEnvelope(t *testing.T) {
	root := func() *cobra.Command {
		r := &cobra.Command{Use: "muxfleet"}
		r.PersistentFlags().Bool("json", false, "")
		g := &cobra.Command{Use: "monitor", Short: "Monitor"}
		g.AddCommand(&cobra.Command{
			Use:   "status",
			Short: "Monitor status",
			RunE: func(cmd *cobra.Command, _ []string) error {
				fmt.Fprint(cmd.OutOrStdout(),
					`{"success":true,"data":{"running":true},"error":null,"error_type":null,"timestamp":1700000000.5,"command":"monitor.status"}`)
				return nil
			},
		})
		r.AddCommand(g)
		return r
	}
	b, err := New(Deps{NewRoot: root})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	env := b.Invoke(context.Background(), Call{Group: "monitor", Action: "status"})
	if !env.Success || env.Command != "monitor.status" {
		t.Fatalf("envelope = %+v", env)
	}
	// The command's own envelope rides through unwrapped.
	if env.Timestamp != 1700000000.5 {
		t.Errorf("timestamp = %v, want the inner stamp", env.Timestamp)
	}
}

func TestInvokeOptionsBecomeFlags(t *testing.T) {
	var got []string
	root := func() *cobra.Command {
		r := &cobra.Command{Use: "muxfleet"}
		r.PersistentFlags().Bool("json", false, "")
		g := &cobra.Command{Use: "pool", Short: "Pool"}
		resize := &cobra.Command{
			Use:   "resize",
			Short: "Resize the pool",
			RunE: func(cmd *cobra.Command, _ []string) error {
				max, _ := cmd.Flags().GetInt("max-size")
				dry, _ := cmd.Flags().GetBool("dry-run")
				got = []string{fmt.Sprint(max), fmt.Sprint(dry)}
				return nil
			},
		}
		resize.Flags().Int("max-size", 0, "")
		resize.Flags().Bool("dry-run", false, "")
		g.AddCommand(resize)
		r.AddCommand(g)
		return r
	}
	b, err := New(Deps{NewRoot: root})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	env := b.Invoke(context.Background(), Call{
		Group:  "pool",
		Action: "resize",
		// Snake_case keys map onto kebab-case flags.
		Options: map[string]any{"max_size": float64(8), "dry_run": true},
	})
	if !env.Success {
		t.Fatalf("envelope = %+v", env)
	}
	if !reflect.DeepEqual(got, []string{"8", "true"}) {
		t.Errorf("flags seen = %v", got)
	}
}

func TestInvokeExecutionErrors(t *testing.T) {
	log := &fakeErrorLog{}
	b := newTestBridge(t, log)
	ctx := context.Background()

	env := b.Invoke(ctx, Call{Group: "tasks", Action: "show", Args: []string{"TASK-9"}})
	if env.Success || env.ErrorType == nil || *env.ErrorType != "not_found" {
		t.Fatalf("envelope = %+v", env)
	}

	env = b.Invoke(ctx, Call{Group: "agent", Action: "kill", Target: "proj:1"})
	if env.Success || env.ErrorType == nil || *env.ErrorType != "backend_error" {
		t.Fatalf("envelope = %+v", env)
	}

	env = b.Invoke(ctx, Call{Group: "agent", Action: "status", Options: map[string]any{"no_such": "x"}})
	if env.Success || env.ErrorType == nil || *env.ErrorType != "validation_error" {
		t.Fatalf("envelope = %+v", env)
	}

	if len(log.entries) != 3 {
		t.Errorf("error log entries = %v", log.entries)
	}
}

func TestEnvelopeJSONShape(t *testing.T) {
	raw, err := json.Marshal(OK("agent.status", nil))
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"success":true`, `"data":null`, `"error":null`, `"error_type":null`, `"command":"agent.status"`} {
		if !strings.Contains(string(raw), key) {
			t.Errorf("envelope %s missing %s", raw, key)
		}
	}

	raw, err = json.Marshal(Fail("agent.kill", KindBackendError, "boom"))
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"success":false`, `"error":"boom"`, `"error_type":"backend_error"`} {
		if !strings.Contains(string(raw), key) {
			t.Errorf("envelope %s missing %s", raw, key)
		}
	}
}

func TestScalarString(t *testing.T) {
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{"x", "x", true},
		{true, "true", true},
		{float64(3), "3", true},
		{float64(2.5), "2.5", true},
		{int(7), "7", true},
		{json.Number("12"), "12", true},
		{[]any{1}, "", false},
		{map[string]any{}, "", false},
		{nil, "", false},
	}
	for _, tt := range tests {
		got, ok := scalarString(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("scalarString(%#v) = %q, %v", tt.in, got, ok)
		}
	}
}

func TestActionHint(t *testing.T) {
	a := ActionDescriptor{
		Name:           "send",
		Description:    "Send text to an agent",
		RequiresTarget: true,
		Args:           []ArgDescriptor{{Name: "text"}, {Name: "delay", Optional: true}},
	}
	if got := actionHint(a); got != "Send text to an agent (Requires: target, text)" {
		t.Errorf("hint = %q", got)
	}

	bare := ActionDescriptor{Name: "list", Description: "List tracked agents"}
	if got := actionHint(bare); got != "List tracked agents" {
		t.Errorf("hint = %q", got)
	}
}

func TestKindLogNames(t *testing.T) {
	tests := map[Kind]string{
		KindInvalidAction:       "InvalidAction",
		KindMissingTarget:       "MissingTarget",
		KindInvalidTargetFormat: "InvalidTargetFormat",
		KindMissingArgument:     "MissingArgument",
		KindValidationError:     "ValidationError",
		KindNotFound:            "NotFound",
		KindRateLimited:         "RateLimited",
		KindBackendError:        "TerminalBackend",
	}
	for kind, want := range tests {
		if got := kind.LogKind(); got != want {
			t.Errorf("LogKind(%s) = %q, want %q", kind, got, want)
		}
	}
}
