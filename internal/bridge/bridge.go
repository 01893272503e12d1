// Package bridge turns the command tree into a tool surface for
// programmatic callers. One tool per command group; every call comes back
// as the uniform response envelope, validated before anything executes.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/pool"
	"github.com/muxfleet/muxfleet/internal/store"
	"github.com/muxfleet/muxfleet/internal/stringutils"
	"github.com/muxfleet/muxfleet/internal/target"
	"github.com/muxfleet/muxfleet/internal/tmux"
)

// suggestion cutoff: typos land within a few edits, garbage stays silent.
const maxSuggestDistance = 3

// ErrorLog records non-fatal failures. *store.Store satisfies it.
type ErrorLog interface {
	AppendError(component, kind, message, target string) error
}

// Deps wires the bridge. NewRoot must build a fresh command tree per call
// (cobra commands keep flag state between runs) and the tree must accept
// the persistent --json flag so dispatch output is machine-readable.
type Deps struct {
	NewRoot func() *cobra.Command
	Errors  ErrorLog
	Log     *logging.Logger
}

// Bridge validates tool calls against the reflected command tree and
// dispatches them through the same execution path the CLI uses.
type Bridge struct {
	deps    Deps
	descs   []CommandDescriptor
	actions map[string]map[string]ActionDescriptor
	log     *logging.Logger
}

// New reflects the command tree once and builds the dispatch index.
func New(deps Deps) (*Bridge, error) {
	if deps.NewRoot == nil {
		return nil, errors.New("bridge: NewRoot is required")
	}
	log := deps.Log
	if log == nil {
		log = logging.Nop()
	}

	descs := Describe(deps.NewRoot())
	if len(descs) == 0 {
		return nil, errors.New("bridge: command tree has no groups")
	}

	actions := make(map[string]map[string]ActionDescriptor, len(descs))
	for _, d := range descs {
		byName := make(map[string]ActionDescriptor, len(d.Actions))
		for _, a := range d.Actions {
			byName[a.Name] = a
		}
		actions[d.Group] = byName
	}

	return &Bridge{deps: deps, descs: descs, actions: actions, log: log}, nil
}

// Descriptors returns the reflected tool surface.
func (b *Bridge) Descriptors() []CommandDescriptor {
	return b.descs
}

// Call is one tool invocation.
type Call struct {
	Group   string
	Action  string
	Target  string
	Args    []string
	Options map[string]any
}

// Invoke validates and dispatches a call. The envelope is the only way
// out: validation failures, execution failures, and successes all use it.
func (b *Bridge) Invoke(ctx context.Context, call Call) Envelope {
	command := call.Group + "." + call.Action

	group, ok := b.actions[call.Group]
	if !ok {
		return b.refuse(command, KindInvalidAction, call.Target,
			fmt.Sprintf("unknown group %q", call.Group), nil)
	}

	action, ok := group[call.Action]
	if !ok {
		names := b.actionNames(call.Group)
		msg := fmt.Sprintf("unknown action %q for %s; valid actions: %s",
			call.Action, call.Group, strings.Join(names, ", "))
		var data any
		if best, dist := stringutils.Nearest(call.Action, names); dist >= 0 && dist <= maxSuggestDistance {
			data = map[string]any{"did_you_mean": best}
		}
		return b.refuse(command, KindInvalidAction, call.Target, msg, data)
	}

	if action.RequiresTarget && call.Target == "" {
		return b.refuse(command, KindMissingTarget, "",
			fmt.Sprintf("action %q requires a target (\"session:window\")", call.Action), nil)
	}
	if call.Target != "" {
		if _, err := target.Parse(call.Target); err != nil {
			return b.refuse(command, KindInvalidTargetFormat, call.Target, err.Error(), nil)
		}
	}
	if len(call.Args) < action.MinArgs() {
		missing := action.Args[len(call.Args)].Name
		return b.refuse(command, KindMissingArgument, call.Target,
			fmt.Sprintf("action %q needs %d argument(s); missing %q",
				call.Action, action.MinArgs(), missing), nil)
	}

	flags, err := optionFlags(call.Options)
	if err != nil {
		return b.refuse(command, KindValidationError, call.Target, err.Error(), nil)
	}

	argv := []string{call.Group, call.Action}
	if call.Target != "" {
		argv = append(argv, call.Target)
	}
	argv = append(argv, call.Args...)
	argv = append(argv, flags...)
	argv = append(argv, "--json")

	return b.execute(ctx, command, call.Target, argv)
}

// execute runs argv against a fresh command tree. A command that printed
// its own envelope (the --json path) is passed through untouched.
func (b *Bridge) execute(ctx context.Context, command, tgt string, argv []string) Envelope {
	root := b.deps.NewRoot()
	root.SilenceUsage = true
	root.SilenceErrors = true

	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(argv)

	b.log.Debug("dispatch", zap.String("command", command))
	if err := root.ExecuteContext(ctx); err != nil {
		kind := KindForError(err)
		return b.refuse(command, kind, tgt, err.Error(), nil)
	}

	if env, ok := parseEnvelope(out.Bytes()); ok {
		return env
	}
	return OK(command, dataFromOutput(out.Bytes()))
}

// refuse builds the failure envelope and appends it to the error log.
func (b *Bridge) refuse(command string, kind Kind, tgt, msg string, data any) Envelope {
	if b.deps.Errors != nil {
		if err := b.deps.Errors.AppendError("bridge", kind.LogKind(), msg, tgt); err != nil {
			b.log.Warn("error log append failed", zap.Error(err))
		}
	}
	b.log.Debug("call refused",
		zap.String("command", command),
		zap.String("kind", string(kind)))
	return FailData(command, kind, msg, data)
}

func (b *Bridge) actionNames(group string) []string {
	for _, d := range b.descs {
		if d.Group != group {
			continue
		}
		names := make([]string, len(d.Actions))
		for i, a := range d.Actions {
			names[i] = a.Name
		}
		return names
	}
	return nil
}

// optionFlags renders the options map as --flag=value pairs in key order.
// Underscores in keys become dashes so tool callers can stay snake_case.
func optionFlags(options map[string]any) ([]string, error) {
	if len(options) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	flags := make([]string, 0, len(keys))
	for _, k := range keys {
		v, ok := scalarString(options[k])
		if !ok {
			return nil, fmt.Errorf("option %q: scalar value required", k)
		}
		name := strings.ReplaceAll(k, "_", "-")
		flags = append(flags, "--"+name+"="+v)
	}
	return flags, nil
}

func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case json.Number:
		return x.String(), true
	default:
		return "", false
	}
}

// KindForError maps an execution error onto the wire taxonomy. Commands pick
// exact kinds by wrapping with WithKind; everything else falls back to the
// sentinel and message heuristics here.
func KindForError(err error) Kind {
	var ke *KindError
	switch {
	case errors.As(err, &ke):
		return ke.Kind
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, tmux.ErrTimeout),
		errors.Is(err, tmux.ErrBackend),
		errors.Is(err, pool.ErrExhausted),
		errors.Is(err, pool.ErrClosed):
		return KindBackendError
	}
	msg := err.Error()
	if strings.Contains(msg, "unknown flag") ||
		strings.Contains(msg, "unknown shorthand flag") ||
		strings.Contains(msg, "invalid argument") ||
		strings.Contains(msg, "required flag") {
		return KindValidationError
	}
	return KindBackendError
}

// parseEnvelope recognizes output that already is a response envelope.
func parseEnvelope(raw []byte) (Envelope, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, false
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, false
	}
	if env.Command == "" || env.Timestamp == 0 {
		return Envelope{}, false
	}
	return env, true
}

// dataFromOutput shapes plain command output for the envelope.
func dataFromOutput(raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		if json.Valid(trimmed) {
			return json.RawMessage(trimmed)
		}
	}
	return map[string]any{"output": string(trimmed)}
}
