package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/muxfleet/muxfleet/internal/bridge"
	"github.com/muxfleet/muxfleet/internal/nats"
	"github.com/muxfleet/muxfleet/internal/registry"
	"github.com/muxfleet/muxfleet/internal/tasks"
)

func TestCommandName(t *testing.T) {
	root := &cobra.Command{Use: "muxfleet"}
	group := &cobra.Command{Use: "agent"}
	action := &cobra.Command{Use: "list"}
	group.AddCommand(action)
	root.AddCommand(group)

	if got := commandName(action); got != "agent.list" {
		t.Errorf("commandName(action) = %q, want %q", got, "agent.list")
	}
	if got := commandName(group); got != "agent" {
		t.Errorf("commandName(group) = %q, want %q", got, "agent")
	}
	if got := commandName(root); got != "muxfleet" {
		t.Errorf("commandName(root) = %q, want %q", got, "muxfleet")
	}
}

func TestToolSurface(t *testing.T) {
	descs := bridge.Describe(NewRoot(NewApp("test")))

	want := map[string][]string{
		"agent":        {"attach", "deploy", "info", "kill", "kill-all", "list", "message", "restart", "send", "status"},
		"context":      {"export", "list", "show", "spawn"},
		"daemon":       {"logs", "restart", "start", "status", "stop"},
		"errors":       {"clear", "list", "show", "summary"},
		"monitor":      {"dashboard", "logs", "metrics", "performance", "recovery-start", "recovery-status", "recovery-stop", "start", "status", "stop"},
		"orchestrator": {"broadcast", "kill", "kill-all", "list", "schedule", "start", "status"},
		"pm":           {"broadcast", "checkin", "create", "custom-checkin", "message", "status"},
		"pubsub":       {"clear", "publish", "query", "read", "search", "stats", "status", "subscribe"},
		"recovery":     {"start", "status", "stop", "test"},
		"server":       {"setup", "start", "status", "toggle", "tools"},
		"session":      {"attach", "list"},
		"setup":        {"all", "check", "check-requirements", "claude-code", "mcp", "tmux", "vscode"},
		"spawn":        {"agent", "orchestrator", "pm"},
		"tasks":        {"archive", "create", "distribute", "export", "generate", "list", "status"},
		"team":         {"broadcast", "deploy", "list", "recover", "status"},
	}

	if len(descs) != len(want) {
		var names []string
		for _, d := range descs {
			names = append(names, d.Group)
		}
		t.Fatalf("Describe() = %d groups %v, want %d", len(descs), names, len(want))
	}
	for _, d := range descs {
		wantActions, ok := want[d.Group]
		if !ok {
			t.Errorf("unexpected group %q", d.Group)
			continue
		}
		var got []string
		for _, a := range d.Actions {
			got = append(got, a.Name)
		}
		if !reflect.DeepEqual(got, wantActions) {
			t.Errorf("group %q actions = %v, want %v", d.Group, got, wantActions)
		}
	}

	// Targeted actions take an agent address as their first positional.
	wantTarget := map[string]bool{
		"agent.attach":  true,
		"agent.info":    true,
		"agent.kill":    true,
		"agent.message": true,
		"agent.restart": true,
		"agent.send":    true,
		"pm.message":    true,
		"team.status":   true,
	}
	for _, d := range descs {
		for _, a := range d.Actions {
			key := d.Group + "." + a.Name
			if a.RequiresTarget != wantTarget[key] {
				t.Errorf("%s RequiresTarget = %v, want %v", key, a.RequiresTarget, wantTarget[key])
			}
		}
	}
}

func TestToolSurfaceArgs(t *testing.T) {
	descs := bridge.Describe(NewRoot(NewApp("test")))
	find := func(group, action string) bridge.ActionDescriptor {
		t.Helper()
		for _, d := range descs {
			if d.Group != group {
				continue
			}
			for _, a := range d.Actions {
				if a.Name == action {
					return a
				}
			}
		}
		t.Fatalf("action %s.%s not described", group, action)
		return bridge.ActionDescriptor{}
	}

	schedule := find("orchestrator", "schedule")
	wantSchedule := []bridge.ArgDescriptor{{Name: "minutes"}, {Name: "note"}}
	if !reflect.DeepEqual(schedule.Args, wantSchedule) {
		t.Errorf("orchestrator.schedule args = %v, want %v", schedule.Args, wantSchedule)
	}
	if got := schedule.MinArgs(); got != 2 {
		t.Errorf("orchestrator.schedule MinArgs() = %d, want 2", got)
	}

	probe := find("recovery", "test")
	wantProbe := []bridge.ArgDescriptor{{Name: "target", Optional: true}}
	if !reflect.DeepEqual(probe.Args, wantProbe) {
		t.Errorf("recovery.test args = %v, want %v", probe.Args, wantProbe)
	}
	if got := probe.MinArgs(); got != 0 {
		t.Errorf("recovery.test MinArgs() = %d, want 0", got)
	}
}

func TestEmitJSONEnvelope(t *testing.T) {
	app := &App{Version: "test", jsonMode: true}
	root := &cobra.Command{Use: "muxfleet"}
	sub := &cobra.Command{Use: "ping"}
	root.AddCommand(sub)
	var buf bytes.Buffer
	root.SetOut(&buf)

	if err := app.emit(sub, map[string]int{"value": 7}, nil); err != nil {
		t.Fatalf("emit() error = %v", err)
	}

	var env bridge.Envelope
	if err := json.Unmarshal(buf.Bytes(), &env); err != nil {
		t.Fatalf("emit() wrote invalid JSON: %v\n%s", err, buf.String())
	}
	if !env.Success {
		t.Error("Success = false, want true")
	}
	if env.Command != "ping" {
		t.Errorf("Command = %q, want %q", env.Command, "ping")
	}
	if env.Error != nil || env.ErrorType != nil {
		t.Errorf("Error = %v, ErrorType = %v, want both nil", env.Error, env.ErrorType)
	}
	if env.Timestamp == 0 {
		t.Error("Timestamp = 0, want the emission time")
	}
	data, ok := env.Data.(map[string]any)
	if !ok || data["value"] != float64(7) {
		t.Errorf("Data = %#v, want map with value 7", env.Data)
	}
}

func TestEmitHumanMode(t *testing.T) {
	app := &App{Version: "test"}
	cmd := &cobra.Command{Use: "ping"}
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	err := app.emit(cmd, map[string]int{"value": 7}, func(w io.Writer) {
		fmt.Fprintln(w, "seven")
	})
	if err != nil {
		t.Fatalf("emit() error = %v", err)
	}
	if got := buf.String(); got != "seven\n" {
		t.Errorf("emit() wrote %q, want %q", got, "seven\n")
	}
}

func TestStreamByName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "events", want: nats.StreamEvents},
		{in: "Chat", want: nats.StreamChat},
		{in: "FLEET_PRESENCE", want: nats.StreamPresence},
		{in: "fleet_events", want: nats.StreamEvents},
		{in: "dlq", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := streamByName(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("streamByName(%q) error = nil, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("streamByName(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("streamByName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeTaskID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "12", want: "TASK-12"},
		{in: "TASK-12", want: "TASK-12"},
		{in: "task-7", want: "TASK-7"},
		{in: "t-9", want: "T-9"},
	}
	for _, tt := range tests {
		if got := normalizeTaskID(tt.in); got != tt.want {
			t.Errorf("normalizeTaskID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTaskSeq(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{in: "TASK-42", want: 42},
		{in: "TASK-1", want: 1},
		{in: "TASK-X", want: 0},
		{in: "42", want: 0},
		{in: "", want: 0},
	}
	for _, tt := range tests {
		if got := taskSeq(tt.in); got != tt.want {
			t.Errorf("taskSeq(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	got, err := parseStatus("in_progress")
	if err != nil {
		t.Fatalf("parseStatus(in_progress) error = %v", err)
	}
	if got != tasks.StatusInProgress {
		t.Errorf("parseStatus(in_progress) = %q, want %q", got, tasks.StatusInProgress)
	}
	if _, err := parseStatus("done"); err == nil {
		t.Error("parseStatus(done) error = nil, want error")
	}
}

func TestParseSource(t *testing.T) {
	got, err := parseSource("cli")
	if err != nil {
		t.Fatalf("parseSource(cli) error = %v", err)
	}
	if got != tasks.SourceCLI {
		t.Errorf("parseSource(cli) = %q, want %q", got, tasks.SourceCLI)
	}
	if _, err := parseSource("webhook"); err == nil {
		t.Error("parseSource(webhook) error = nil, want error")
	}
}

func TestParseRoles(t *testing.T) {
	got, err := parseRoles([]string{"pm", "qa", "orc"})
	if err != nil {
		t.Fatalf("parseRoles() error = %v", err)
	}
	want := []registry.Role{registry.RoleProjectManager, registry.RoleQA, registry.RoleOrchestrator}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseRoles() = %v, want %v", got, want)
	}
	if _, err := parseRoles([]string{"wizard"}); err == nil {
		t.Error("parseRoles(wizard) error = nil, want error")
	}
}

func TestTailLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.log")
	var lines []string
	for i := 1; i <= 8; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := tailLines(path, 3)
	if err != nil {
		t.Fatalf("tailLines() error = %v", err)
	}
	if want := lines[5:]; !reflect.DeepEqual(got, want) {
		t.Errorf("tailLines(3) = %v, want %v", got, want)
	}

	all, err := tailLines(path, 50)
	if err != nil {
		t.Fatalf("tailLines() error = %v", err)
	}
	if !reflect.DeepEqual(all, lines) {
		t.Errorf("tailLines(50) = %v, want all %d lines", all, len(lines))
	}

	if _, err := tailLines(filepath.Join(dir, "missing.log"), 5); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("tailLines(missing) error = %v, want ErrNotExist", err)
	}

	empty := filepath.Join(dir, "empty.log")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err = tailLines(empty, 5)
	if err != nil {
		t.Fatalf("tailLines(empty) error = %v", err)
	}
	if got != nil {
		t.Errorf("tailLines(empty) = %v, want nil", got)
	}
}

func TestBuildSpawnSpec(t *testing.T) {
	dir := t.TempDir()
	fronted := filepath.Join(dir, "pm.md")
	if err := os.WriteFile(fronted, []byte("---\nrole: pm\nwindow: boss\n---\nRun the team.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	plain := filepath.Join(dir, "plain.md")
	if err := os.WriteFile(plain, []byte("Just prose.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("bad role", func(t *testing.T) {
		if _, err := buildSpawnSpec("dev", "wizard", "", "", ""); err == nil {
			t.Error("buildSpawnSpec(wizard) error = nil, want error")
		}
	})

	t.Run("front matter fills role and window", func(t *testing.T) {
		spec, err := buildSpawnSpec("dev", "", "", "", fronted)
		if err != nil {
			t.Fatalf("buildSpawnSpec() error = %v", err)
		}
		if spec.Role != registry.RoleProjectManager {
			t.Errorf("Role = %q, want %q", spec.Role, registry.RoleProjectManager)
		}
		if spec.Name != "boss" {
			t.Errorf("Name = %q, want %q", spec.Name, "boss")
		}
		if spec.Briefing != "Run the team.\n" {
			t.Errorf("Briefing = %q, want the body", spec.Briefing)
		}
	})

	t.Run("explicit role beats front matter", func(t *testing.T) {
		spec, err := buildSpawnSpec("dev", "qa", "", "", fronted)
		if err != nil {
			t.Fatalf("buildSpawnSpec() error = %v", err)
		}
		if spec.Role != registry.RoleQA {
			t.Errorf("Role = %q, want %q", spec.Role, registry.RoleQA)
		}
		if spec.Name != "boss" {
			t.Errorf("Name = %q, want %q", spec.Name, "boss")
		}
	})

	t.Run("name flag beats front matter", func(t *testing.T) {
		spec, err := buildSpawnSpec("dev", "", "main", "", fronted)
		if err != nil {
			t.Fatalf("buildSpawnSpec() error = %v", err)
		}
		if spec.Name != "main" {
			t.Errorf("Name = %q, want %q", spec.Name, "main")
		}
	})

	t.Run("plain brief spawns a custom agent", func(t *testing.T) {
		spec, err := buildSpawnSpec("dev", "", "", "", plain)
		if err != nil {
			t.Fatalf("buildSpawnSpec() error = %v", err)
		}
		if spec.Role != registry.RoleCustom {
			t.Errorf("Role = %q, want %q", spec.Role, registry.RoleCustom)
		}
		if spec.Briefing != "Just prose.\n" {
			t.Errorf("Briefing = %q, want the file body", spec.Briefing)
		}
	})

	t.Run("missing brief file", func(t *testing.T) {
		if _, err := buildSpawnSpec("dev", "", "", "", filepath.Join(dir, "nope.md")); err == nil {
			t.Error("buildSpawnSpec(missing brief) error = nil, want error")
		}
	})
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{seconds: 0, want: "0s"},
		{seconds: 45, want: "45s"},
		{seconds: 90, want: "1m30s"},
		{seconds: 3661.4, want: "1h1m1s"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.seconds); got != tt.want {
			t.Errorf("formatUptime(%v) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}

func TestErrStrings(t *testing.T) {
	if got := errStrings(nil); got != nil {
		t.Errorf("errStrings(nil) = %v, want nil", got)
	}
	got := errStrings([]error{errors.New("a"), errors.New("b")})
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("errStrings() = %v, want [a b]", got)
	}
}
