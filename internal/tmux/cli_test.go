package tmux

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/muxfleet/muxfleet/internal/logging"
	"github.com/muxfleet/muxfleet/internal/target"
)

// scriptedRunner records tmux invocations and replays canned responses.
type scriptedRunner struct {
	mu    sync.Mutex
	calls [][]string
	out   []byte
	err   error
}

func (r *scriptedRunner) run(ctx context.Context, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, args)
	return r.out, r.err
}

func (r *scriptedRunner) lastCall() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

func newTestDriver(r *scriptedRunner) *CLIDriver {
	d := NewCLIDriver(logging.Nop())
	d.minOpInterval = 0
	d.run = r.run
	return d
}

func TestListSessions(t *testing.T) {
	r := &scriptedRunner{out: []byte("alpha\nbeta\n")}
	d := newTestDriver(r)

	sessions, err := d.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0] != "alpha" || sessions[1] != "beta" {
		t.Errorf("sessions = %v", sessions)
	}
}

func TestListSessionsNoServer(t *testing.T) {
	r := &scriptedRunner{out: []byte("no server running on /tmp/tmux-0/default"), err: errors.New("exit status 1")}
	d := newTestDriver(r)

	sessions, err := d.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("missing server should not error, got %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("sessions = %v, want empty", sessions)
	}
}

func TestListWindows(t *testing.T) {
	r := &scriptedRunner{out: []byte("0\tpm\t1\n1\tworker-api\t0\n")}
	d := newTestDriver(r)

	windows, err := d.ListWindows(context.Background(), "proj")
	if err != nil {
		t.Fatalf("ListWindows: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("windows = %v", windows)
	}
	if windows[0] != (Window{Index: 0, Name: "pm", Active: true}) {
		t.Errorf("window 0 = %+v", windows[0])
	}
	if windows[1] != (Window{Index: 1, Name: "worker-api", Active: false}) {
		t.Errorf("window 1 = %+v", windows[1])
	}

	call := r.lastCall()
	if call[0] != "list-windows" || call[2] != "=proj" {
		t.Errorf("unexpected invocation %v", call)
	}
}

func TestCapturePane(t *testing.T) {
	r := &scriptedRunner{out: []byte("line one\nline two\n")}
	d := newTestDriver(r)

	text, err := d.CapturePane(context.Background(), target.New("proj", 1), 100)
	if err != nil {
		t.Fatalf("CapturePane: %v", err)
	}
	if text != "line one\nline two\n" {
		t.Errorf("text = %q", text)
	}

	call := strings.Join(r.lastCall(), " ")
	if !strings.Contains(call, "capture-pane -p -t proj:1 -S -100") {
		t.Errorf("unexpected invocation %q", call)
	}
}

func TestNewWindowParsesTarget(t *testing.T) {
	r := &scriptedRunner{out: []byte("proj:3\n")}
	d := newTestDriver(r)

	tgt, err := d.NewWindow(context.Background(), "proj", "worker", "/tmp", "claude")
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	if tgt.String() != "proj:3" {
		t.Errorf("target = %s", tgt)
	}
}

func TestSendKeysLiteralEmptyIsNoop(t *testing.T) {
	r := &scriptedRunner{}
	d := newTestDriver(r)

	if err := d.SendKeysLiteral(context.Background(), target.New("proj", 1), ""); err != nil {
		t.Fatalf("empty literal: %v", err)
	}
	if len(r.calls) != 0 {
		t.Errorf("empty literal ran %d commands, want 0", len(r.calls))
	}
}

func TestSendKeysLiteralArgs(t *testing.T) {
	r := &scriptedRunner{}
	d := newTestDriver(r)

	if err := d.SendKeysLiteral(context.Background(), target.New("proj", 1), "status please"); err != nil {
		t.Fatalf("SendKeysLiteral: %v", err)
	}
	call := r.lastCall()
	want := []string{"send-keys", "-t", "proj:1", "-l", "--", "status please"}
	if len(call) != len(want) {
		t.Fatalf("invocation = %v, want %v", call, want)
	}
	for i := range want {
		if call[i] != want[i] {
			t.Fatalf("invocation = %v, want %v", call, want)
		}
	}
}

func TestSendKey(t *testing.T) {
	r := &scriptedRunner{}
	d := newTestDriver(r)

	for _, k := range []Key{KeyEnter, KeyCtrlC, KeyCtrlU} {
		if err := d.SendKey(context.Background(), target.New("proj", 1), k); err != nil {
			t.Fatalf("SendKey(%s): %v", k, err)
		}
		call := r.lastCall()
		if call[len(call)-1] != string(k) {
			t.Errorf("SendKey(%s) sent %v", k, call)
		}
	}
}

func TestTimeoutSurfacesErrTimeout(t *testing.T) {
	d := NewCLIDriver(logging.Nop())
	d.minOpInterval = 0
	d.commandTimeout = 10 * time.Millisecond
	d.run = func(ctx context.Context, args ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := d.CapturePane(context.Background(), target.New("proj", 1), 50)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestBackendErrorWrapped(t *testing.T) {
	r := &scriptedRunner{out: []byte("can't find window: proj:9"), err: errors.New("exit status 1")}
	d := newTestDriver(r)

	_, err := d.CapturePane(context.Background(), target.New("proj", 9), 50)
	if !errors.Is(err, ErrBackend) {
		t.Errorf("err = %v, want ErrBackend", err)
	}
}

func TestWindowExistsMissing(t *testing.T) {
	r := &scriptedRunner{out: []byte("can't find window: proj:9"), err: errors.New("exit status 1")}
	d := newTestDriver(r)

	exists, err := d.WindowExists(context.Background(), target.New("proj", 9))
	if err != nil {
		t.Fatalf("WindowExists: %v", err)
	}
	if exists {
		t.Error("missing window reported as existing")
	}
}

func TestMinIntervalSpacing(t *testing.T) {
	r := &scriptedRunner{out: []byte("x\n")}
	d := NewCLIDriver(logging.Nop())
	d.minOpInterval = 30 * time.Millisecond
	d.run = r.run

	start := time.Now()
	_, _ = d.ListSessions(context.Background())
	_, _ = d.ListSessions(context.Background())
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("two calls completed in %v, want >= 30ms spacing", elapsed)
	}
}
