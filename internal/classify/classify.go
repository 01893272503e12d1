// Package classify turns captured pane text into an agent state. This is the
// interpretive core of the monitor; rule order matters and the first match
// wins.
package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/muxfleet/muxfleet/internal/ratelimit"
	"github.com/muxfleet/muxfleet/internal/stringutils"
)

var bashPromptRe = regexp.MustCompile(`bash-\d`)

// AgentState is the classified condition of one agent pane.
type AgentState string

const (
	StateFresh            AgentState = "fresh"
	StateActive           AgentState = "active"
	StateIdle             AgentState = "idle"
	StateUnsubmittedInput AgentState = "unsubmitted_input"
	StateCrashed          AgentState = "crashed"
	StateRateLimited      AgentState = "rate_limited"
	StateUnknown          AgentState = "unknown"
)

// Terminal reports whether the state needs operator or recovery attention.
func (s AgentState) Terminal() bool {
	return s == StateCrashed || s == StateRateLimited
}

// Result is the outcome of classifying one capture. ResetClock is set only
// for StateRateLimited. NearMiss carries a banner fragment that almost
// matched the fresh whitelist; callers log it for review.
type Result struct {
	State      AgentState
	ResetClock *ratelimit.Clock
	Reason     string
	NearMiss   string
}

// freshMarkers is the whitelist of banner strings that mark a freshly
// launched agent. Generic phrases must stay out of this list.
var freshMarkers = []string{
	"Welcome to Claude",
	"claude-code v",
	"Type your message",
	"? for shortcuts",
}

// safePhrases suppress crash indicators when the pane is quoting failures
// rather than showing one.
var safePhrases = []string{
	"previously failed",
	"test failed",
	"deployment failed",
	"build failed",
	"error occurred while",
	"had failed",
}

// safeGlyphs are REPL frame and tool-output characters. Their presence means
// the coding agent still owns the pane.
var safeGlyphs = []string{"╭", "╰", "│", "─", "⎿", "└", "├"}

const usageLimitSentinel = "usage limit reached"

// Classifier holds the few knobs classification needs. Classify itself is
// deterministic and side-effect free.
type Classifier struct {
	launchCommand string
}

// New returns a classifier for panes launched with the given agent command.
func New(launchCommand string) *Classifier {
	if launchCommand == "" {
		launchCommand = "claude"
	}
	return &Classifier{launchCommand: launchCommand}
}

// Classify maps pane text to a state. Idle is never returned here; it needs
// fingerprint history, so tentative Active is returned and the health checker
// promotes.
func (c *Classifier) Classify(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{State: StateUnknown, Reason: "empty capture"}
	}
	lower := strings.ToLower(text)

	if strings.Contains(lower, usageLimitSentinel) {
		if clock, ok := ratelimit.ParseReset(text); ok {
			return Result{
				State:      StateRateLimited,
				ResetClock: &clock,
				Reason:     fmt.Sprintf("usage limit, reset at %02d:%02d UTC", clock.Hour, clock.Minute),
			}
		}
	}

	if content, ok := PromptContent(text); ok && content != "" {
		return Result{
			State:  StateUnsubmittedInput,
			Reason: "typed input pending in prompt",
		}
	}

	if marker := matchFreshMarker(text); marker != "" {
		return Result{State: StateFresh, Reason: fmt.Sprintf("banner marker %q", marker)}
	}
	nearMiss := freshNearMiss(text, lower)

	if indicator := crashIndicator(text, lower, c.launchCommand); indicator != "" {
		if safe := safeContext(text, lower); safe != "" {
			return Result{
				State:    StateActive,
				Reason:   fmt.Sprintf("crash indicator %q suppressed by %s", indicator, safe),
				NearMiss: nearMiss,
			}
		}
		return Result{State: StateCrashed, Reason: fmt.Sprintf("crash indicator %q", indicator), NearMiss: nearMiss}
	}

	return Result{State: StateActive, Reason: "output present, no terminal markers", NearMiss: nearMiss}
}

// Fingerprint hashes a capture for change detection. Trailing whitespace is
// stripped first; tmux pads lines differently between captures.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(stringutils.TrimAll(text)))
	return hex.EncodeToString(sum[:])[:16]
}

// PromptContent returns what sits after the `│ >` prompt, frame characters
// stripped. Scrollback can hold stale prompt boxes, so the bottom-most
// prompt line wins. The submitter uses this to verify a payload left the
// input box.
func PromptContent(text string) (string, bool) {
	var content string
	var found bool
	for _, line := range strings.Split(text, "\n") {
		i := strings.Index(line, "│")
		if i < 0 {
			continue
		}
		rest := strings.TrimLeft(line[i+len("│"):], " ")
		if !strings.HasPrefix(rest, ">") {
			continue
		}
		rest = strings.TrimPrefix(rest, ">")
		rest = strings.TrimSuffix(strings.TrimSpace(rest), "│")
		content, found = strings.TrimSpace(rest), true
	}
	return content, found
}

func matchFreshMarker(text string) string {
	for _, m := range freshMarkers {
		if strings.Contains(text, m) {
			return m
		}
	}
	return ""
}

// freshNearMiss reports a banner that matched a whitelist entry only
// case-insensitively. Those get logged so the whitelist can be extended
// deliberately instead of silently.
func freshNearMiss(text, lower string) string {
	for _, m := range freshMarkers {
		if strings.Contains(lower, strings.ToLower(m)) && !strings.Contains(text, m) {
			return m
		}
	}
	return ""
}

func crashIndicator(text, lower, launchCommand string) string {
	if strings.Contains(text, "Segmentation fault") {
		return "Segmentation fault"
	}
	if strings.Contains(lower, "core dumped") {
		return "core dumped"
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, "command not found") && strings.Contains(line, launchCommand) {
			return launchCommand + ": command not found"
		}
	}
	atPrompt := endsAtShellPrompt(text)
	if atPrompt && containsKilled(text) {
		return "Killed at shell prompt"
	}
	if atPrompt {
		return "shell prompt at end of buffer"
	}
	return ""
}

// endsAtShellPrompt checks the last non-empty line for a bare shell prompt.
// tmux pads trailing spaces, so the `$ ` family is matched after a right
// trim.
func endsAtShellPrompt(text string) bool {
	line := stringutils.LastNonEmptyLine(text)
	if line == "" {
		return false
	}
	if bashPromptRe.MatchString(line) || strings.Contains(line, "zsh:") {
		return true
	}
	trimmed := strings.TrimRight(line, " \t")
	return strings.HasSuffix(trimmed, "$") ||
		strings.HasSuffix(trimmed, "#") ||
		strings.HasSuffix(trimmed, "%")
}

func containsKilled(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		t := strings.TrimSpace(line)
		if t == "Killed" || strings.HasPrefix(t, "Killed ") {
			return true
		}
	}
	return false
}

func safeContext(text, lower string) string {
	for _, g := range safeGlyphs {
		if strings.Contains(text, g) {
			return "frame glyph " + g
		}
	}
	if strings.Contains(text, "Human:") {
		return "transcript marker Human:"
	}
	if strings.Contains(text, "Assistant:") {
		return "transcript marker Assistant:"
	}
	for _, p := range safePhrases {
		if strings.Contains(lower, p) {
			return fmt.Sprintf("phrase %q", p)
		}
	}
	return ""
}
