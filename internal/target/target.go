// Package target defines the canonical address of a managed agent: a tmux
// session name plus a window index, written "session:window".
package target

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// wireRe validates the wire form. Session names allow the characters tmux
// itself accepts for our sessions; the window part must be a bare index.
var wireRe = regexp.MustCompile(`^[A-Za-z0-9_-]+:\d+$`)

// Target identifies one agent window. The zero value is not a valid target.
type Target struct {
	Session string
	Window  int
}

// Parse converts the wire form "session:window" into a Target.
func Parse(s string) (Target, error) {
	if !wireRe.MatchString(s) {
		return Target{}, fmt.Errorf("invalid target %q: want session:window matching [A-Za-z0-9_-]+:[0-9]+", s)
	}
	idx := strings.LastIndex(s, ":")
	window, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return Target{}, fmt.Errorf("invalid window index in %q: %w", s, err)
	}
	return Target{Session: s[:idx], Window: window}, nil
}

// Valid reports whether s is a well-formed wire target.
func Valid(s string) bool {
	return wireRe.MatchString(s)
}

// New builds a Target from its parts without validation of the session name.
func New(session string, window int) Target {
	return Target{Session: session, Window: window}
}

// String returns the wire form.
func (t Target) String() string {
	return fmt.Sprintf("%s:%d", t.Session, t.Window)
}

// IsZero reports whether the target is unset.
func (t Target) IsZero() bool {
	return t.Session == "" && t.Window == 0
}

// MarshalText encodes the wire form, making Target usable as a JSON map key.
func (t Target) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses the wire form.
func (t *Target) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
