package stringutils

import "testing"

func TestTrimAll(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty string", input: "", expected: ""},
		{name: "no whitespace", input: "hello", expected: "hello"},
		{name: "leading and trailing spaces", input: "  hello  ", expected: "hello"},
		{name: "spaces between words", input: "hello world", expected: "helloworld"},
		{name: "tabs and newlines", input: "hello\t\nworld", expected: "helloworld"},
		{name: "only whitespace", input: "   \t\n  ", expected: ""},
		{name: "unicode whitespace", input: "hello world", expected: "helloworld"},
		{name: "pane capture with cursor jitter", input: "│ > \n  done. ", expected: "│>done."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := TrimAll(tt.input)
			if result != tt.expected {
				t.Errorf("TrimAll(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestIsEmpty(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{name: "empty string", input: "", expected: true},
		{name: "spaces only", input: "   ", expected: true},
		{name: "tabs and newlines", input: "\t\n", expected: true},
		{name: "single character", input: "a", expected: false},
		{name: "text with whitespace", input: "  hello  ", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsEmpty(tt.input)
			if result != tt.expected {
				t.Errorf("IsEmpty(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLastNonEmptyLine(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty", input: "", expected: ""},
		{name: "all blank", input: "\n \n\t\n", expected: ""},
		{name: "single line", input: "bash-5.1$ ", expected: "bash-5.1$"},
		{name: "trailing blanks", input: "output\nbash-5.1$ \n\n", expected: "bash-5.1$"},
		{name: "multi line", input: "a\nb\nc", expected: "c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := LastNonEmptyLine(tt.input)
			if result != tt.expected {
				t.Errorf("LastNonEmptyLine(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"abc", "", 3},
		{"status", "status", 0},
		{"stauts", "status", 2},
		{"strat", "start", 2},
		{"kill", "list", 3},
	}

	for _, tt := range tests {
		if got := Levenshtein(tt.a, tt.b); got != tt.want {
			t.Errorf("Levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestNearest(t *testing.T) {
	actions := []string{"list", "status", "info", "send", "kill", "restart"}

	got, dist := Nearest("stauts", actions)
	if got != "status" {
		t.Errorf("Nearest(stauts) = %q, want status", got)
	}
	if dist != 2 {
		t.Errorf("Nearest(stauts) distance = %d, want 2", dist)
	}

	got, dist = Nearest("anything", nil)
	if got != "" || dist != -1 {
		t.Errorf("Nearest with no candidates = (%q, %d), want (\"\", -1)", got, dist)
	}

	// Case-insensitive comparison.
	got, _ = Nearest("LIST", actions)
	if got != "list" {
		t.Errorf("Nearest(LIST) = %q, want list", got)
	}
}

func BenchmarkTrimAll(b *testing.B) {
	input := "  hello world  this is a test  "
	for i := 0; i < b.N; i++ {
		TrimAll(input)
	}
}
