package events

import (
	"testing"
	"time"
)

func TestKindStrings(t *testing.T) {
	tests := []struct {
		name     string
		kind     Kind
		expected string
	}{
		{"Crash", KindAgentCrashed, "agent_crashed"},
		{"Idle", KindAgentIdle, "agent_idle"},
		{"Rate limited", KindAgentRateLimited, "agent_rate_limited"},
		{"Unsubmitted input", KindUnsubmittedInputDetected, "unsubmitted_input_detected"},
		{"Recovery started", KindRecoveryStarted, "recovery_started"},
		{"Recovery completed", KindRecoveryCompleted, "recovery_completed"},
		{"Window began", KindRateLimitWindowBegan, "rate_limit_window_began"},
		{"Window ended", KindRateLimitWindowEnded, "rate_limit_window_ended"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.kind) != tt.expected {
				t.Errorf("Kind = %v, want %v", tt.kind, tt.expected)
			}
		})
	}
}

func TestDefaultPriority(t *testing.T) {
	if got := DefaultPriority(KindAgentCrashed); got != PriorityCritical {
		t.Errorf("crash priority = %d, want %d", got, PriorityCritical)
	}
	if got := DefaultPriority(KindRateLimitWindowBegan); got != PriorityCritical {
		t.Errorf("window-began priority = %d, want %d", got, PriorityCritical)
	}
	if got := DefaultPriority(KindAgentIdle); got != PriorityLow {
		t.Errorf("idle priority = %d, want %d", got, PriorityLow)
	}
	if got := DefaultPriority(Kind("future_kind")); got != PriorityNormal {
		t.Errorf("unknown kind priority = %d, want %d", got, PriorityNormal)
	}
}

func TestNew(t *testing.T) {
	beforeCreate := time.Now().UTC()

	event := New(KindAgentCrashed, "detector", "proj:1", "shell prompt at end of buffer", map[string]any{
		"fingerprint": "c0ffee",
	})

	afterCreate := time.Now().UTC()

	// Verify ID is generated (UUID format)
	if event.ID == "" {
		t.Error("New did not generate ID")
	}
	if len(event.ID) != 36 { // Standard UUID length with hyphens
		t.Errorf("Generated ID has unexpected length: %d, want 36", len(event.ID))
	}

	// Verify timestamp is set and within reasonable range
	if event.ObservedAt.IsZero() {
		t.Error("New did not set ObservedAt timestamp")
	}
	if event.ObservedAt.Before(beforeCreate) || event.ObservedAt.After(afterCreate) {
		t.Errorf("ObservedAt timestamp %v is outside expected range [%v, %v]",
			event.ObservedAt, beforeCreate, afterCreate)
	}

	// Verify other fields
	if event.Kind != KindAgentCrashed {
		t.Errorf("Kind = %v, want %v", event.Kind, KindAgentCrashed)
	}
	if event.Source != "detector" {
		t.Errorf("Source = %v, want 'detector'", event.Source)
	}
	if event.Target != "proj:1" {
		t.Errorf("Target = %v, want 'proj:1'", event.Target)
	}
	if event.Priority != PriorityCritical {
		t.Errorf("Priority = %v, want %v", event.Priority, PriorityCritical)
	}
	if event.Reason != "shell prompt at end of buffer" {
		t.Errorf("Reason = %v, want the crash reason", event.Reason)
	}
	if event.Payload["fingerprint"] != "c0ffee" {
		t.Errorf("Payload.fingerprint = %v, want 'c0ffee'", event.Payload["fingerprint"])
	}
}

func TestAllKinds(t *testing.T) {
	kinds := AllKinds()

	expectedCount := 8
	if len(kinds) != expectedCount {
		t.Errorf("AllKinds returned %d kinds, want %d", len(kinds), expectedCount)
	}

	seen := make(map[Kind]bool)
	for _, k := range kinds {
		seen[k] = true
	}
	for _, k := range []Kind{KindAgentCrashed, KindRecoveryCompleted, KindRateLimitWindowEnded} {
		if !seen[k] {
			t.Errorf("AllKinds missing kind: %v", k)
		}
	}
}
