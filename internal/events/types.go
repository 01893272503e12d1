package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind tags an event variant.
type Kind string

const (
	KindAgentCrashed             Kind = "agent_crashed"
	KindAgentIdle                Kind = "agent_idle"
	KindAgentRateLimited         Kind = "agent_rate_limited"
	KindUnsubmittedInputDetected Kind = "unsubmitted_input_detected"
	KindRecoveryStarted          Kind = "recovery_started"
	KindRecoveryCompleted        Kind = "recovery_completed"
	KindRateLimitWindowBegan     Kind = "rate_limit_window_began"
	KindRateLimitWindowEnded     Kind = "rate_limit_window_ended"
)

// Priority constants for events.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
)

// Event is one observation emitted by the detector or recovery manager.
// Target is an agent target string, or "all" for fleet-wide events.
type Event struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Source     string         `json:"source"`
	Target     string         `json:"target,omitempty"`
	Priority   int            `json:"priority"`
	Reason     string         `json:"reason,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	ObservedAt time.Time      `json:"observed_at"`
}

// New creates an event with a generated ID, the kind's default priority, and
// the current timestamp.
func New(kind Kind, source, target, reason string, payload map[string]any) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Kind:       kind,
		Source:     source,
		Target:     target,
		Priority:   DefaultPriority(kind),
		Reason:     reason,
		Payload:    payload,
		ObservedAt: time.Now().UTC(),
	}
}

// AllKinds returns every defined event kind.
func AllKinds() []Kind {
	return []Kind{
		KindAgentCrashed,
		KindAgentIdle,
		KindAgentRateLimited,
		KindUnsubmittedInputDetected,
		KindRecoveryStarted,
		KindRecoveryCompleted,
		KindRateLimitWindowBegan,
		KindRateLimitWindowEnded,
	}
}

// DefaultPriority maps a kind to its delivery priority.
func DefaultPriority(kind Kind) int {
	switch kind {
	case KindAgentCrashed, KindRateLimitWindowBegan:
		return PriorityCritical
	case KindRecoveryStarted, KindRecoveryCompleted, KindRateLimitWindowEnded:
		return PriorityHigh
	case KindAgentRateLimited, KindUnsubmittedInputDetected:
		return PriorityNormal
	case KindAgentIdle:
		return PriorityLow
	default:
		return PriorityNormal
	}
}
