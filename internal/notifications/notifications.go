// Package notifications routes fleet events to delivery channels with
// per-kind cooldowns, so a flapping agent cannot spam its supervisor with
// the same alert every cycle.
package notifications

import (
	"context"
	"time"

	"github.com/muxfleet/muxfleet/internal/events"
	"github.com/muxfleet/muxfleet/internal/target"
)

// Notification is one alert on its way to a recipient agent or operator.
type Notification struct {
	Kind      events.Kind
	Target    string // subject agent, empty for fleet-wide alerts
	Recipient target.Target
	Message   string
	Priority  int
	CreatedAt time.Time
}

// FromEvent builds the notification for ev, addressed to recipient.
func FromEvent(ev events.Event, recipient target.Target, message string) Notification {
	return Notification{
		Kind:      ev.Kind,
		Target:    ev.Target,
		Recipient: recipient,
		Message:   message,
		Priority:  ev.Priority,
		CreatedAt: ev.ObservedAt,
	}
}

// Channel delivers notifications somewhere: a pane, the log, a webhook.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Record is the history row kept for every routed notification, delivered
// or dropped.
type Record struct {
	Kind          events.Kind `json:"kind"`
	Target        string      `json:"target,omitempty"`
	Recipient     string      `json:"recipient"`
	Message       string      `json:"message"`
	CooldownClass string      `json:"cooldown_class"`
	CreatedAt     time.Time   `json:"created_at"`
	SentAt        *time.Time  `json:"sent_at,omitempty"`
	Dropped       bool        `json:"dropped"`
	DropReason    string      `json:"drop_reason,omitempty"`
}

// History persists notification records. Implemented by the SQLite store.
type History interface {
	Save(rec Record) error
}

// CooldownClass buckets event kinds for cooldown accounting.
type CooldownClass string

const (
	ClassCrash     CooldownClass = "crash"
	ClassIdle      CooldownClass = "idle"
	ClassRateLimit CooldownClass = "rate_limit"
	ClassNone      CooldownClass = "none"
)

// ClassOf maps an event kind to its cooldown class. Recovery events carry
// no cooldown, each one is news.
func ClassOf(kind events.Kind) CooldownClass {
	switch kind {
	case events.KindAgentCrashed:
		return ClassCrash
	case events.KindAgentIdle, events.KindUnsubmittedInputDetected:
		return ClassIdle
	case events.KindRateLimitWindowBegan, events.KindAgentRateLimited:
		return ClassRateLimit
	default:
		return ClassNone
	}
}
