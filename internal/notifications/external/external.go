// Package external delivers fleet notifications to endpoints outside the
// terminal: Slack and Discord webhooks and SMTP email. Every channel here
// is opt-in through the notify config section and plugs into the same
// router as the in-terminal channels.
package external

import (
	"github.com/muxfleet/muxfleet/internal/events"
	"github.com/muxfleet/muxfleet/internal/notifications"
)

// Filter gates a channel by priority and kind. Priority 1 is the most
// urgent, so higher numbers fall below the floor.
type Filter struct {
	MinPriority int           `json:"min_priority,omitempty"`
	Kinds       []events.Kind `json:"kinds,omitempty"`
}

func (f Filter) pass(n notifications.Notification) bool {
	if f.MinPriority > 0 && n.Priority > f.MinPriority {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if n.Kind == k {
			return true
		}
	}
	return false
}

func priorityLabel(p int) string {
	switch p {
	case events.PriorityCritical:
		return "critical"
	case events.PriorityHigh:
		return "high"
	case events.PriorityNormal:
		return "normal"
	case events.PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}
