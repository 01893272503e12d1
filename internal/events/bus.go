package events

import (
	"sync"
)

// Subscription represents a subscription to events
type Subscription struct {
	Ch     chan Event // Channel to receive events
	Kinds  []Kind     // Event kinds to filter (nil/empty = all kinds)
	Target string     // Target identifier
}

// Sink receives every published event for recording. Saving must be fast;
// the bus calls it inline.
type Sink interface {
	Save(event *Event) error
}

// Bus manages event subscriptions and publishing
type Bus struct {
	subscribers map[string][]*Subscription // target -> subscriptions
	sink        Sink                       // Optional recorder
	mu          sync.RWMutex               // Protects subscribers map
}

// NewBus creates a new event bus
func NewBus(sink Sink) *Bus {
	return &Bus{
		subscribers: make(map[string][]*Subscription),
		sink:        sink,
	}
}

// Subscribe creates a new subscription for the given target and event kinds.
// Returns a channel that will receive matching events.
// If kinds is nil or empty, all event kinds will be received.
func (b *Bus) Subscribe(target string, kinds []Kind) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		Ch:     make(chan Event, 100), // Buffered channel
		Kinds:  kinds,
		Target: target,
	}

	b.subscribers[target] = append(b.subscribers[target], sub)

	return sub.Ch
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(target string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, exists := b.subscribers[target]
	if !exists {
		return
	}

	// Find and remove the subscription
	for i, sub := range subs {
		if sub.Ch == ch {
			// Close the channel
			close(sub.Ch)

			// Remove from slice
			b.subscribers[target] = append(subs[:i], subs[i+1:]...)

			// Clean up empty target entries
			if len(b.subscribers[target]) == 0 {
				delete(b.subscribers, target)
			}

			return
		}
	}
}

// Publish sends an event to all matching subscribers.
// Events are sent to:
// 1. Subscribers for the specific target
// 2. Subscribers for "all" (if target is not "all")
// 3. All subscribers (if target is "all")
func (b *Bus) Publish(event *Event) {
	// Record if a sink is attached
	if b.sink != nil {
		_ = b.sink.Save(event) // recording failures never block delivery
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	// Collect all matching subscriptions
	var targetSubs []*Subscription

	if event.Target == "all" {
		// Broadcast to everyone
		for _, subs := range b.subscribers {
			targetSubs = append(targetSubs, subs...)
		}
	} else {
		// Send to specific target
		if subs, exists := b.subscribers[event.Target]; exists {
			targetSubs = append(targetSubs, subs...)
		}

		// Also send to "all" subscribers
		if subs, exists := b.subscribers["all"]; exists {
			targetSubs = append(targetSubs, subs...)
		}
	}

	// Send to all matching subscriptions
	for _, sub := range targetSubs {
		if matchesKinds(event.Kind, sub.Kinds) {
			// Non-blocking send
			select {
			case sub.Ch <- *event:
				// Event sent successfully
			default:
				// Channel full, drop event to avoid blocking
			}
		}
	}
}

// matchesKinds checks if an event kind matches the subscription filter
func matchesKinds(kind Kind, kinds []Kind) bool {
	// Nil or empty kinds means accept all
	if len(kinds) == 0 {
		return true
	}

	// Check if event kind is in the filter list
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}

	return false
}
