package nats

import (
	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/events"
	"github.com/muxfleet/muxfleet/internal/logging"
)

// Mirror copies every bus event onto the events stream so `pubsub` readers
// and external subscribers see the same history the daemon saw. Implements
// events.Sink.
type Mirror struct {
	client *Client
	log    *logging.Logger
}

// NewMirror builds a mirror over an established connection.
func NewMirror(c *Client, log *logging.Logger) *Mirror {
	if log == nil {
		log = logging.Nop()
	}
	return &Mirror{client: c, log: log.Component("mirror")}
}

// Save publishes the event to its kind's subject. Publish errors are logged
// and swallowed; the in-process bus must keep delivering even when the
// broker is down.
func (m *Mirror) Save(ev *events.Event) error {
	if err := m.client.PublishJSON(EventSubject(string(ev.Kind)), ev); err != nil {
		m.log.Warn("event mirror failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
	return nil
}
