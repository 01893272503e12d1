package nats

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	nc "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/logging"
)

// Stream names. Events and chat survive daemon restarts on disk; presence is
// a short-lived in-memory beacon.
const (
	StreamEvents   = "FLEET_EVENTS"
	StreamChat     = "FLEET_CHAT"
	StreamPresence = "FLEET_PRESENCE"
)

// Subject roots per stream.
const (
	subjectEvents   = "fleet.events"
	subjectChat     = "fleet.chat"
	subjectPresence = "fleet.presence"
)

// EventSubject returns the subject an event kind is mirrored to.
func EventSubject(kind string) string {
	return subjectEvents + "." + Token(kind)
}

// ChatSubject returns the subject for messages addressed to a recipient,
// "all" for broadcasts.
func ChatSubject(to string) string {
	return subjectChat + "." + Token(to)
}

// PresenceSubject returns the subject an agent's presence beacon uses.
func PresenceSubject(target string) string {
	return subjectPresence + "." + Token(target)
}

// Token sanitizes a string for use as one NATS subject token.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>':
			return '_'
		}
		return r
	}, s)
}

// Streams manages the fleet's JetStream streams.
type Streams struct {
	js  nc.JetStreamContext
	log *logging.Logger
}

// NewStreams wraps the client's JetStream context.
func NewStreams(c *Client, log *logging.Logger) *Streams {
	if log == nil {
		log = logging.Nop()
	}
	return &Streams{js: c.JetStream(), log: log.Component("streams")}
}

// Ensure creates or updates every fleet stream.
func (s *Streams) Ensure() error {
	configs := []nc.StreamConfig{
		{
			Name:        StreamEvents,
			Description: "Monitor and recovery events",
			Subjects:    []string{subjectEvents + ".>"},
			Storage:     nc.FileStorage,
			MaxAge:      24 * time.Hour,
			Retention:   nc.LimitsPolicy,
		},
		{
			Name:        StreamChat,
			Description: "Cross-agent messages and broadcasts",
			Subjects:    []string{subjectChat + ".>"},
			Storage:     nc.FileStorage,
			MaxAge:      24 * time.Hour,
			Retention:   nc.LimitsPolicy,
		},
		{
			Name:        StreamPresence,
			Description: "Agent presence beacons",
			Subjects:    []string{subjectPresence + ".>"},
			Storage:     nc.MemoryStorage,
			MaxAge:      5 * time.Minute,
			Retention:   nc.LimitsPolicy,
		},
	}
	for _, cfg := range configs {
		if err := s.ensureOne(cfg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Streams) ensureOne(cfg nc.StreamConfig) error {
	_, err := s.js.StreamInfo(cfg.Name)
	if errors.Is(err, nc.ErrStreamNotFound) {
		if _, err := s.js.AddStream(&cfg); err != nil {
			return fmt.Errorf("nats: create stream %s: %w", cfg.Name, err)
		}
		s.log.Info("stream created", zap.String("stream", cfg.Name), zap.Strings("subjects", cfg.Subjects))
		return nil
	}
	if err != nil {
		return fmt.Errorf("nats: stream info %s: %w", cfg.Name, err)
	}
	if _, err := s.js.UpdateStream(&cfg); err != nil {
		return fmt.Errorf("nats: update stream %s: %w", cfg.Name, err)
	}
	s.log.Debug("stream updated", zap.String("stream", cfg.Name))
	return nil
}

// StoredMessage is one message read back from a stream.
type StoredMessage struct {
	Subject   string          `json:"subject"`
	Sequence  uint64          `json:"sequence"`
	Published time.Time       `json:"published"`
	Data      json.RawMessage `json:"data"`
}

// Read returns up to limit of the newest messages in a stream, oldest of
// those first.
func (s *Streams) Read(stream string, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	info, err := s.js.StreamInfo(stream)
	if err != nil {
		return nil, fmt.Errorf("nats: stream info %s: %w", stream, err)
	}
	if info.State.Msgs == 0 {
		return nil, nil
	}

	start := info.State.FirstSeq
	if last := info.State.LastSeq; last >= uint64(limit) && last-uint64(limit)+1 > start {
		start = last - uint64(limit) + 1
	}
	return s.fetch(stream, "", start, limit, nil)
}

// Query returns the newest messages on one subject, which may be a literal
// or a wildcard pattern under the stream's root.
func (s *Streams) Query(stream, subject string, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	info, err := s.js.StreamInfo(stream)
	if err != nil {
		return nil, fmt.Errorf("nats: stream info %s: %w", stream, err)
	}
	if info.State.Msgs == 0 {
		return nil, nil
	}
	return s.fetch(stream, subject, info.State.FirstSeq, limit, nil)
}

// Search returns messages whose payload contains text.
func (s *Streams) Search(stream, text string, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	info, err := s.js.StreamInfo(stream)
	if err != nil {
		return nil, fmt.Errorf("nats: stream info %s: %w", stream, err)
	}
	if info.State.Msgs == 0 {
		return nil, nil
	}
	match := func(m StoredMessage) bool {
		return strings.Contains(string(m.Data), text)
	}
	return s.fetch(stream, "", info.State.FirstSeq, limit, match)
}

// fetch drains a stream through an ephemeral ordered consumer starting at
// seq, keeping at most limit messages that pass keep (nil keeps all). When
// more than limit match, the newest ones win.
func (s *Streams) fetch(stream, subject string, seq uint64, limit int, keep func(StoredMessage) bool) ([]StoredMessage, error) {
	opts := []nc.SubOpt{
		nc.BindStream(stream),
		nc.OrderedConsumer(),
		nc.StartSequence(seq),
	}
	if subject == "" {
		subject = subjectFor(stream)
	}

	msgs := make(chan *nc.Msg, 64)
	sub, err := s.js.Subscribe(subject, func(m *nc.Msg) { msgs <- m }, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats: read %s: %w", stream, err)
	}
	defer sub.Unsubscribe()

	var out []StoredMessage
	idle := time.NewTimer(500 * time.Millisecond)
	defer idle.Stop()
	for {
		select {
		case m := <-msgs:
			meta, err := m.Metadata()
			if err != nil {
				continue
			}
			sm := StoredMessage{
				Subject:   m.Subject,
				Sequence:  meta.Sequence.Stream,
				Published: meta.Timestamp,
				Data:      json.RawMessage(append([]byte(nil), m.Data...)),
			}
			if keep != nil && !keep(sm) {
				continue
			}
			out = append(out, sm)
			if len(out) > limit {
				out = out[1:]
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(200 * time.Millisecond)
		case <-idle.C:
			return out, nil
		}
	}
}

func subjectFor(stream string) string {
	switch stream {
	case StreamEvents:
		return subjectEvents + ".>"
	case StreamChat:
		return subjectChat + ".>"
	case StreamPresence:
		return subjectPresence + ".>"
	default:
		return ">"
	}
}

// Purge drops every message in a stream and reports how many went.
func (s *Streams) Purge(stream string) (uint64, error) {
	info, err := s.js.StreamInfo(stream)
	if err != nil {
		return 0, fmt.Errorf("nats: stream info %s: %w", stream, err)
	}
	n := info.State.Msgs
	if err := s.js.PurgeStream(stream); err != nil {
		return 0, fmt.Errorf("nats: purge %s: %w", stream, err)
	}
	s.log.Info("stream purged", zap.String("stream", stream), zap.Uint64("messages", n))
	return n, nil
}

// StreamStats summarizes one stream for `pubsub stats`.
type StreamStats struct {
	Messages  uint64     `json:"messages"`
	Bytes     uint64     `json:"bytes"`
	FirstSeq  uint64     `json:"first_seq"`
	LastSeq   uint64     `json:"last_seq"`
	Consumers int        `json:"consumers"`
	OldestAt  *time.Time `json:"oldest_at,omitempty"`
}

// Stats reports the state of every fleet stream.
func (s *Streams) Stats() (map[string]StreamStats, error) {
	out := make(map[string]StreamStats, 3)
	for _, name := range []string{StreamEvents, StreamChat, StreamPresence} {
		info, err := s.js.StreamInfo(name)
		if errors.Is(err, nc.ErrStreamNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("nats: stream info %s: %w", name, err)
		}
		st := StreamStats{
			Messages:  info.State.Msgs,
			Bytes:     info.State.Bytes,
			FirstSeq:  info.State.FirstSeq,
			LastSeq:   info.State.LastSeq,
			Consumers: info.State.Consumers,
		}
		if info.State.Msgs > 0 {
			t := info.State.FirstTime
			st.OldestAt = &t
		}
		out[name] = st
	}
	return out, nil
}
