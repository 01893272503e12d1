package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/muxfleet/muxfleet/internal/bridge"
	"github.com/muxfleet/muxfleet/internal/nats"
)

func newPubsubCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pubsub",
		Short: "Publish to and read the fleet message bus",
		Long: `Agents coordinate over an embedded NATS server inside the daemon.
Events, chat and presence land in JetStream streams that these
commands read back out.`,
	}
	cmd.AddCommand(
		newPubsubPublishCmd(app),
		newPubsubReadCmd(app),
		newPubsubSubscribeCmd(app),
		newPubsubStatusCmd(app),
		newPubsubClearCmd(app),
		newPubsubStatsCmd(app),
		newPubsubQueryCmd(app),
		newPubsubSearchCmd(app),
	)
	return cmd
}

func newPubsubPublishCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <subject> <message>...",
		Short: "Publish a message to a subject",
		Args:  cobra.MinimumNArgs(2),
		Annotations: map[string]string{
			bridge.AnnotationArgs: "subject message",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := busClient(cmd, app)
			if err != nil {
				return err
			}
			defer c.Close()

			subject := args[0]
			body := strings.Join(args[1:], " ")
			if err := c.Publish(subject, []byte(body)); err != nil {
				return backendf("%v", err)
			}
			if err := c.Flush(); err != nil {
				return backendf("%v", err)
			}
			data := map[string]any{"subject": subject, "bytes": len(body)}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "published %d bytes to %s\n", len(body), subject)
			})
		},
	}
}

func newPubsubReadCmd(app *App) *cobra.Command {
	var (
		stream string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read the newest messages from a stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := streamByName(stream)
			if err != nil {
				return err
			}
			c, err := busClient(cmd, app)
			if err != nil {
				return err
			}
			defer c.Close()

			msgs, err := nats.NewStreams(c, app.Logger()).Read(name, limit)
			if err != nil {
				return backendf("%v", err)
			}
			return emitStored(cmd, app, name, msgs)
		},
	}
	cmd.Flags().StringVar(&stream, "stream", "events", "stream to read: events, chat or presence")
	cmd.Flags().IntVar(&limit, "limit", 20, "newest messages to return")
	return cmd
}

func newPubsubSubscribeCmd(app *App) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "subscribe <subject>",
		Short: "Listen on a subject for a while and report what arrived",
		Args:  cobra.ExactArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationArgs: "subject",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := busClient(cmd, app)
			if err != nil {
				return err
			}
			defer c.Close()

			subject := args[0]
			var (
				mu       sync.Mutex
				received []map[string]any
			)
			live := cmd.OutOrStdout()
			sub, err := c.Subscribe(subject, func(m *nats.Message) {
				doc := map[string]any{
					"subject": m.Subject,
					"data":    payloadDoc(m.Data),
				}
				mu.Lock()
				received = append(received, doc)
				mu.Unlock()
				if !app.jsonMode {
					fmt.Fprintf(live, "%s  %s\n", m.Subject, string(m.Data))
				}
			})
			if err != nil {
				return backendf("%v", err)
			}
			defer sub.Unsubscribe()

			if !app.jsonMode {
				fmt.Fprintf(live, "listening on %s for %s...\n", subject, wait)
			}
			select {
			case <-cmd.Context().Done():
			case <-time.After(wait):
			}

			mu.Lock()
			defer mu.Unlock()
			data := map[string]any{
				"subject":  subject,
				"received": len(received),
				"messages": received,
			}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "received %d messages\n", len(received))
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "timeout", 10*time.Second, "how long to listen")
	return cmd
}

func newPubsubStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check the bus connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := busClient(cmd, app)
			if err != nil {
				return err
			}
			defer c.Close()

			data := map[string]any{
				"connected": c.Connected(),
				"url":       c.ConnectedURL(),
			}
			if rtt, err := c.RTT(); err == nil {
				data["rtt_ms"] = float64(rtt.Microseconds()) / 1000
			}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "connected to %s", c.ConnectedURL())
				if rtt, ok := data["rtt_ms"]; ok {
					fmt.Fprintf(w, " (rtt %.2fms)", rtt)
				}
				fmt.Fprintln(w)
			})
		},
	}
}

func newPubsubClearCmd(app *App) *cobra.Command {
	var stream string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Purge every message from a stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := streamByName(stream)
			if err != nil {
				return err
			}
			c, err := busClient(cmd, app)
			if err != nil {
				return err
			}
			defer c.Close()

			purged, err := nats.NewStreams(c, app.Logger()).Purge(name)
			if err != nil {
				return backendf("%v", err)
			}
			data := map[string]any{"stream": name, "purged": purged}
			return app.emit(cmd, data, func(w io.Writer) {
				fmt.Fprintf(w, "purged %d messages from %s\n", purged, name)
			})
		},
	}
	cmd.Flags().StringVar(&stream, "stream", "events", "stream to purge: events, chat or presence")
	return cmd
}

func newPubsubStatsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show message counts per stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := busClient(cmd, app)
			if err != nil {
				return err
			}
			defer c.Close()

			stats, err := nats.NewStreams(c, app.Logger()).Stats()
			if err != nil {
				return backendf("%v", err)
			}
			data := map[string]any{"streams": stats}
			return app.emit(cmd, data, func(w io.Writer) {
				names := make([]string, 0, len(stats))
				for name := range stats {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					st := stats[name]
					fmt.Fprintf(w, "%s: %d messages, %d bytes\n", name, st.Messages, st.Bytes)
				}
			})
		},
	}
}

func newPubsubQueryCmd(app *App) *cobra.Command {
	var (
		stream string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "query <subject>",
		Short: "Read messages matching a subject pattern",
		Args:  cobra.ExactArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationArgs: "subject",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := streamByName(stream)
			if err != nil {
				return err
			}
			c, err := busClient(cmd, app)
			if err != nil {
				return err
			}
			defer c.Close()

			msgs, err := nats.NewStreams(c, app.Logger()).Query(name, args[0], limit)
			if err != nil {
				return backendf("%v", err)
			}
			return emitStored(cmd, app, name, msgs)
		},
	}
	cmd.Flags().StringVar(&stream, "stream", "events", "stream to query: events, chat or presence")
	cmd.Flags().IntVar(&limit, "limit", 20, "newest matches to return")
	return cmd
}

func newPubsubSearchCmd(app *App) *cobra.Command {
	var (
		stream string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "search <text>...",
		Short: "Find messages whose payload contains text",
		Args:  cobra.MinimumNArgs(1),
		Annotations: map[string]string{
			bridge.AnnotationArgs: "text",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := streamByName(stream)
			if err != nil {
				return err
			}
			c, err := busClient(cmd, app)
			if err != nil {
				return err
			}
			defer c.Close()

			msgs, err := nats.NewStreams(c, app.Logger()).Search(name, strings.Join(args, " "), limit)
			if err != nil {
				return backendf("%v", err)
			}
			return emitStored(cmd, app, name, msgs)
		},
	}
	cmd.Flags().StringVar(&stream, "stream", "events", "stream to search: events, chat or presence")
	cmd.Flags().IntVar(&limit, "limit", 20, "newest matches to return")
	return cmd
}

// busClient connects to the daemon's embedded NATS server, discovering
// its URL from the status endpoint.
func busClient(cmd *cobra.Command, app *App) (*nats.Client, error) {
	doc, ok, err := app.fetchStatus(cmd.Context())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, backendf("daemon not running; the message bus lives in the daemon")
	}
	if doc.NATSURL == "" {
		return nil, backendf("daemon reports no message bus")
	}
	c, err := nats.Connect(doc.NATSURL, "muxfleet-cli", app.Logger().Component("nats"))
	if err != nil {
		return nil, backendf("%v", err)
	}
	return c, nil
}

// streamByName maps the friendly flag values onto stream names, passing
// exact stream names through.
func streamByName(name string) (string, error) {
	switch strings.ToLower(name) {
	case "events", "fleet_events":
		return nats.StreamEvents, nil
	case "chat", "fleet_chat":
		return nats.StreamChat, nil
	case "presence", "fleet_presence":
		return nats.StreamPresence, nil
	default:
		return "", invalidf("unknown stream %q: want events, chat or presence", name)
	}
}

// payloadDoc keeps JSON payloads structured and wraps everything else as
// a string, so envelopes stay valid whatever was published.
func payloadDoc(data []byte) any {
	if json.Valid(data) {
		return json.RawMessage(append([]byte(nil), data...))
	}
	return string(data)
}

// emitStored renders stream messages for both output modes.
func emitStored(cmd *cobra.Command, app *App, stream string, msgs []nats.StoredMessage) error {
	docs := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		docs = append(docs, map[string]any{
			"subject":   m.Subject,
			"sequence":  m.Sequence,
			"published": m.Published,
			"data":      payloadDoc(m.Data),
		})
	}
	data := map[string]any{"stream": stream, "messages": docs, "count": len(docs)}
	return app.emit(cmd, data, func(w io.Writer) {
		if len(msgs) == 0 {
			fmt.Fprintln(w, "no messages")
			return
		}
		for _, m := range msgs {
			fmt.Fprintf(w, "[%d] %s  %s  %s\n",
				m.Sequence,
				m.Published.Format("15:04:05"),
				m.Subject,
				strings.TrimSpace(string(m.Data)))
		}
	})
}
