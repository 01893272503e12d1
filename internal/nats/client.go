package nats

import (
	"encoding/json"
	"fmt"
	"time"

	nc "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/logging"
)

// Message is one delivery handed to subscription callbacks.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
}

// Client wraps a NATS connection with JSON helpers and reconnect handling.
type Client struct {
	conn *nc.Conn
	js   nc.JetStreamContext
	log  *logging.Logger
}

// Connect dials the broker. name shows up in server-side connection listings
// so fleet processes can be told apart.
func Connect(url, name string, log *logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.Nop()
	}
	clog := log.Component("nats")

	opts := []nc.Option{
		nc.Name(name),
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				clog.Warn("disconnected", zap.Error(err))
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			clog.Info("reconnected", zap.String("url", conn.ConnectedUrl()))
		}),
		nc.ClosedHandler(func(_ *nc.Conn) {
			clog.Debug("connection closed")
		}),
	}

	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", url, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats: jetstream context: %w", err)
	}
	return &Client{conn: conn, js: js, log: clog}, nil
}

// Close closes the connection without draining in-flight messages.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// Connected reports whether the connection is currently up.
func (c *Client) Connected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// ConnectedURL returns the broker URL this client is attached to.
func (c *Client) ConnectedURL() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.ConnectedUrl()
}

// RTT measures the round trip to the broker.
func (c *Client) RTT() (time.Duration, error) {
	return c.conn.RTT()
}

// JetStream exposes the JetStream context for stream management.
func (c *Client) JetStream() nc.JetStreamContext { return c.js }

// Publish sends raw data to a subject.
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats: publish %s: %w", subject, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats: marshal for %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// Subscribe registers handler for a subject. The caller owns the returned
// subscription and unsubscribes when done.
func (c *Client) Subscribe(subject string, handler func(*Message)) (*nc.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nc.Msg) {
		handler(&Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// QueueSubscribe registers handler in a load-balanced queue group.
func (c *Client) QueueSubscribe(subject, queue string, handler func(*Message)) (*nc.Subscription, error) {
	sub, err := c.conn.QueueSubscribe(subject, queue, func(msg *nc.Msg) {
		handler(&Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("nats: queue subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Request sends data and waits up to timeout for a reply.
func (c *Client) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	msg, err := c.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("nats: request %s: %w", subject, err)
	}
	return &Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data}, nil
}

// RequestJSON round-trips a JSON request/response pair.
func (c *Client) RequestJSON(subject string, req, resp any, timeout time.Duration) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("nats: marshal request for %s: %w", subject, err)
	}
	msg, err := c.Request(subject, data, timeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("nats: unmarshal response from %s: %w", subject, err)
	}
	return nil
}

// Flush pushes buffered writes to the broker.
func (c *Client) Flush() error {
	if err := c.conn.Flush(); err != nil {
		return fmt.Errorf("nats: flush: %w", err)
	}
	return nil
}
