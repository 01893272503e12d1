package notifications

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/muxfleet/muxfleet/internal/events"
	"github.com/muxfleet/muxfleet/internal/logging"
)

// LogChannel writes notifications to the structured log, leveled by
// priority. Always available, never fails.
type LogChannel struct {
	log *logging.Logger
}

func NewLogChannel(log *logging.Logger) *LogChannel {
	if log == nil {
		log = logging.Nop()
	}
	return &LogChannel{log: log}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, n Notification) error {
	fields := []zap.Field{
		zap.String("kind", string(n.Kind)),
		zap.String("target", n.Target),
		zap.String("recipient", n.Recipient.String()),
	}
	switch n.Priority {
	case events.PriorityCritical:
		c.log.Error(n.Message, fields...)
	case events.PriorityHigh:
		c.log.Warn(n.Message, fields...)
	default:
		c.log.Info(n.Message, fields...)
	}
	return nil
}

// BellChannel rings the operator's terminal with a BEL plus a one-line
// summary. Typing control bytes into the recipient pane would corrupt the
// REPL input box, so the bell stays local.
type BellChannel struct {
	mu  sync.Mutex
	out io.Writer
}

func NewBellChannel() *BellChannel {
	return &BellChannel{out: os.Stdout}
}

func (c *BellChannel) Name() string { return "bell" }

func (c *BellChannel) Send(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "\a[muxfleet] %s\n", n.Message)
	return err
}

// Supported reports whether stdout is a terminal that can ring.
func (c *BellChannel) Supported() bool {
	f, ok := c.out.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
