package notifications

import (
	"context"
	"time"

	"github.com/muxfleet/muxfleet/internal/submit"
	"github.com/muxfleet/muxfleet/internal/target"
)

// Submitter is the slice of the message submitter the agent channel needs.
type Submitter interface {
	Submit(ctx context.Context, t target.Target, text string, delayHint time.Duration) (submit.Outcome, error)
}

// AgentChannel delivers a notification by typing its message into the
// recipient's pane, the same way any other fleet message is submitted.
type AgentChannel struct {
	submitter Submitter
	delayHint time.Duration
}

// NewAgentChannel wraps s. delayHint is passed through to every submit.
func NewAgentChannel(s Submitter, delayHint time.Duration) *AgentChannel {
	return &AgentChannel{submitter: s, delayHint: delayHint}
}

func (c *AgentChannel) Name() string { return "agent" }

func (c *AgentChannel) Send(ctx context.Context, n Notification) error {
	_, err := c.submitter.Submit(ctx, n.Recipient, n.Message, c.delayHint)
	return err
}
