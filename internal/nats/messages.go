package nats

import (
	"time"
)

// ChatMessage is one cross-agent message carried on the chat stream.
// To is a target string or "all" for broadcasts.
type ChatMessage struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// PresenceMessage is a liveness beacon for one agent.
type PresenceMessage struct {
	Target    string    `json:"target"`
	Role      string    `json:"role"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// SendChat publishes a chat message addressed to one recipient or "all".
func (c *Client) SendChat(from, to, body string) error {
	return c.PublishJSON(ChatSubject(to), ChatMessage{
		From:      from,
		To:        to,
		Body:      body,
		Timestamp: time.Now().UTC(),
	})
}

// PublishPresence publishes one presence beacon.
func (c *Client) PublishPresence(target, role, state string) error {
	return c.PublishJSON(PresenceSubject(target), PresenceMessage{
		Target:    target,
		Role:      role,
		State:     state,
		Timestamp: time.Now().UTC(),
	})
}
