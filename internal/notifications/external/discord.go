package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/muxfleet/muxfleet/internal/events"
	"github.com/muxfleet/muxfleet/internal/notifications"
)

// DiscordConfig addresses a Discord webhook.
type DiscordConfig struct {
	WebhookURL string `json:"webhook_url"`
	Username   string `json:"username,omitempty"`
	Filter
}

// DiscordChannel posts notifications as embeds to a Discord webhook.
type DiscordChannel struct {
	cfg    DiscordConfig
	client *http.Client
}

func NewDiscordChannel(cfg DiscordConfig) *DiscordChannel {
	return &DiscordChannel{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *DiscordChannel) Name() string { return "discord" }

func (c *DiscordChannel) Send(ctx context.Context, n notifications.Notification) error {
	if c.cfg.WebhookURL == "" {
		return fmt.Errorf("discord webhook URL not configured")
	}
	if !c.cfg.pass(n) {
		return nil
	}

	fields := []map[string]any{
		{"name": "Kind", "value": string(n.Kind), "inline": true},
		{"name": "Priority", "value": priorityLabel(n.Priority), "inline": true},
	}
	if n.Target != "" {
		fields = append(fields, map[string]any{"name": "Agent", "value": n.Target, "inline": true})
	}

	payload := map[string]any{
		"embeds": []map[string]any{
			{
				"title":       fmt.Sprintf("muxfleet: %s", n.Kind),
				"description": n.Message,
				"color":       discordColor(n.Priority),
				"fields":      fields,
				"timestamp":   n.CreatedAt.UTC().Format(time.RFC3339),
			},
		},
	}
	if c.cfg.Username != "" {
		payload["username"] = c.cfg.Username
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to discord: %w", err)
	}
	defer resp.Body.Close()

	// Discord answers 204 on success.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord returned status %d", resp.StatusCode)
	}
	return nil
}

func discordColor(priority int) int {
	switch priority {
	case events.PriorityCritical:
		return 0xE74C3C
	case events.PriorityHigh:
		return 0xF39C12
	default:
		return 0x2ECC71
	}
}
