package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/muxfleet/muxfleet/internal/monitor"
)

// errDaemonDown marks transport failures talking to the daemon API. From
// the CLI's seat an unreachable daemon and a stopped one look the same.
var errDaemonDown = errors.New("daemon not running")

// client is a thin JSON client for the daemon's HTTP API.
type client struct {
	base string
	hc   *http.Client
}

func newClient(addr string) *client {
	return &client{
		base: "http://" + addr,
		hc:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, out)
}

func (c *client) post(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodPost, path, out)
}

func (c *client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w (%s)", errDaemonDown, c.base)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var body struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
			return fmt.Errorf("daemon: %s", body.Error)
		}
		return fmt.Errorf("daemon: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// daemonStatus mirrors the /api/status document.
type daemonStatus struct {
	Version       string          `json:"version"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	Clients       int             `json:"ws_clients"`
	NATSURL       string          `json:"nats_url"`
	Monitor       *monitor.Status `json:"monitor"`
	Fleet         *fleetSummary   `json:"fleet"`
}

type fleetSummary struct {
	Agents int            `json:"agents"`
	States map[string]int `json:"states"`
}

// fetchStatus asks the daemon for its status document. ok is false when
// the daemon is unreachable.
func (a *App) fetchStatus(ctx context.Context) (daemonStatus, bool, error) {
	api, err := a.Daemon()
	if err != nil {
		return daemonStatus{}, false, err
	}
	var doc daemonStatus
	if err := api.get(ctx, "/api/status", &doc); err != nil {
		if errors.Is(err, errDaemonDown) {
			return daemonStatus{}, false, nil
		}
		return daemonStatus{}, false, err
	}
	return doc, true, nil
}
