// ABOUTME: Node-RED SOC dashboard integration: health probe and alert push
// ABOUTME: Implements feeds.Notifier so alerts reach the dashboard alongside chat rooms

// Package nodered pushes alerts to a Node-RED flow and probes its health.
package nodered

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/cyberintel/internal/feeds"
)

const (
	healthTimeout  = 2 * time.Second
	publishTimeout = 5 * time.Second
	timestampFmt   = "2006-01-02 15:04:05"
)

// Payload is the JSON document the Node-RED flow expects.
type Payload struct {
	Title     string `json:"title"`
	Link      string `json:"link"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	Kind      string `json:"kind,omitempty"`
	CVSS      string `json:"cvss,omitempty"`
}

// Options configures a Client.
type Options struct {
	Endpoint     string
	HealthURL    string
	DashboardURL string
	HTTPClient   *http.Client
	Now          func() time.Time
	Logger       *slog.Logger
}

// Client talks to Node-RED.
type Client struct {
	opts   Options
	http   *http.Client
	logger *slog.Logger
}

// New creates a Client. An empty Endpoint disables publishing.
func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{opts: opts, http: opts.HTTPClient, logger: logger.With("component", "nodered")}
}

// DashboardURL is the link shown to users.
func (c *Client) DashboardURL() string {
	return c.opts.DashboardURL
}

// Health reports whether the health URL answers 200 within two seconds.
func (c *Client) Health(ctx context.Context) bool {
	if c.opts.HealthURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.HealthURL, nil)
	if err != nil {
		c.logger.Warn("invalid health url", "url", c.opts.HealthURL, "error", err)
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("node-red unreachable", "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}

// Publish posts p to the endpoint.
func (c *Client) Publish(ctx context.Context, p Payload) error {
	if c.opts.Endpoint == "" {
		return nil
	}
	if p.Timestamp == "" {
		p.Timestamp = c.opts.Now().Format(timestampFmt)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting to node-red: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("posting to node-red: http %d", resp.StatusCode)
	}
	return nil
}

// Notify implements feeds.Notifier. Delivery failures are logged and not
// returned, so the dashboard never blocks chat alerts.
func (c *Client) Notify(ctx context.Context, a feeds.Alert) (int, error) {
	if c.opts.Endpoint == "" {
		return 0, nil
	}
	p := Payload{
		Title:  a.Title,
		Link:   a.Link,
		Source: a.Source,
		Kind:   string(a.Kind),
	}
	if !a.Published.IsZero() {
		p.Timestamp = a.Published.Format(timestampFmt)
	}
	if err := c.Publish(ctx, p); err != nil {
		c.logger.Warn("alert push failed", "title", a.Title, "error", err)
		return 0, nil
	}
	return 1, nil
}
