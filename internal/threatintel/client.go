// ABOUTME: HTTP clients for URLScan, AlienVault OTX and VirusTotal
// ABOUTME: Each provider is rate limited and skipped when its key is missing

package threatintel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrNotConfigured is returned when the provider has no API key.
	ErrNotConfigured = errors.New("provider not configured")
	// ErrRateLimited is returned when the provider answers 429.
	ErrRateLimited = errors.New("provider rate limit reached")
)

// Provider names.
const (
	ProviderURLScan    = "URLScan"
	ProviderOTX        = "AlienVault OTX"
	ProviderVirusTotal = "VirusTotal"
)

const (
	defaultURLScanBase = "https://urlscan.io/api/v1"
	defaultOTXBase     = "https://otx.alienvault.com/api/v1"
	defaultVTBase      = "https://www.virustotal.com/api/v3"
	maxResponseBytes   = 4 << 20
)

// Options configures a Client. Base URLs default to the public endpoints.
type Options struct {
	URLScanKey    string
	OTXKey        string
	VirusTotalKey string

	URLScanBase    string
	OTXBase        string
	VirusTotalBase string

	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client queries the threat intelligence providers.
type Client struct {
	opts   Options
	http   *http.Client
	logger *slog.Logger

	urlscan *rate.Limiter
	otx     *rate.Limiter
	vt      *rate.Limiter
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.URLScanBase == "" {
		opts.URLScanBase = defaultURLScanBase
	}
	if opts.OTXBase == "" {
		opts.OTXBase = defaultOTXBase
	}
	if opts.VirusTotalBase == "" {
		opts.VirusTotalBase = defaultVTBase
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		http:   opts.HTTPClient,
		logger: logger.With("component", "threatintel"),
		// VirusTotal public keys get 4 requests per minute.
		urlscan: rate.NewLimiter(rate.Every(2*time.Second), 2),
		otx:     rate.NewLimiter(rate.Every(time.Second), 2),
		vt:      rate.NewLimiter(rate.Every(15*time.Second), 1),
	}
}

// ProviderStatus reports whether a provider has a key.
type ProviderStatus struct {
	Name       string
	Configured bool
}

// Status lists every provider and whether it is usable.
func (c *Client) Status() []ProviderStatus {
	return []ProviderStatus{
		{Name: ProviderURLScan, Configured: c.opts.URLScanKey != ""},
		{Name: ProviderOTX, Configured: c.opts.OTXKey != ""},
		{Name: ProviderVirusTotal, Configured: c.opts.VirusTotalKey != ""},
	}
}

// Submission is the URLScan answer to a scan request.
type Submission struct {
	UUID       string `json:"uuid"`
	Message    string `json:"message"`
	Result     string `json:"result"`
	API        string `json:"api"`
	Visibility string `json:"visibility"`
	URL        string `json:"url"`
}

// ScanResult is the subset of a finished URLScan report shown in chat.
type ScanResult struct {
	Page struct {
		URL     string `json:"url"`
		Domain  string `json:"domain"`
		IP      string `json:"ip"`
		Country string `json:"country"`
		Server  string `json:"server"`
	} `json:"page"`
	Verdicts struct {
		Overall struct {
			Score     int      `json:"score"`
			Malicious bool     `json:"malicious"`
			Tags      []string `json:"tags"`
		} `json:"overall"`
	} `json:"verdicts"`
	Task struct {
		ReportURL     string `json:"reportURL"`
		ScreenshotURL string `json:"screenshotURL"`
	} `json:"task"`
}

// ScanURL submits target to URLScan as a public scan.
func (c *Client) ScanURL(ctx context.Context, target string) (*Submission, error) {
	if c.opts.URLScanKey == "" {
		return nil, fmt.Errorf("%s: %w", ProviderURLScan, ErrNotConfigured)
	}
	if err := validateTarget(target); err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]string{"url": target, "visibility": "public"})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URLScanBase+"/scan/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("API-Key", c.opts.URLScanKey)
	req.Header.Set("Content-Type", "application/json")

	var sub Submission
	if err := c.do(ctx, c.urlscan, ProviderURLScan, req, &sub); err != nil {
		return nil, err
	}
	c.logger.Info("url submitted for scan", "provider", ProviderURLScan, "uuid", sub.UUID)
	return &sub, nil
}

// ScanResult fetches a finished URLScan report. Reports are not ready for
// some seconds after submission; until then the API answers 404.
func (c *Client) ScanResult(ctx context.Context, uuid string) (*ScanResult, error) {
	if uuid == "" {
		return nil, errors.New("scan uuid is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.URLScanBase+"/result/"+url.PathEscape(uuid)+"/", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	var res ScanResult
	if err := c.do(ctx, c.urlscan, ProviderURLScan, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Pulse is an OTX threat pulse.
type Pulse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Author      string   `json:"author_name"`
	Created     string   `json:"created"`
	Modified    string   `json:"modified"`
	Tags        []string `json:"tags"`
	TLP         string   `json:"TLP"`
}

// Pulses returns up to limit recent pulses from subscribed OTX feeds.
func (c *Client) Pulses(ctx context.Context, limit int) ([]Pulse, error) {
	if c.opts.OTXKey == "" {
		return nil, fmt.Errorf("%s: %w", ProviderOTX, ErrNotConfigured)
	}
	if limit <= 0 {
		limit = 5
	}
	endpoint := c.opts.OTXBase + "/pulses/subscribed?limit=" + strconv.Itoa(limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-OTX-API-KEY", c.opts.OTXKey)

	var page struct {
		Results []Pulse `json:"results"`
	}
	if err := c.do(ctx, c.otx, ProviderOTX, req, &page); err != nil {
		return nil, err
	}
	if len(page.Results) > limit {
		page.Results = page.Results[:limit]
	}
	return page.Results, nil
}

// Analysis is the VirusTotal answer to a URL submission.
type Analysis struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// SubmitURL queues target for a VirusTotal analysis and returns its id.
func (c *Client) SubmitURL(ctx context.Context, target string) (*Analysis, error) {
	if c.opts.VirusTotalKey == "" {
		return nil, fmt.Errorf("%s: %w", ProviderVirusTotal, ErrNotConfigured)
	}
	if err := validateTarget(target); err != nil {
		return nil, err
	}
	form := url.Values{"url": {target}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.VirusTotalBase+"/urls", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("x-apikey", c.opts.VirusTotalKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var envelope struct {
		Data Analysis `json:"data"`
	}
	if err := c.do(ctx, c.vt, ProviderVirusTotal, req, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Data, nil
}

func (c *Client) do(ctx context.Context, limiter *rate.Limiter, provider string, req *http.Request, out any) error {
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: waiting for rate limit: %w", provider, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", provider, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Warn("provider rate limit reached", "provider", provider)
		return fmt.Errorf("%s: %w", provider, ErrRateLimited)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%s: http %d", provider, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: reading response: %w", provider, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", provider, err)
	}
	return nil
}

func validateTarget(target string) error {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q: must be http(s)", target)
	}
	return nil
}
