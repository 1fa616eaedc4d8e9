// ABOUTME: CIRCL CVE search client with identifier validation
// ABOUTME: Lookups are rate limited and keep a short sample of references and products

package cve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the CIRCL CVE endpoint; the id is appended as a path element.
	DefaultBaseURL = "https://cve.circl.lu/api/cve"
	maxIDLength    = 20
	sampleSize     = 3
)

var (
	// ErrInvalidID is returned by NormalizeID for malformed identifiers.
	ErrInvalidID = errors.New("invalid CVE id")
	// ErrNotFound is returned when the API has no record for an id.
	ErrNotFound = errors.New("CVE not found")
)

var idPattern = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)

// NormalizeID trims and upper-cases id and checks its shape.
func NormalizeID(id string) (string, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	switch {
	case id == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidID)
	case !strings.HasPrefix(id, "CVE-"):
		return "", fmt.Errorf("%w: use CVE-YEAR-NUMBER, e.g. CVE-2023-1234", ErrInvalidID)
	case len(id) > maxIDLength:
		return "", fmt.Errorf("%w: too long", ErrInvalidID)
	case !idPattern.MatchString(id):
		return "", fmt.Errorf("%w: use CVE-YEAR-NUMBER, e.g. CVE-2023-1234", ErrInvalidID)
	}
	return id, nil
}

// Details is the subset of a CVE record shown in chat.
type Details struct {
	ID                 string   `json:"id"`
	CVSS               string   `json:"cvss"`
	Summary            string   `json:"summary"`
	Published          string   `json:"published"`
	References         []string `json:"references"`
	VulnerableProducts []string `json:"vulnerable_product"`
}

// Severity returns the severity level of the record's score.
func (d *Details) Severity() Level {
	return Severity(d.CVSS)
}

// record is the API response shape.
type record struct {
	ID                string          `json:"id"`
	CVSS              json.RawMessage `json:"cvss"`
	Summary           string          `json:"summary"`
	Published         string          `json:"Published"`
	References        []string        `json:"references"`
	VulnerableProduct []string        `json:"vulnerable_product"`
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	RatePerSecond float64
	Timeout       time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Client queries the CVE API.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a Client. Defaults: CIRCL base URL, 10s timeout,
// 2 requests per second.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 2
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    opts.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		logger:  logger.With("component", "cve"),
	}
}

// Lookup fetches id. Malformed ids fail with ErrInvalidID before any request.
func (c *Client) Lookup(ctx context.Context, id string) (*Details, error) {
	id, err := NormalizeID(id)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("querying %s: http %d", id, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var rec *record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", id, err)
	}
	if rec == nil || (rec.ID == "" && rec.Summary == "" && len(rec.CVSS) == 0) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	d := &Details{
		ID:                 rec.ID,
		CVSS:               scoreString(rec.CVSS),
		Summary:            rec.Summary,
		Published:          rec.Published,
		References:         firstN(rec.References, sampleSize),
		VulnerableProducts: firstN(rec.VulnerableProduct, sampleSize),
	}
	if d.ID == "" {
		d.ID = id
	}
	if d.Summary == "" {
		d.Summary = "No description available."
	}
	if d.Published == "" {
		d.Published = "unknown"
	}
	c.logger.Debug("cve fetched", "id", d.ID, "cvss", d.CVSS)
	return d, nil
}

// scoreString renders the cvss field, which the API sends as a number, a
// string or null.
func scoreString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "N/A"
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	return "N/A"
}

func firstN(in []string, n int) []string {
	if len(in) > n {
		in = in[:n]
	}
	return append([]string(nil), in...)
}
