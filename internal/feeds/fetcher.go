// ABOUTME: Conditional GET fetcher used for feeds and monitored pages
// ABOUTME: Sends If-None-Match/If-Modified-Since, caps the body and hashes it

package feeds

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/cyberintel/internal/state"
)

// ErrTooLarge is returned when a body exceeds the configured cap.
var ErrTooLarge = errors.New("response body too large")

// Response is the outcome of one fetch.
type Response struct {
	Body        []byte
	StatusCode  int
	NotModified bool
	// Meta is the cache metadata to store for the next request.
	Meta state.CacheMeta
}

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	Client    *http.Client
	Limiter   *HostLimiter
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int64
	Now       func() time.Time
}

// Fetcher performs rate-limited conditional GET requests.
type Fetcher struct {
	client    *http.Client
	limiter   *HostLimiter
	userAgent string
	maxBytes  int64
	now       func() time.Time
}

// NewFetcher creates a Fetcher. Zero options get defaults: 15s timeout,
// 5 MiB body cap, no rate limit.
func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Limiter == nil {
		opts.Limiter = NewHostLimiter(0, 1)
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 5 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "cyberintel/1.0"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Fetcher{
		client:    opts.Client,
		limiter:   opts.Limiter,
		userAgent: opts.UserAgent,
		maxBytes:  opts.MaxBytes,
		now:       opts.Now,
	}
}

// Fetch retrieves url. Validators from prev are sent as conditional headers;
// a 304 answer returns NotModified with prev's metadata refreshed.
func (f *Fetcher) Fetch(ctx context.Context, url string, prev state.CacheMeta) (*Response, error) {
	if err := f.limiter.Wait(ctx, url); err != nil {
		return nil, fmt.Errorf("waiting for rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if prev.ETag != "" {
		req.Header.Set("If-None-Match", prev.ETag)
	}
	if prev.LastModified != "" {
		req.Header.Set("If-Modified-Since", prev.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		meta := prev
		if etag := resp.Header.Get("ETag"); etag != "" {
			meta.ETag = etag
		}
		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			meta.LastModified = lm
		}
		meta.FetchedAt = f.now().Unix()
		return &Response{StatusCode: resp.StatusCode, NotModified: true, Meta: meta}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &Response{StatusCode: resp.StatusCode}, fmt.Errorf("requesting %s: http %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("reading %s: %w (limit %d bytes)", url, ErrTooLarge, f.maxBytes)
	}

	return &Response{
		Body:       body,
		StatusCode: resp.StatusCode,
		Meta: state.CacheMeta{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			Hash:         HashBody(body),
			FetchedAt:    f.now().Unix(),
		},
	}, nil
}

// HashBody returns the hex SHA-256 of body.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
