// Package backend calls the counselling REST backend. Its methods return
// cache.Fetcher producers so reads go through the edge's read-through cache;
// the backend owns all business data and rules.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/counselly/edge/internal/cache"
)

// ErrStatus is returned for non-2xx responses.
var ErrStatus = errors.New("backend: unexpected status")

// Config holds client settings.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	Attempts   uint
	RetryDelay time.Duration
}

// DefaultConfig returns sensible client defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:    baseURL,
		Timeout:    10 * time.Second,
		Attempts:   3,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Client is a JSON client for the counselling backend.
type Client struct {
	base     *url.URL
	http     *http.Client
	attempts uint
	delay    time.Duration
	log      zerolog.Logger
}

// New creates a Client.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend: base url %q must be absolute", cfg.BaseURL)
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	return &Client{
		base:     base,
		http:     &http.Client{Timeout: cfg.Timeout},
		attempts: cfg.Attempts,
		delay:    cfg.RetryDelay,
		log:      log,
	}, nil
}

// Colleges returns a producer for the top colleges listing.
func (c *Client) Colleges(limit int) cache.Fetcher[[]College] {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	return func(ctx context.Context) ([]College, error) {
		var out []College
		err := c.getJSON(ctx, "/colleges", q, &out)
		return out, err
	}
}

// Exams returns a producer for the upcoming exams listing.
func (c *Client) Exams(limit int) cache.Fetcher[[]Exam] {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	return func(ctx context.Context) ([]Exam, error) {
		var out []Exam
		err := c.getJSON(ctx, "/exams", q, &out)
		return out, err
	}
}

// CommunityFeed returns a producer for one page of the community feed.
func (c *Client) CommunityFeed(cursor, filter string) cache.Fetcher[FeedPage] {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if filter != "" {
		q.Set("filter", filter)
	}
	return func(ctx context.Context) (FeedPage, error) {
		var out FeedPage
		err := c.getJSON(ctx, "/community/feed", q, &out)
		return out, err
	}
}

// getJSON issues a GET and decodes the body into out. Transport errors and
// 5xx responses are retried with backoff; 4xx responses are not.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()
	target := u.String()

	return retry.Do(
		func() error {
			return c.do(ctx, target, out)
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(2*time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn().Err(err).Uint("attempt", n+1).Str("url", target).Msg("backend request failed, retrying")
		}),
	)
}

func (c *Client) do(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("backend: build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: get %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("%w: %d from %s", ErrStatus, resp.StatusCode, target)
		if resp.StatusCode >= 500 {
			return err
		}
		return retry.Unrecoverable(err)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Unrecoverable(fmt.Errorf("backend: decode %s: %w", target, err))
	}
	return nil
}
