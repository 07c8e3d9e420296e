// Package newsapi talks to the upstream news aggregation API, rotating API
// keys across rate-limit responses.
package newsapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/abdhe/newsfeed-gateway/pkg/metrics"
	"github.com/abdhe/newsfeed-gateway/pkg/resilience"
)

const (
	// DefaultMaxAttempts is used when Request is called with maxAttempts <= 0.
	DefaultMaxAttempts = 4

	maxResponseBytes = 10 << 20
)

// Doer issues HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// KeySource hands out API keys. *resilience.KeyPool satisfies it.
type KeySource interface {
	Select() (string, error)
	MarkExhausted(key string)
	Available() int
}

// Response is an upstream response with its body fully read.
type Response struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body"`
}

// Config holds the client configuration.
type Config struct {
	Doer    Doer
	Keys    KeySource
	Timeout time.Duration // Used only when Doer is nil
	Logger  *zap.Logger
}

// Client performs upstream GET requests with key rotation.
type Client struct {
	doer   Doer
	keys   KeySource
	logger *zap.Logger
}

// NewClient creates a new upstream client.
func NewClient(cfg Config) *Client {
	if cfg.Doer == nil {
		if cfg.Timeout <= 0 {
			cfg.Timeout = 30 * time.Second
		}
		cfg.Doer = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		doer:   cfg.Doer,
		keys:   cfg.Keys,
		logger: cfg.Logger,
	}
}

// Request fetches target, adding an API key as the apikey query parameter.
//
// A 429 marks the key exhausted and retries with the next one, up to
// maxAttempts. Key selection errors, transport errors and any other error
// status are returned immediately. Non-error responses are returned as-is;
// the body is not interpreted.
func (c *Client) Request(ctx context.Context, target string, maxAttempts int) (*Response, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("newsapi: request cancelled: %w", err)
		}

		key, err := c.keys.Select()
		if err != nil {
			return nil, err
		}

		c.logger.Debug("requesting upstream",
			zap.Int("attempt", attempt),
			zap.String("key", resilience.MaskKey(key)),
		)

		resp, err := c.do(ctx, WithAPIKey(target, key))
		if err != nil {
			metrics.UpstreamRequestsTotal.WithLabelValues("transport_error").Inc()
			return nil, fmt.Errorf("newsapi: request: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			metrics.UpstreamRequestsTotal.WithLabelValues("rate_limited").Inc()
			metrics.KeysRateLimitedTotal.Inc()
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: resp.Body}

			c.keys.MarkExhausted(key)
			available := c.keys.Available()
			metrics.KeysAvailable.Set(float64(available))

			if available == 0 {
				c.logger.Warn("all api keys rate limited", zap.Int("attempt", attempt))
				return nil, ErrAllKeysRateLimited
			}
			c.logger.Info("rate limit hit, retrying with next key",
				zap.Int("attempt", attempt),
				zap.Int("available", available),
			)
			continue

		case resp.StatusCode >= http.StatusBadRequest:
			metrics.UpstreamRequestsTotal.WithLabelValues("http_error").Inc()
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: resp.Body}
		}

		metrics.UpstreamRequestsTotal.WithLabelValues("success").Inc()
		return resp, nil
	}

	return nil, fmt.Errorf("%w (%d): %w", ErrMaxAttemptsExceeded, maxAttempts, lastErr)
}

func (c *Client) do(ctx context.Context, fullURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	httpResp, err := c.doer.Do(req)
	metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, redactKey(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("%w: over %d bytes", ErrResponseTooLarge, maxResponseBytes)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       body,
	}, nil
}

// WithAPIKey appends the apikey query parameter to target.
func WithAPIKey(target, key string) string {
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + "apikey=" + url.QueryEscape(key)
}

// redactKey strips the request URL, which carries the key, from *url.Error.
func redactKey(err error) error {
	if urlErr, ok := err.(*url.Error); ok {
		return &url.Error{Op: urlErr.Op, URL: stripQuery(urlErr.URL), Err: urlErr.Err}
	}
	return err
}

func stripQuery(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
