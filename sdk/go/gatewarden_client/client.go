// Package gatewarden_client is a small Go client for services fronted by the
// Gatewarden admission layer. It manages idempotency keys for the caller and
// honors the replay and rate-limit headers on the wire.
package gatewarden_client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConflictInProgress = errors.New("duplicate request still in progress")
	ErrKeyReused          = errors.New("idempotency key reused with a different payload")
	ErrRateLimited        = errors.New("rate limit exceeded")
)

const (
	headerIdempotencyKey   = "X-Idempotency-Key"
	headerIdempotentReplay = "X-Idempotent-Replay"
	headerRetryAfter       = "Retry-After"
	headerRateLimitLimit   = "X-RateLimit-Limit"
	headerRateLimitRemain  = "X-RateLimit-Remaining"
	headerRateLimitReset   = "X-RateLimit-Reset"

	defaultMaxAttempts = 3
	defaultBackoff     = 200 * time.Millisecond
)

// RateLimitInfo carries the window state reported by the server.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// Result is the outcome of a successfully delivered request.
type Result struct {
	StatusCode     int
	ContentType    string
	Body           []byte
	IdempotencyKey string
	Replayed       bool
	RateLimit      *RateLimitInfo
}

// Client is a thread-safe client for one Gatewarden-fronted base URL.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	authToken   string
	maxAttempts int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAuthToken sets a bearer token attached to every request.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = token }
}

// WithMaxAttempts bounds delivery attempts per call, retries included.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Post delivers a JSON payload to path under one idempotency key. An empty
// key gets a generated UUID, so every retry inside this call reuses the same
// key and a server-side replay returns the original response. Throttled and
// in-progress responses are retried up to the attempt budget.
func (c *Client) Post(ctx context.Context, path string, payload []byte, key string) (*Result, error) {
	if key == "" {
		key = uuid.NewString()
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		result, retryIn, err := c.deliver(ctx, path, payload, key)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}

		lastErr = retryIn.reason
		if attempt == c.maxAttempts {
			break
		}
		if err := sleepCtx(ctx, retryIn.after); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts", lastErr, c.maxAttempts)
}

type retryHint struct {
	reason error
	after  time.Duration
}

// deliver performs one attempt. A nil Result with a nil error means the
// attempt is retryable per the returned hint.
func (c *Client) deliver(ctx context.Context, path string, payload []byte, key string) (*Result, retryHint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, retryHint{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerIdempotencyKey, key)
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retryHint{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retryHint{}, err
	}

	switch resp.StatusCode {
	case http.StatusConflict:
		return nil, retryHint{reason: ErrConflictInProgress, after: defaultBackoff}, nil

	case http.StatusTooManyRequests:
		return nil, retryHint{reason: ErrRateLimited, after: retryAfter(resp)}, nil

	case http.StatusUnprocessableEntity:
		// Reusing the key with a different payload never resolves on retry.
		return nil, retryHint{}, fmt.Errorf("%w: key %s", ErrKeyReused, key)
	}

	return &Result{
		StatusCode:     resp.StatusCode,
		ContentType:    resp.Header.Get("Content-Type"),
		Body:           body,
		IdempotencyKey: key,
		Replayed:       resp.Header.Get(headerIdempotentReplay) == "true",
		RateLimit:      rateLimitInfo(resp),
	}, retryHint{}, nil
}

func retryAfter(resp *http.Response) time.Duration {
	seconds, err := strconv.Atoi(resp.Header.Get(headerRetryAfter))
	if err != nil || seconds < 0 {
		return defaultBackoff
	}
	return time.Duration(seconds) * time.Second
}

func rateLimitInfo(resp *http.Response) *RateLimitInfo {
	limitHeader := resp.Header.Get(headerRateLimitLimit)
	if limitHeader == "" {
		return nil
	}
	limit, err := strconv.Atoi(limitHeader)
	if err != nil {
		return nil
	}
	remaining, _ := strconv.Atoi(resp.Header.Get(headerRateLimitRemain))
	info := &RateLimitInfo{Limit: limit, Remaining: remaining}
	if reset, err := strconv.ParseInt(resp.Header.Get(headerRateLimitReset), 10, 64); err == nil {
		info.Reset = time.Unix(reset, 0)
	}
	return info
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
