package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nkiryanov/evpay/internal/logger"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultRetryAfter = 60 * time.Second
	maxResponseSize   = 1 << 20
)

type requestObserver interface {
	ObserveProviderRequest(provider string, operation string, duration time.Duration, err error)
}

type ClientOptions struct {
	Timeout  time.Duration // per request, default 10s
	RPS      float64       // requests per second to one provider, unlimited if zero
	Observer requestObserver
	Logger   logger.Logger

	// Used instead of the default client if set (tests)
	HTTPClient *http.Client
}

// HTTP client shared by all adapters: json in and out, throttling, retry-after
type client struct {
	name    string
	baseURL string

	http     *http.Client
	limiter  *rate.Limiter
	observer requestObserver
	l        logger.Logger
}

func newClient(name string, baseURL string, opts ClientOptions) *client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoOpLogger()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), max(1, int(opts.RPS)))
	}

	return &client{
		name:     name,
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     httpClient,
		limiter:  limiter,
		observer: opts.Observer,
		l:        opts.Logger.With("provider", name),
	}
}

type request struct {
	Operation string // metrics and logs label
	Method    string
	Path      string
	Query     url.Values
	Body      any

	// Returns headers that authenticate the request. Gets path with query and raw body
	Sign func(pathWithQuery string, body []byte) http.Header
}

// Do sends request and decodes json response into out.
// Non 2xx responses are *Error; 429 and 503 carry the retry-after delay.
func (c *client) do(ctx context.Context, r request, out any) (err error) {
	started := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveProviderRequest(c.name, r.Operation, time.Since(started), err)
		}
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return newError(c.name, CodeUnavailable, "rate limiter: %w", err)
	}

	var body []byte
	if r.Body != nil {
		body, err = json.Marshal(r.Body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", c.name, err)
		}
	}

	pathWithQuery := r.Path
	if len(r.Query) > 0 {
		pathWithQuery += "?" + r.Query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, c.baseURL+pathWithQuery, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Sign != nil {
		for k, v := range r.Sign(pathWithQuery, body) {
			req.Header[k] = v
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.l.Warn("Provider request failed", "operation", r.Operation, "error", err)
		return newError(c.name, CodeUnavailable, "failed to send request: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return newError(c.name, CodeUnavailable, "failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			c.l.Warn("Failed to decode response", "operation", r.Operation, "error", err)
			return newError(c.name, CodeBadResponse, "failed to decode response: %w", err)
		}
		return nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.l.Warn("Provider throttled", "operation", r.Operation, "retry_after", retryAfter)
		return &Error{
			Provider:   c.name,
			Code:       CodeRetryAfter,
			RetryAfter: retryAfter,
			Err:        fmt.Errorf("status %d, retry after %s", resp.StatusCode, retryAfter),
		}

	case resp.StatusCode == http.StatusNotFound:
		return newError(c.name, CodeNotFound, "status %d", resp.StatusCode)

	case resp.StatusCode >= 500:
		c.l.Warn("Provider unavailable", "operation", r.Operation, "status_code", resp.StatusCode)
		return newError(c.name, CodeUnavailable, "status %d", resp.StatusCode)

	default:
		c.l.Warn("Provider rejected request", "operation", r.Operation, "status_code", resp.StatusCode)
		return newError(c.name, CodeRejected, "status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}
}

// Seconds or HTTP date, default 60s if missing or malformed
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}
