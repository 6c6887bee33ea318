// Package httpclient provides the HTTP client shared by the registry and
// device clients: an optional circuit breaker, optional retries with backoff,
// transparent decompression and request logging.
//
// Retries default to zero. Every caller treats the next scheduled cycle as the
// retry, so enabling them only shortens recovery after a transient failure.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

var (
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

const (
	defaultTimeout        = 10 * time.Second
	defaultUserAgent      = "tagsync"
	acceptEncoding        = "gzip, deflate, br"
	headerAcceptEncoding  = "Accept-Encoding"
	headerContentEncoding = "Content-Encoding"
	headerUserAgent       = "User-Agent"
)

// StatusError reports a response status the client treats as transient.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transient status %d %s", e.Code, http.StatusText(e.Code))
}

// RetryPolicy controls how failed requests are repeated within one call.
type RetryPolicy struct {
	Attempts   int // extra attempts after the first; 0 disables retries
	Delay      time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// backoff returns the wait before the given retry (1-based).
func (p RetryPolicy) backoff(retry int) time.Duration {
	d := p.Delay
	for i := 1; i < retry; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

// BreakerConfig controls the circuit breaker. A zero Threshold disables it,
// which suits fan-out callers such as the network sweep where most targets
// are expected to fail.
type BreakerConfig struct {
	Threshold int           // consecutive failures that open the circuit
	Cooldown  time.Duration // how long the circuit stays open before a probe
}

// Config configures a Client.
type Config struct {
	Timeout    time.Duration
	Retry      RetryPolicy
	Breaker    BreakerConfig
	UserAgent  string
	Decompress bool
	Logger     *slog.Logger
	// Transport overrides http.DefaultTransport, mainly for tests.
	Transport http.RoundTripper
}

// DefaultConfig returns the registry-oriented defaults: a breaker, no
// retries and response decompression.
func DefaultConfig() Config {
	return Config{
		Timeout: defaultTimeout,
		Retry: RetryPolicy{
			Delay:      time.Second,
			MaxDelay:   30 * time.Second,
			Multiplier: 2,
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			Cooldown:  30 * time.Second,
		},
		UserAgent:  defaultUserAgent,
		Decompress: true,
		Logger:     slog.Default(),
	}
}

// Client wraps http.Client with the configured resilience behaviour.
type Client struct {
	config  Config
	http    *http.Client
	breaker *breaker
	logger  *slog.Logger
}

// New creates a client from cfg.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		logger: cfg.Logger,
	}
	if cfg.Breaker.Threshold > 0 {
		c.breaker = newBreaker(cfg.Breaker)
	}
	return c
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.Do(req)
}

// Do sends req, retrying transport errors and transient statuses according
// to the retry policy. Any other status is returned to the caller as is.
// Request bodies are replayed through req.GetBody.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if req.Header.Get(headerUserAgent) == "" && c.config.UserAgent != "" {
		req.Header.Set(headerUserAgent, c.config.UserAgent)
	}
	if c.config.Decompress && req.Header.Get(headerAcceptEncoding) == "" {
		req.Header.Set(headerAcceptEncoding, acceptEncoding)
	}
	target := redactURL(req.URL)

	var lastErr error
	for attempt := 0; attempt <= c.config.Retry.Attempts; attempt++ {
		if attempt > 0 {
			delay := c.config.Retry.backoff(attempt)
			c.logger.Debug("retrying request",
				slog.String("url", target),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			if req.Body != nil {
				if req.GetBody == nil {
					break
				}
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewinding request body: %w", err)
				}
				req.Body = body
			}
		}

		if c.breaker != nil && !c.breaker.allow() {
			lastErr = ErrCircuitOpen
			continue
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		elapsed := time.Since(start)

		if err != nil {
			c.failure()
			lastErr = err
			c.logger.Debug("request failed",
				slog.String("method", req.Method),
				slog.String("url", target),
				slog.Duration("duration", elapsed),
				slog.String("error", err.Error()),
			)
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}

		if transient(resp.StatusCode) {
			c.failure()
			lastErr = &StatusError{Code: resp.StatusCode}
			drain(resp.Body)
			c.logger.Warn("transient response status",
				slog.String("method", req.Method),
				slog.String("url", target),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt),
			)
			continue
		}

		if c.breaker != nil {
			c.breaker.success()
		}
		c.logger.Debug("request completed",
			slog.String("method", req.Method),
			slog.String("url", target),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", elapsed),
		)
		if c.config.Decompress {
			resp.Body = c.decompress(resp)
		}
		return resp, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

// CircuitState reports the breaker state. A client without a breaker is
// always closed.
func (c *Client) CircuitState() CircuitState {
	if c.breaker == nil {
		return CircuitClosed
	}
	return c.breaker.state()
}

func (c *Client) failure() {
	if c.breaker != nil {
		c.breaker.failure()
	}
}

func (c *Client) decompress(resp *http.Response) io.ReadCloser {
	var r io.Reader
	switch enc := strings.ToLower(resp.Header.Get(headerContentEncoding)); enc {
	case "":
		return resp.Body
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("invalid gzip body, returning raw body", slog.String("error", err.Error()))
			return resp.Body
		}
		r = gz
	case "deflate":
		r = flate.NewReader(resp.Body)
	case "br":
		r = brotli.NewReader(resp.Body)
	default:
		c.logger.Debug("unknown content encoding", slog.String("encoding", enc))
		return resp.Body
	}
	resp.Header.Del(headerContentEncoding)
	resp.ContentLength = -1
	return &decodedBody{Reader: r, body: resp.Body}
}

type decodedBody struct {
	io.Reader
	body io.ReadCloser
}

func (d *decodedBody) Close() error {
	if c, ok := d.Reader.(io.Closer); ok {
		_ = c.Close()
	}
	return d.body.Close()
}

func transient(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4<<10))
	_ = body.Close()
}

var secretParams = []string{"token", "api_key", "apikey", "key", "password", "secret"}

// redactURL masks credential-like query parameters for logging.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	q := u.Query()
	masked := false
	for _, p := range secretParams {
		if q.Has(p) {
			q.Set(p, "***")
			masked = true
		}
	}
	if !masked {
		return u.String()
	}
	clean := *u
	clean.RawQuery = q.Encode()
	return clean.String()
}
