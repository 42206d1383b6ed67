// Package origin provides the HTTP client used to reach the origin service
// and the system of record, with retry and error classification.
package origin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/dinecache/pkg/logging"
)

// Prometheus metrics for origin requests.
var (
	originRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dinecache_origin_requests_total",
		Help: "Total origin requests by method and status",
	}, []string{"method", "status"})

	originRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dinecache_origin_request_duration_seconds",
		Help:    "Origin request duration in seconds by method",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"method"})

	originErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dinecache_origin_errors_total",
		Help: "Total origin errors by class",
	}, []string{"class"})
)

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the origin's scheme, host, and optional path prefix
	BaseURL string

	// UserAgent is sent on requests built by the client (GetJSON)
	UserAgent string

	// Timeout bounds a single attempt
	Timeout time.Duration

	// Retry controls backoff for idempotent requests
	Retry RetryConfig

	// Gate, when set, is consulted before each request and fed every
	// response so instances share the origin's rate limit state
	Gate Gate
}

// Gate admits requests to the origin and learns from its responses.
type Gate interface {
	// Allow returns an error when the origin must not be called now.
	Allow(ctx context.Context) error

	// Observe records the rate limit signals of a response.
	Observe(ctx context.Context, status int, header http.Header) error
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		UserAgent: "dinecache/1.0",
		Timeout:   10 * time.Second,
		Retry:     DefaultRetryConfig(),
	}
}

// Client talks to one origin.
type Client struct {
	httpClient *http.Client
	base       *url.URL
	config     Config
	logger     zerolog.Logger
}

// New creates a new origin client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base url has no host (got %q)", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig("").Timeout
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		base:   base,
		config: cfg,
		logger: logging.NewLogger("origin").With().Str("origin", base.Host).Logger(),
	}, nil
}

// BaseURL returns a copy of the origin's base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// URL resolves path and rawQuery against the base URL, keeping any base
// path prefix.
func (c *Client) URL(path, rawQuery string) *url.URL {
	u := c.BaseURL()
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u
}

// Forward sends in to the origin with its method, path, query, headers, and
// body preserved. Hop-by-hop headers are dropped and X-Forwarded-* set.
func (c *Client) Forward(ctx context.Context, in *http.Request) (*http.Response, error) {
	target := c.URL(in.URL.Path, in.URL.RawQuery)

	out, err := http.NewRequestWithContext(ctx, in.Method, target.String(), in.Body)
	if err != nil {
		return nil, fmt.Errorf("create forward request: %w", err)
	}
	out.ContentLength = in.ContentLength
	if in.Body == nil || in.Body == http.NoBody {
		out.Body = http.NoBody
		out.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
	}

	out.Header = in.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	if host, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			host = prior + ", " + host
		}
		out.Header.Set("X-Forwarded-For", host)
	}
	if in.Host != "" {
		out.Header.Set("X-Forwarded-Host", in.Host)
	}
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)

	return c.Do(out)
}

// Do performs req. Idempotent requests whose body can be replayed are
// retried on network, server, and rate-limit errors; everything else gets a
// single attempt and its response is returned whatever the status.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	method := req.Method

	if c.config.Gate != nil {
		if err := c.config.Gate.Allow(ctx); err != nil {
			originRequestsTotal.WithLabelValues(method, "gated").Inc()
			return nil, &Error{
				StatusCode: http.StatusTooManyRequests,
				Class:      ErrorClassRateLimit,
				Message:    "origin rate limit in effect",
				Err:        err,
			}
		}
	}

	startTime := time.Now()
	defer func() {
		originRequestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	if !c.retryable(req) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			originErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			originRequestsTotal.WithLabelValues(method, "network_error").Inc()
			return nil, &Error{Class: ErrorClassNetwork, Message: "request failed", Err: err}
		}
		c.observe(req, resp)
		return resp, nil
	}

	c.logger.Debug().
		Str("path", req.URL.Path).
		Str("method", method).
		Msg("Executing origin request")

	var resp *http.Response
	retryErr := retryWithBackoff(ctx, c.config.Retry, func() error {
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return &Error{Class: ErrorClassClient, Message: "replay request body", Err: err}
			}
			req.Body = body
		}

		var reqErr error
		resp, reqErr = c.httpClient.Do(req)
		if reqErr != nil {
			c.logger.Warn().Err(reqErr).Str("path", req.URL.Path).Msg("Origin request failed")
			originErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			originRequestsTotal.WithLabelValues(method, "network_error").Inc()
			return &Error{Class: ErrorClassNetwork, Message: "request failed", Err: reqErr}
		}

		class := c.observe(req, resp)
		if shouldRetry(class) {
			err := &Error{
				StatusCode: resp.StatusCode,
				Class:      class,
				Message:    resp.Status,
			}
			resp.Body.Close()
			return err
		}
		return nil
	}, classify)

	if retryErr != nil {
		return nil, retryErr
	}
	return resp, nil
}

// observe records metrics for a completed exchange and returns its class.
func (c *Client) observe(req *http.Request, resp *http.Response) ErrorClass {
	originRequestsTotal.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc()
	if c.config.Gate != nil {
		if err := c.config.Gate.Observe(req.Context(), resp.StatusCode, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record origin rate limit state")
		}
	}
	class := classifyStatus(resp.StatusCode)
	if class != "" {
		originErrorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Str("path", req.URL.Path).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Origin request error")
	}
	return class
}

func (c *Client) retryable(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		return false
	}
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// GetJSON fetches path from the origin and decodes a 2xx JSON body into v.
// A 404 yields an error wrapping ErrNotFound.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, v any) error {
	target := c.URL(path, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &Error{StatusCode: resp.StatusCode, Class: ErrorClassClient, Message: path, Err: ErrNotFound}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{StatusCode: resp.StatusCode, Class: classifyStatus(resp.StatusCode), Message: resp.Status}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
