package coda

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

	"github.com/avast/retry-go/v4"
)

const (
	DefaultBaseURL = "https://coda.io/apis/v1"

	defaultMaxAttempts      = 3
	defaultRetryDelay       = time.Second
	defaultServerErrorDelay = 5 * time.Second
	defaultTimeout          = 5 * time.Minute

	// BatchSize bounds rows per upsert/delete call.
	BatchSize = 40
	// PageSize is the row page size requested from the API.
	PageSize = 100
	// pageLoopLimit caps follow-up page fetches for one table.
	pageLoopLimit = 100
	maxLoggedBody = 4096
)

var ErrMissingToken = errors.New("coda API token is not configured")

// Observer receives request accounting; *metrics.Metrics satisfies it.
type Observer interface {
	RecordCodaRequest(method string, status int)
	RecordCodaRetry(reason string)
}

type Client struct {
	http             *http.Client
	baseURL          string
	logger           *slog.Logger
	observer         Observer
	maxAttempts      int
	retryDelay       time.Duration
	serverErrorDelay time.Duration
	timeout          time.Duration
}

type options struct {
	baseURL          string
	transport        http.RoundTripper
	logger           *slog.Logger
	observer         Observer
	maxAttempts      int
	retryDelay       time.Duration
	serverErrorDelay time.Duration
	timeout          time.Duration
}

type Option func(*options)

// BaseURL overrides the API root, default https://coda.io/apis/v1.
func BaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

// Transporter sets the RoundTripper used beneath the credential layer.
func Transporter(t http.RoundTripper) Option {
	return func(o *options) { o.transport = t }
}

func Logger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// Retries configures the attempt budget, the wait used when a 429 carries no
// Retry-After header, and the fixed wait after a 5xx response.
func Retries(attempts int, retryDelay, serverErrorDelay time.Duration) Option {
	return func(o *options) {
		o.maxAttempts = attempts
		o.retryDelay = retryDelay
		o.serverErrorDelay = serverErrorDelay
	}
}

// Timeout bounds a single HTTP attempt.
func Timeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func NewClient(token string, opts ...Option) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	o := &options{
		baseURL:          DefaultBaseURL,
		transport:        http.DefaultTransport,
		logger:           slog.Default(),
		maxAttempts:      defaultMaxAttempts,
		retryDelay:       defaultRetryDelay,
		serverErrorDelay: defaultServerErrorDelay,
		timeout:          defaultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	base := strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("coda base url %q is invalid", o.baseURL)
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = defaultMaxAttempts
	}
	return &Client{
		http: &http.Client{
			Transport: &credentialTripper{token: token, wrapped: o.transport},
		},
		baseURL:          base,
		logger:           o.logger.With("component", "coda"),
		observer:         o.observer,
		maxAttempts:      o.maxAttempts,
		retryDelay:       o.retryDelay,
		serverErrorDelay: o.serverErrorDelay,
		timeout:          o.timeout,
	}, nil
}

// HTTPError is a non-2xx response from the API.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("coda %s %s: %d - %s", e.Method, e.Path, e.StatusCode, bytes.TrimSpace(e.Body))
}

// retryableError marks a response worth another attempt after wait.
type retryableError struct {
	wait   time.Duration
	reason string
	err    error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, reqBody, respBody any) error {
	endpoint := c.endpoint(path, query)
	c.logger.Info("coda request", "method", method, "url", endpoint)

	var payload []byte
	if reqBody != nil {
		var err error
		if payload, err = json.Marshal(reqBody); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	err := retry.Do(
		func() error {
			return c.attempt(ctx, method, path, endpoint, query, payload, respBody)
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.maxAttempts)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var re *retryableError
			return errors.As(err, &re)
		}),
		retry.DelayType(func(_ uint, err error, _ *retry.Config) time.Duration {
			var re *retryableError
			if errors.As(err, &re) {
				return re.wait
			}
			return 0
		}),
		retry.OnRetry(func(n uint, err error) {
			var re *retryableError
			if !errors.As(err, &re) {
				return
			}
			if c.observer != nil {
				c.observer.RecordCodaRetry(re.reason)
			}
			c.logger.Warn("coda request will be retried",
				"reason", re.reason,
				"wait_seconds", re.wait.Seconds(),
				"attempt", fmt.Sprintf("%d/%d", n+1, c.maxAttempts),
			)
		}),
	)
	if err == nil {
		return nil
	}
	var re *retryableError
	if errors.As(err, &re) {
		c.logger.Error("coda request failed after retries", "attempts", c.maxAttempts)
		c.logRequestDetails(method, endpoint, query, payload)
		return fmt.Errorf("request failed after %d attempts: %w", c.maxAttempts, re.err)
	}
	return err
}

func (c *Client) attempt(ctx context.Context, method, path, endpoint string, query url.Values, payload []byte, respBody any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if c.observer != nil {
		c.observer.RecordCodaRequest(method, resp.StatusCode)
	}
	c.logger.Debug("coda response", "method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &retryableError{
			wait:   parseRetryAfter(resp.Header.Get("Retry-After"), c.retryDelay),
			reason: "rate_limited",
			err:    &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode},
		}
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		httpErr := &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: raw}
		c.logger.Error("coda error response", "status", resp.StatusCode, "body", truncate(raw))
		c.logRequestDetails(method, endpoint, query, payload)
		if resp.StatusCode >= 500 {
			return &retryableError{wait: c.serverErrorDelay, reason: "server_error", err: httpErr}
		}
		return httpErr
	}

	if respBody == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	// Numbers stay json.Number so values written back are byte-identical.
	dec.UseNumber()
	if err := dec.Decode(respBody); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	out := c.baseURL + path
	if len(query) > 0 {
		out += "?" + query.Encode()
	}
	return out
}

func (c *Client) logRequestDetails(method, endpoint string, query url.Values, payload []byte) {
	c.logger.Error("coda request details",
		"method", method,
		"url", endpoint,
		"params", query.Encode(),
		"data", truncate(payload),
	)
}

func parseRetryAfter(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func truncate(b []byte) string {
	if len(b) > maxLoggedBody {
		return string(b[:maxLoggedBody]) + "...(truncated)"
	}
	return string(b)
}

// credentialTripper adds the bearer token after request logging, so the
// token never reaches a log line.
type credentialTripper struct {
	token   string
	wrapped http.RoundTripper
}

func (c *credentialTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+c.token)
	return c.wrapped.RoundTrip(clone)
}

var _ http.RoundTripper = &credentialTripper{}
