package controller

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lexfrei/go-aviatrix/internal/httpclient"
	"github.com/lexfrei/go-aviatrix/internal/middleware"
	"github.com/lexfrei/go-aviatrix/internal/ratelimit"
	"github.com/lexfrei/go-aviatrix/observability"
)

const (
	// LegacyAPIPath is the action-style API surface.
	LegacyAPIPath = "/v2/api"
	// VersionedAPIPath is the JSON API surface that authenticates by header.
	VersionedAPIPath = "/v2.5/api"

	// DefaultTimeout is the default per-request timeout.
	DefaultTimeout = httpclient.DefaultTimeout

	// errorBodyLimit caps how much of a non-2xx body is kept for diagnostics.
	errorBodyLimit = 512
	// maxBodySize caps buffered (non-streamed) response bodies.
	maxBodySize = 64 << 20
)

// Config holds configuration for a controller Transport.
type Config struct {
	// Host is the controller address: "10.0.0.5", "ctrl.example.com:8443",
	// or a full base URL such as "https://ctrl.example.com".
	Host string

	// HTTPClient replaces the default client (optional). Middleware is still applied.
	HTTPClient *http.Client

	// InsecureSkipVerify disables TLS certificate verification (self-signed controllers)
	InsecureSkipVerify bool

	// Timeout bounds a single request, including reading the body
	Timeout time.Duration

	// RateLimitPerMinute paces requests (0 = ratelimit.DefaultRequestsPerMinute, negative = off)
	RateLimitPerMinute int

	// RateLimitBurst is the number of requests allowed back to back (defaults to 4)
	RateLimitBurst int

	// Logger for observability (optional, uses noop logger if nil)
	Logger observability.Logger

	// Metrics recorder for observability (optional, uses noop recorder if nil)
	Metrics observability.MetricsRecorder
}

// Transport performs single-attempt calls against one controller. It never
// retries; callers decide what a failure means.
type Transport struct {
	host    string
	baseURL string
	client  *httpclient.Client
	logger  observability.Logger
}

// Request describes one controller call.
type Request struct {
	// Method defaults to GET, or POST when Form is set.
	Method string
	// Path is LegacyAPIPath or a path under VersionedAPIPath.
	Path string
	// Action is sent as the "action" parameter (query for GET, form for POST).
	Action string
	// Query holds additional query parameters.
	Query url.Values
	// Form, when non-nil, is sent url-encoded as the request body.
	Form url.Values
	// Token is the session CID; empty for login.
	Token string
	// Stream hands the response body to the caller unread.
	Stream bool
}

// Result is a successful (2xx) response. Exactly one of Body and Stream is set.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Stream is set when Request.Stream was true; the caller must close it.
	Stream io.ReadCloser
}

// NewTransport creates a transport with default settings.
//
// Default settings:
//   - Timeout: 30 seconds
//   - Rate limit: 600 requests/minute, burst 4
//   - TLS verification: disabled (controllers use self-signed certificates)
func NewTransport(host string) (*Transport, error) {
	return NewTransportWithConfig(&Config{
		Host:               host,
		InsecureSkipVerify: true,
	})
}

// NewTransportWithConfig creates a transport with custom configuration.
func NewTransportWithConfig(cfg *Config) (*Transport, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	host := strings.TrimSpace(cfg.Host)

	baseURL, err := normalizeBaseURL(host)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NoopLogger()
	}

	rpm := cfg.RateLimitPerMinute
	if rpm == 0 {
		rpm = ratelimit.DefaultRequestsPerMinute
	}
	burst := cfg.RateLimitBurst
	if burst == 0 {
		burst = 4
	}

	client := httpclient.New(
		httpclient.WithHTTPClient(cfg.HTTPClient),
		httpclient.WithTimeout(cfg.Timeout),
		httpclient.WithTLSConfig(httpclient.ControllerTLS(cfg.InsecureSkipVerify)),
		httpclient.WithMiddleware(
			middleware.Observability(logger, cfg.Metrics),
			middleware.RateLimit(middleware.RateLimitConfig{
				Limiter: ratelimit.NewRateLimiter(rpm, burst),
				Logger:  logger,
				Metrics: cfg.Metrics,
			}),
			middleware.ControllerAuth(),
		),
	)

	return &Transport{
		host:    host,
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}, nil
}

// Host returns the controller address the transport was built for.
func (t *Transport) Host() string {
	return t.host
}

// Close releases idle connections.
func (t *Transport) Close() {
	t.client.CloseIdleConnections()
}

// Do performs exactly one HTTP request. Every failure is a *TransportError;
// any non-2xx status is KindHTTPStatus.
func (t *Transport) Do(ctx context.Context, req *Request) (*Result, error) {
	httpReq, endpoint, err := t.build(ctx, req)
	if err != nil {
		return nil, &TransportError{Kind: KindOther, Method: req.method(), Endpoint: endpoint, Err: err}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Kind: classify(err), Method: httpReq.Method, Endpoint: endpoint, Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()

		return nil, &TransportError{
			Kind:       KindHTTPStatus,
			StatusCode: resp.StatusCode,
			Method:     httpReq.Method,
			Endpoint:   endpoint,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if req.Stream {
		return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Stream: resp.Body}, nil
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &TransportError{
			Kind:     classify(err),
			Method:   httpReq.Method,
			Endpoint: endpoint,
			Err:      errors.Wrap(err, "failed to read response body"),
		}
	}

	return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (t *Transport) build(ctx context.Context, req *Request) (*http.Request, string, error) {
	endpoint := req.Path
	if req.Action != "" {
		endpoint += "?action=" + req.Action
	}

	if !strings.HasPrefix(req.Path, "/") {
		return nil, endpoint, errors.Newf("path %q must start with /", req.Path)
	}

	query := url.Values{}
	for k, v := range req.Query {
		query[k] = append([]string(nil), v...)
	}

	var body io.Reader = http.NoBody
	if req.Form != nil {
		form := url.Values{}
		for k, v := range req.Form {
			form[k] = append([]string(nil), v...)
		}
		if req.Action != "" {
			form.Set("action", req.Action)
		}
		body = bytes.NewBufferString(form.Encode())
	} else if req.Action != "" {
		query.Set("action", req.Action)
	}

	target := t.baseURL + req.Path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	if req.Token != "" {
		ctx = middleware.WithCID(ctx, req.Token)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method(), target, body)
	if err != nil {
		return nil, endpoint, errors.Wrap(err, "failed to build request")
	}

	httpReq.Header.Set("Accept", "application/json")
	if req.Form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	return httpReq, endpoint, nil
}

func (r *Request) method() string {
	switch {
	case r.Method != "":
		return r.Method
	case r.Form != nil:
		return http.MethodPost
	default:
		return http.MethodGet
	}
}

// normalizeBaseURL turns a controller address into a base URL without a
// trailing slash. Bare hosts get the https scheme.
func normalizeBaseURL(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.New("controller host is required")
	}

	if !strings.Contains(host, "://") {
		host = "https://" + host
	}

	u, err := url.Parse(host)
	if err != nil {
		return "", errors.Wrapf(err, "invalid controller address %q", host)
	}

	if u.Host == "" {
		return "", errors.Newf("invalid controller address %q: missing host", host)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return "", errors.Newf("invalid controller address %q: unsupported scheme %q", host, u.Scheme)
	}

	return strings.TrimRight(u.Scheme+"://"+u.Host+u.Path, "/"), nil
}
