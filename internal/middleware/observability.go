package middleware

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lexfrei/go-aviatrix/observability"
)

const redacted = "REDACTED"

// Observability returns a middleware that logs and records metrics for HTTP requests.
// It must sit outside ControllerAuth so the logged URL never carries the token.
func Observability(logger observability.Logger, metrics observability.MetricsRecorder) func(http.RoundTripper) http.RoundTripper {
	if logger == nil {
		logger = observability.NoopLogger()
	}
	if metrics == nil {
		metrics = observability.NoopMetricsRecorder()
	}

	return func(next http.RoundTripper) http.RoundTripper {
		return &observabilityTransport{
			next:    next,
			logger:  logger,
			metrics: metrics,
		}
	}
}

type observabilityTransport struct {
	next    http.RoundTripper
	logger  observability.Logger
	metrics observability.MetricsRecorder
}

func (t *observabilityTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	urlStr := redactURL(req.URL)
	endpoint := endpointName(req.URL)

	t.logger.Debug("http request started",
		observability.Field{Key: "method", Value: req.Method},
		observability.Field{Key: "url", Value: urlStr},
		observability.Field{Key: "endpoint", Value: endpoint},
	)

	resp, err := t.next.RoundTrip(req)

	duration := time.Since(start)

	if err != nil {
		t.logger.Error("http request failed",
			observability.Field{Key: "method", Value: req.Method},
			observability.Field{Key: "url", Value: urlStr},
			observability.Field{Key: "duration", Value: duration},
			observability.Err(err),
		)

		t.metrics.RecordError("http_request", errorType(err))

		//nolint:wrapcheck // Observability middleware logs error but passes it through unchanged
		return nil, err
	}

	fields := []observability.Field{
		{Key: "method", Value: req.Method},
		{Key: "url", Value: urlStr},
		{Key: "status", Value: resp.StatusCode},
		{Key: "duration", Value: duration},
	}

	if resp.StatusCode >= http.StatusBadRequest {
		t.logger.Warn("http request completed with error", fields...)
	} else {
		t.logger.Debug("http request completed", fields...)
	}

	t.metrics.RecordHTTPRequest(req.Method, endpoint, resp.StatusCode, duration)

	return resp, nil
}

// endpointName collapses a controller URL to a low-cardinality name: the
// path, plus the legacy "action" parameter when present.
//
//	/v2/api?action=list_vpcs_summary&CID=x → /v2/api?action=list_vpcs_summary
//	/v2.5/api/app-domains                 → /v2.5/api/app-domains
func endpointName(u *url.URL) string {
	if u == nil {
		return ""
	}
	if action := u.Query().Get("action"); action != "" {
		return u.Path + "?action=" + action
	}
	return u.Path
}

// redactURL renders u with the session token masked.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	query := u.Query()
	if !query.Has(CIDQueryParam) {
		return u.String()
	}

	query.Set(CIDQueryParam, redacted)
	masked := *u
	masked.RawQuery = query.Encode()

	return masked.String()
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	default:
		return "NetworkError"
	}
}
