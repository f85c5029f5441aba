package observability

import (
	"maps"
	"sync"
	"time"
)

// MetricsRecorder is an interface for recording metrics.
// Implementations can use any metrics library (Prometheus, StatsD, etc.).
type MetricsRecorder interface {
	// RecordHTTPRequest records an HTTP request with method, path, status code, and duration.
	RecordHTTPRequest(method, path string, statusCode int, duration time.Duration)

	// RecordRateLimit records a rate limit wait event.
	RecordRateLimit(endpoint string, wait time.Duration)

	// RecordError records an error occurrence.
	RecordError(operation, errorType string)
}

type noopMetricsRecorder struct{}

// NoopMetricsRecorder returns a metrics recorder that does nothing.
//
//nolint:ireturn // Factory function must return interface for dependency injection pattern
func NoopMetricsRecorder() MetricsRecorder {
	return &noopMetricsRecorder{}
}

func (m *noopMetricsRecorder) RecordHTTPRequest(string, string, int, time.Duration) {}
func (m *noopMetricsRecorder) RecordRateLimit(string, time.Duration)                {}
func (m *noopMetricsRecorder) RecordError(string, string)                           {}

// Tally is an in-memory MetricsRecorder that counts requests per path
// and errors per type. It is safe for concurrent use.
type Tally struct {
	mu        sync.Mutex
	requests  map[string]int
	errors    map[string]int
	total     time.Duration
	waited    time.Duration
	httpFails int
}

// NewTally returns an empty Tally.
func NewTally() *Tally {
	return &Tally{
		requests: make(map[string]int),
		errors:   make(map[string]int),
	}
}

func (t *Tally) RecordHTTPRequest(_ string, path string, statusCode int, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requests[path]++
	t.total += duration
	if statusCode >= 400 {
		t.httpFails++
	}
}

func (t *Tally) RecordRateLimit(_ string, wait time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.waited += wait
}

func (t *Tally) RecordError(_ string, errorType string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.errors[errorType]++
}

// TallySnapshot is a point-in-time copy of a Tally.
type TallySnapshot struct {
	Requests      map[string]int `json:"requests"       yaml:"requests"`
	Errors        map[string]int `json:"errors"         yaml:"errors"`
	HTTPFailures  int            `json:"http_failures"  yaml:"http_failures"`
	TotalDuration time.Duration  `json:"total_duration" yaml:"total_duration"`
	RateLimitWait time.Duration  `json:"rate_limit_wait" yaml:"rate_limit_wait"`
}

// Snapshot copies the current counters.
func (t *Tally) Snapshot() TallySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TallySnapshot{
		Requests:      maps.Clone(t.requests),
		Errors:        maps.Clone(t.errors),
		HTTPFailures:  t.httpFails,
		TotalDuration: t.total,
		RateLimitWait: t.waited,
	}
}

// Calls returns the total number of recorded HTTP requests.
func (s TallySnapshot) Calls() int {
	n := 0
	for _, c := range s.Requests {
		n += c
	}
	return n
}
