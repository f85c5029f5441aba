// Package observability provides the logging and metrics hooks used by the
// controller client and the export pipeline.
//
// # Logger Interface
//
// Logger takes structured key-value fields:
//
//	logger := observability.NewSlogLogger(slog.Default())
//	transport, err := controller.NewTransport(&controller.Config{
//		Host:   "10.0.0.5",
//		Logger: logger,
//	})
//
// Supported log levels:
//   - Debug: every HTTP request and pipeline state change
//   - Info: artifact progress
//   - Warn: non-fatal per-artifact failures
//   - Error: fatal failures
//
// # MetricsRecorder Interface
//
// MetricsRecorder receives one event per HTTP request, rate limit wait and
// transport error. Tally is a concurrency-safe in-memory implementation that
// the CLI uses for its end-of-run report.
//
// # Default Behavior
//
// Components built without a logger or recorder fall back to no-op
// implementations.
package observability
