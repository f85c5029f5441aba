package controller

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/lexfrei/go-aviatrix/internal/response"
)

// ErrorKind classifies a failed controller call.
type ErrorKind int

const (
	// KindOther covers failures that fit no other class (malformed URL, TLS, canceled context).
	KindOther ErrorKind = iota
	// KindHTTPStatus is any non-2xx response.
	KindHTTPStatus
	// KindConnectionFailed covers dial, DNS and connection reset failures.
	KindConnectionFailed
	// KindTimeout covers client timeouts and expired deadlines.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindHTTPStatus:
		return "HttpStatus"
	case KindConnectionFailed:
		return "ConnectionFailed"
	case KindTimeout:
		return "Timeout"
	default:
		return "Other"
	}
}

// TransportError is the single failure type returned by Transport.Do.
// It classifies the failure and is never retried.
type TransportError struct {
	Kind       ErrorKind
	StatusCode int    // set for KindHTTPStatus
	Method     string // request method
	Endpoint   string // path plus action, never the token
	Body       string // leading bytes of a non-2xx body, for diagnostics
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: ", e.Method, e.Endpoint)

	if e.Kind == KindHTTPStatus {
		fmt.Fprintf(&b, "http status %d", e.StatusCode)
		if e.Body != "" {
			fmt.Fprintf(&b, " (%s)", e.Body)
		}
		return b.String()
	}

	b.WriteString(strings.ToLower(e.Kind.String()))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError means no session could be established. It is always fatal.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "authentication failed: " + e.Reason
	}
	return "authentication failed: " + e.Reason + ": " + e.Err.Error()
}

func (e *AuthError) Unwrap() error { return e.Err }

// FetchError names the artifact whose retrieval failed.
type FetchError struct {
	Artifact string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Artifact, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ExtractError means a resource export arrived but the expected entry could
// not be taken out of it.
type ExtractError struct {
	Kind  string // resource kind, e.g. "fqdn"
	Entry string // expected entry name, e.g. "fqdn.tf"
	Err   error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract %s from %s export: %v", e.Entry, e.Kind, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// APIError is a 2xx legacy response carrying "return": false.
type APIError = response.Rejection

var (
	// ErrEntryNotFound is wrapped by ExtractError when the archive lacks the expected entry.
	ErrEntryNotFound = errors.New("entry not found in archive")
	// ErrHostMismatch is returned when a session is used with a transport for another controller.
	ErrHostMismatch = errors.New("session belongs to a different controller")
)

// KindOf reports the transport classification carried anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return KindOther, false
}

// StatusCode returns the HTTP status carried in err's chain, or 0.
func StatusCode(err error) int {
	var te *TransportError
	if errors.As(err, &te) && te.Kind == KindHTTPStatus {
		return te.StatusCode
	}
	return 0
}

// classify maps an error from http.Client.Do or a body read to an ErrorKind.
func classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return KindOther
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnectionFailed
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnectionFailed
	}

	if errors.Is(err, net.ErrClosed) {
		return KindConnectionFailed
	}

	return KindOther
}
