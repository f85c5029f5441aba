package middleware

import (
	"context"
	"maps"
	"net/http"
	"regexp"
)

// CIDQueryParam is the query parameter carrying the session token on the
// legacy API surface.
const CIDQueryParam = "CID"

// versionedPathPattern matches the versioned API surface, e.g. /v2.5/api/app-domains.
// The legacy surface (/v2/api) has no minor version segment.
var versionedPathPattern = regexp.MustCompile(`/v\d+\.\d+/`)

type cidContextKey struct{}

// WithCID returns a context carrying the session token for ControllerAuth.
func WithCID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, cidContextKey{}, cid)
}

// CIDFromContext returns the session token stored by WithCID.
func CIDFromContext(ctx context.Context) (string, bool) {
	cid, ok := ctx.Value(cidContextKey{}).(string)
	return cid, ok && cid != ""
}

// IsVersionedPath reports whether path belongs to the versioned API surface.
func IsVersionedPath(path string) bool {
	return versionedPathPattern.MatchString(path)
}

// ControllerAuth returns a middleware that attaches the session token found in
// the request context. Versioned paths get an "Authorization: cid <token>"
// header; legacy paths get the token as the CID query parameter.
// Requests without a token (login) pass through untouched.
func ControllerAuth() func(http.RoundTripper) http.RoundTripper {
	return func(next http.RoundTripper) http.RoundTripper {
		return &authTransport{next: next}
	}
}

type authTransport struct {
	next http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cid, ok := CIDFromContext(req.Context())
	if !ok {
		//nolint:wrapcheck // Middleware passes through errors from next handler in chain
		return t.next.RoundTrip(req)
	}

	// Clone request to avoid modifying original
	req = cloneRequest(req)

	if IsVersionedPath(req.URL.Path) {
		req.Header.Set("Authorization", "cid "+cid)
	} else {
		query := req.URL.Query()
		query.Set(CIDQueryParam, cid)
		req.URL.RawQuery = query.Encode()
	}

	//nolint:wrapcheck // Middleware passes through errors from next handler in chain
	return t.next.RoundTrip(req)
}

// cloneRequest creates a shallow copy of the request with its own header map and URL.
func cloneRequest(req *http.Request) *http.Request {
	r := new(http.Request)
	*r = *req
	r.Header = make(http.Header, len(req.Header))
	maps.Copy(r.Header, req.Header)
	if req.URL != nil {
		u := *req.URL
		r.URL = &u
	}
	return r
}
