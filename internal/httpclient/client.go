// Package httpclient builds the *http.Client used to talk to the controller:
// a base transport with the controller TLS policy, wrapped by a middleware chain.
package httpclient

import (
	"crypto/tls"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single controller request, including reading the body.
const DefaultTimeout = 30 * time.Second

// Client is an HTTP client that supports middleware chaining.
type Client struct {
	base       *http.Client
	tlsConfig  *tls.Config
	middleware []Middleware
}

// Middleware wraps an http.RoundTripper to add behavior.
// Middleware is applied in order: first middleware is outermost.
type Middleware func(http.RoundTripper) http.RoundTripper

// New creates a new HTTP client with the given options.
func New(opts ...Option) *Client {
	c := &Client{
		base: &http.Client{
			Timeout: DefaultTimeout,
		},
		middleware: []Middleware{},
	}

	for _, opt := range opts {
		opt(c)
	}

	transport := c.base.Transport
	if c.tlsConfig != nil {
		transport = withTLS(transport, c.tlsConfig)
	}

	// Apply middleware in reverse order so first middleware is outermost
	for i := len(c.middleware) - 1; i >= 0; i-- {
		if transport == nil {
			transport = http.DefaultTransport
		}
		transport = c.middleware[i](transport)
	}

	c.base.Transport = transport

	return c
}

// withTLS returns a copy of rt carrying cfg. Only *http.Transport (or nil,
// meaning the default transport) can carry a TLS config; anything else is
// returned unchanged.
func withTLS(rt http.RoundTripper, cfg *tls.Config) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}

	base, ok := rt.(*http.Transport)
	if !ok {
		return rt
	}

	clone := base.Clone()
	clone.TLSClientConfig = cfg

	return clone
}

// Do executes an HTTP request using the configured middleware chain.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	//nolint:wrapcheck // Callers classify transport errors themselves
	return c.base.Do(req)
}

// HTTPClient returns the underlying http.Client.
func (c *Client) HTTPClient() *http.Client {
	return c.base
}

// CloseIdleConnections releases pooled connections to the controller.
func (c *Client) CloseIdleConnections() {
	c.base.CloseIdleConnections()
}
