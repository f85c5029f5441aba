package httpclient

import "crypto/tls"

// ControllerTLS returns the TLS policy for controller connections.
//
// Controllers ship with self-signed certificates in most deployments, so
// verification is skipped unless the caller opts back in. This is an accepted
// trust trade-off for an operator-run export tool.
func ControllerTLS(skipVerify bool) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: skipVerify, //nolint:gosec // Self-signed controller certificates
	}
}
