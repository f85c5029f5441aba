// Package controller talks to a network controller's legacy action API and
// its versioned JSON API.
//
// # API Surfaces
//
// The legacy surface is a single endpoint that takes an "action" parameter:
//
//	https://<controller>/v2/api?action=list_vpcs_summary&CID=<token>
//
// The versioned surface uses REST-style paths and a header token:
//
//	GET https://<controller>/v2.5/api/app-domains
//	Authorization: cid <token>
//
// Transport picks the right placement for the token from the request path.
//
// # Authentication
//
// Login posts the credentials to the legacy surface and returns a Session
// holding the CID. FromExistingToken wraps a CID obtained elsewhere without a
// network call.
//
// # Errors
//
// Transport.Do makes exactly one attempt and returns *TransportError on any
// failure, classified by ErrorKind. Fetcher wraps failures with the name of
// the artifact that was being retrieved:
//
//   - *AuthError: no session could be established
//   - *FetchError: an artifact could not be retrieved (wraps *TransportError or *APIError)
//   - *ExtractError: a resource export was not a usable archive
//
// # Basic Usage
//
//	t, err := controller.NewTransport("10.0.0.5")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	session, err := controller.Login(ctx, t, "admin", password)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fetcher := controller.NewFetcher(t, nil)
//	gateways, err := fetcher.ListGateways(ctx, session)
//
// # TLS
//
// Controllers usually present self-signed certificates, so NewTransport skips
// certificate verification. Use NewTransportWithConfig with
// InsecureSkipVerify set to false to enforce it.
package controller
