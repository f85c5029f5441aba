package controller

import (
	"context"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/lexfrei/go-aviatrix/internal/response"
)

const actionLogin = "login"

// Session is an authenticated controller session. It is immutable and only
// carries the controller address and the opaque CID token.
type Session struct {
	host  string
	token string
}

// Host returns the controller address the session was created for.
func (s *Session) Host() string { return s.host }

// Token returns the CID. Treat it as a bearer credential.
func (s *Session) Token() string { return s.token }

// String never includes the token.
func (s *Session) String() string {
	return "session(" + s.host + ", cid=" + redactToken(s.token) + ")"
}

type loginResponse struct {
	CID string `json:"CID"`
}

// Login authenticates against the legacy API and returns a new Session.
// Any failure, including a 2xx answer without a CID, is an *AuthError.
func Login(ctx context.Context, t *Transport, username, password string) (*Session, error) {
	if t == nil {
		return nil, &AuthError{Reason: "no transport"}
	}

	if username == "" {
		return nil, &AuthError{Reason: "username is required"}
	}

	result, err := t.Do(ctx, &Request{
		Path:   LegacyAPIPath,
		Action: actionLogin,
		Form: url.Values{
			"username": {username},
			"password": {password},
		},
	})
	if err != nil {
		return nil, &AuthError{Reason: "login request failed", Err: err}
	}

	body, err := response.DecodeLegacy[loginResponse](result.Body, actionLogin, "failed to decode login response")
	if err != nil {
		var rejection *APIError
		if errors.As(err, &rejection) {
			return nil, &AuthError{Reason: rejection.Reason, Err: err}
		}
		return nil, &AuthError{Reason: "malformed login response", Err: err}
	}

	cid := strings.TrimSpace(body.CID)
	if cid == "" {
		return nil, &AuthError{Reason: "login response has no CID"}
	}

	return &Session{host: t.Host(), token: cid}, nil
}

// FromExistingToken builds a Session around a token the caller already holds.
// No network call is made and the token is trusted as-is.
func FromExistingToken(host, token string) (*Session, error) {
	host = strings.TrimSpace(host)
	token = strings.TrimSpace(token)

	if host == "" {
		return nil, errors.New("controller host is required")
	}
	if token == "" {
		return nil, errors.New("session token is required")
	}

	return &Session{host: host, token: token}, nil
}

// Authenticator produces the Session an export run works with.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Session, error)
}

// PasswordLogin authenticates with a username and password.
type PasswordLogin struct {
	Transport *Transport
	Username  string
	Password  string
}

// Authenticate implements Authenticator.
func (p PasswordLogin) Authenticate(ctx context.Context) (*Session, error) {
	return Login(ctx, p.Transport, p.Username, p.Password)
}

// ExistingToken reuses a CID obtained elsewhere.
type ExistingToken struct {
	Host  string
	Token string
}

// Authenticate implements Authenticator. Validation failures are reported as
// *AuthError so callers handle both authenticators the same way.
func (e ExistingToken) Authenticate(context.Context) (*Session, error) {
	s, err := FromExistingToken(e.Host, e.Token)
	if err != nil {
		return nil, &AuthError{Reason: "invalid existing token", Err: err}
	}
	return s, nil
}

func redactToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:2] + "****"
}
