// Package response decodes controller API bodies.
//
// The legacy action API wraps every answer in an envelope:
//
//	{"return": true, "results": ...}
//	{"return": false, "reason": "CID is invalid or expired."}
//
// The versioned API returns plain JSON documents.
package response

import (
	"bytes"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Rejection is returned when the controller answers 2xx but reports
// "return": false in the legacy envelope.
type Rejection struct {
	Action string
	Reason string
}

func (e *Rejection) Error() string {
	if e.Action == "" {
		return "controller rejected request: " + e.Reason
	}
	return "controller rejected " + e.Action + ": " + e.Reason
}

type envelope struct {
	Return *bool  `json:"return"`
	Reason string `json:"reason"`
}

// Decode unmarshals a plain JSON body into T.
//
// Usage:
//
//	groups, err := response.Decode[appDomains](result.Body, "failed to decode app domains")
func Decode[T any](body []byte, errorMsg string) (*T, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.Newf("%s: empty response from API", errorMsg)
	}

	var data T
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, errors.Wrap(err, errorMsg)
	}

	return &data, nil
}

// DecodeLegacy is like Decode but first checks the legacy envelope. A body
// with "return": false yields a *Rejection for action. A missing "return"
// field is accepted, since some actions omit it.
func DecodeLegacy[T any](body []byte, action, errorMsg string) (*T, error) {
	env, err := Decode[envelope](body, errorMsg)
	if err != nil {
		return nil, err
	}

	if env.Return != nil && !*env.Return {
		return nil, errors.WithStack(&Rejection{Action: action, Reason: env.Reason})
	}

	return Decode[T](body, errorMsg)
}
