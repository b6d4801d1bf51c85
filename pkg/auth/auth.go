// Package auth authenticates gateway callers. Three credential forms are
// supported: an ES256 bearer token, a peppered API key, and an mTLS client
// certificate. Authenticators compose into a first-match chain, and the
// authenticated identity travels the request context.
package auth

import (
	"errors"
	"net/http"
)

// Method names the credential form that authenticated a caller.
type Method string

const (
	MethodJWS    Method = "jws"
	MethodAPIKey Method = "api_key"
	MethodMTLS   Method = "mtls"
)

// Identity is an authenticated caller. PrincipalID references a registered
// principal; the gateway checks it against the presented mandate's subject.
type Identity struct {
	PrincipalID string
	Method      Method
	KeyID       string
}

// ErrNoCredentials reports that the request carries no credential of the
// authenticator's form. A chain treats it as "try the next one"; any other
// error is a verification failure and stops the chain.
var ErrNoCredentials = errors.New("auth: no credentials presented")

// Authenticator verifies one credential form.
type Authenticator interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// Chain tries each authenticator in order and returns the first identity.
// An authenticator that finds no credentials of its form is skipped; one
// that finds credentials and rejects them ends the chain.
type Chain []Authenticator

func (c Chain) Authenticate(r *http.Request) (*Identity, error) {
	for _, a := range c {
		id, err := a.Authenticate(r)
		if errors.Is(err, ErrNoCredentials) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return id, nil
	}
	return nil, ErrNoCredentials
}
