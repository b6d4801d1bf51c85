package auth

import (
	"errors"
	"net/http"
)

// MTLSAuthenticator maps a verified client certificate to a principal. The
// TLS layer has already validated the chain by the time a request reaches
// the handler, so this only reads the peer's subject common name.
type MTLSAuthenticator struct{}

func NewMTLSAuthenticator() *MTLSAuthenticator {
	return &MTLSAuthenticator{}
}

func (a *MTLSAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil, ErrNoCredentials
	}
	cn := r.TLS.PeerCertificates[0].Subject.CommonName
	if cn == "" {
		return nil, errors.New("auth: client certificate has no common name")
	}
	return &Identity{PrincipalID: cn, Method: MethodMTLS}, nil
}
