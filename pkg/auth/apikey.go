package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// HeaderAPIKey carries an API key credential as "<principal_id>:<secret>".
const HeaderAPIKey = "X-Caracal-Api-Key"

const apiKeySalt = "caracal:api-key:v1"

// APIKeyAuthenticator verifies API keys against HKDF-derived digests. Only
// derived keys are held in memory; the pepper never leaves the process that
// granted the key, so a dumped key table alone cannot be replayed elsewhere.
type APIKeyAuthenticator struct {
	pepper []byte
	mu     sync.RWMutex
	keys   map[string][]byte
}

func NewAPIKeyAuthenticator(pepper []byte) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{
		pepper: pepper,
		keys:   make(map[string][]byte),
	}
}

// Grant registers a key for the principal, replacing any earlier one.
func (a *APIKeyAuthenticator) Grant(principalID, secret string) {
	derived := a.derive(principalID, secret)
	a.mu.Lock()
	a.keys[principalID] = derived
	a.mu.Unlock()
}

// Revoke removes the principal's key.
func (a *APIKeyAuthenticator) Revoke(principalID string) {
	a.mu.Lock()
	delete(a.keys, principalID)
	a.mu.Unlock()
}

func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	raw := r.Header.Get(HeaderAPIKey)
	if raw == "" {
		return nil, ErrNoCredentials
	}
	principalID, secret, ok := strings.Cut(raw, ":")
	if !ok || principalID == "" || secret == "" {
		return nil, errors.New("auth: malformed api key, expected '<principal_id>:<secret>'")
	}

	a.mu.RLock()
	stored, exists := a.keys[principalID]
	a.mu.RUnlock()

	// Derive even when the principal is unknown so both outcomes cost the
	// same. The comparison below is constant-time over equal lengths.
	derived := a.derive(principalID, secret)
	if !exists || subtle.ConstantTimeCompare(derived, stored) != 1 {
		return nil, errors.New("auth: api key rejected")
	}
	return &Identity{PrincipalID: principalID, Method: MethodAPIKey}, nil
}

func (a *APIKeyAuthenticator) derive(principalID, secret string) []byte {
	r := hkdf.New(sha256.New, []byte(secret), a.pepper, []byte(apiKeySalt+":"+principalID))
	derived := make([]byte, 32)
	if _, err := io.ReadFull(r, derived); err != nil {
		// sha256 HKDF cannot fail to produce 32 bytes.
		panic(err)
	}
	return derived
}
