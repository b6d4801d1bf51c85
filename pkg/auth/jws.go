package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/garudex-labs/caracal/pkg/crypto"
)

// KeySet maps signer key ids to ES256 verification keys. Rotation keeps
// retired keys in the set so tokens signed before the rotation still verify.
type KeySet map[string]*ecdsa.PublicKey

// KeyFunc selects the verification key from the token's kid header.
func (ks KeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("missing kid in header")
		}
		pub, ok := ks[kid]
		if !ok {
			return nil, fmt.Errorf("unknown signer key %q", kid)
		}
		return pub, nil
	}
}

// Claims carried by a gateway bearer token. Subject is the principal id.
type Claims struct {
	jwt.RegisteredClaims
}

// SignBearer issues a bearer token for principalID, signed with the given
// signer and valid for ttl from now.
func SignBearer(signer *crypto.SoftwareSigner, principalID string, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			Issuer:    "caracal",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = signer.KeyID()
	return token.SignedString(signer.Private())
}

// JWSAuthenticator verifies Authorization bearer tokens against a key set.
type JWSAuthenticator struct {
	keys   KeySet
	issuer string
}

func NewJWSAuthenticator(keys KeySet) *JWSAuthenticator {
	return &JWSAuthenticator{keys: keys}
}

// WithIssuer rejects tokens whose issuer claim differs. Empty disables
// the check, which keeps tokens minted before the deployment pinned an
// issuer working.
func (a *JWSAuthenticator) WithIssuer(issuer string) *JWSAuthenticator {
	a.issuer = issuer
	return a
}

func (a *JWSAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrNoCredentials
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, errors.New("auth: malformed Authorization header, expected 'Bearer <token>'")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, a.keys.KeyFunc())
	if err != nil {
		return nil, fmt.Errorf("auth: bearer token rejected: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: bearer token invalid")
	}
	if claims.Subject == "" {
		return nil, errors.New("auth: bearer token has no subject")
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return nil, fmt.Errorf("auth: bearer token issuer %q not accepted", claims.Issuer)
	}

	kid, _ := token.Header["kid"].(string)
	return &Identity{PrincipalID: claims.Subject, Method: MethodJWS, KeyID: kid}, nil
}
