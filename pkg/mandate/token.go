package mandate

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/garudex-labs/caracal/pkg/crypto"
)

// TokenType is the JWS typ header value for mandate tokens.
const TokenType = "mandate"

type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

// EncodeToken renders a mandate as a compact JWS: the payload is the
// canonical signing payload, the signature an ES256 over header.payload.
// Tokens carry no revocation state; holders present them to the gateway,
// which checks the stored row.
func EncodeToken(m *Mandate, signer *crypto.SoftwareSigner) (string, error) {
	headerJSON, err := json.Marshal(tokenHeader{Alg: "ES256", Kid: signer.KeyID(), Typ: TokenType})
	if err != nil {
		return "", fmt.Errorf("marshal token header: %w", err)
	}
	payload, err := m.SigningPayload()
	if err != nil {
		return "", fmt.Errorf("token payload: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(payload)
	sig, err := jwt.SigningMethodES256.Sign(signingInput, signer.Private())
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// PublicKeyLookup maps a JWS kid to its verification key.
type PublicKeyLookup func(kid string) (*ecdsa.PublicKey, error)

// DecodeToken verifies a compact JWS mandate token and reconstructs the
// mandate it carries. The result has no signature or revocation state;
// callers load the stored row by MandateID for the authoritative record.
func DecodeToken(token string, lookup PublicKeyLookup) (*Mandate, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: want 3 segments, got %d", ErrMalformedToken, len(parts))
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	var header tokenHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	if header.Typ != TokenType {
		return nil, fmt.Errorf("%w: typ %q", ErrMalformedToken, header.Typ)
	}
	if header.Alg != "ES256" {
		return nil, fmt.Errorf("%w: alg %q", ErrMalformedToken, header.Alg)
	}

	pub, err := lookup(header.Kid)
	if err != nil {
		return nil, fmt.Errorf("resolve token key %s: %w", header.Kid, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedToken, err)
	}
	if err := jwt.SigningMethodES256.Verify(parts[0]+"."+parts[1], sig, pub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenSignature, err)
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}
	var payload signingPayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}
	return payloadMandate(payload)
}

func payloadMandate(p signingPayload) (*Mandate, error) {
	validFrom, err := time.Parse(time.RFC3339, p.ValidFrom)
	if err != nil {
		return nil, fmt.Errorf("%w: valid_from: %v", ErrMalformedToken, err)
	}
	validUntil, err := time.Parse(time.RFC3339, p.ValidUntil)
	if err != nil {
		return nil, fmt.Errorf("%w: valid_until: %v", ErrMalformedToken, err)
	}
	return &Mandate{
		MandateID:       p.MandateID,
		IssuerID:        p.IssuerID,
		SubjectID:       p.SubjectID,
		ResourceScope:   p.ResourceScope,
		ActionScope:     p.ActionScope,
		ValidFrom:       validFrom,
		ValidUntil:      validUntil,
		ParentMandateID: p.ParentMandateID,
		DelegationDepth: p.DelegationDepth,
		Intent:          p.Intent,
		SignerKeyID:     p.SignerKeyID,
	}, nil
}
