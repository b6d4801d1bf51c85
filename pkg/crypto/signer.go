// Package crypto provides the signing capability used for mandates,
// Merkle roots, and snapshots: ECDSA over P-256 with SHA-256 pre-hash.
//
// Signer is a capability, not an identity. Callers hold a Signer and never
// touch key material; rotation swaps the capability. A remote HSM handle
// implements the same interface.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// KeyIDPrefix namespaces caracal signer key ids.
const KeyIDPrefix = "caracal-p256-"

var ErrNotECDSA = errors.New("crypto: key is not ECDSA P-256")

// Signer signs data on behalf of a key holder.
type Signer interface {
	// Sign returns the hex-encoded ASN.1 DER signature over SHA-256(data).
	Sign(data []byte) (string, error)

	// KeyID identifies the key pair so verifiers can locate the public key.
	KeyID() string

	// PublicKeyPEM returns the SPKI PEM encoding of the public key.
	PublicKeyPEM() string
}

// SoftwareSigner holds a P-256 private key in process memory.
type SoftwareSigner struct {
	priv  *ecdsa.PrivateKey
	keyID string
}

// NewSoftwareSigner generates a fresh P-256 key pair.
func NewSoftwareSigner() (*SoftwareSigner, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return newFromKey(priv)
}

// NewSoftwareSignerFromKey wraps an existing private key.
func NewSoftwareSignerFromKey(priv *ecdsa.PrivateKey) (*SoftwareSigner, error) {
	if priv.Curve != elliptic.P256() {
		return nil, ErrNotECDSA
	}
	return newFromKey(priv)
}

// LoadSoftwareSigner reads a PKCS#8 or SEC1 PEM private key from path.
func LoadSoftwareSigner(path string) (*SoftwareSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read key file: %w", err)
	}
	priv, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, err
	}
	return newFromKey(priv)
}

func newFromKey(priv *ecdsa.PrivateKey) (*SoftwareSigner, error) {
	id, err := DeriveKeyID(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &SoftwareSigner{priv: priv, keyID: id}, nil
}

func (s *SoftwareSigner) Sign(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, s.priv, digest[:])
	if err != nil {
		return "", fmt.Errorf("crypto: sign failed: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

func (s *SoftwareSigner) KeyID() string { return s.keyID }

func (s *SoftwareSigner) PublicKeyPEM() string {
	pemStr, _ := EncodePublicKey(&s.priv.PublicKey)
	return pemStr
}

// Private exposes the underlying key for JWS encoding. Callers outside the
// mandate token path should not need it.
func (s *SoftwareSigner) Private() *ecdsa.PrivateKey { return s.priv }

// Verify checks a hex DER signature over SHA-256(data) against a SPKI PEM
// public key. Malformed inputs return an error; a well-formed but wrong
// signature returns (false, nil).
func Verify(pubKeyPEM, sigHex string, data []byte) (bool, error) {
	pub, err := ParsePublicKey([]byte(pubKeyPEM))
	if err != nil {
		return false, err
	}
	return VerifyWithKey(pub, sigHex, data)
}

// VerifyWithKey is Verify for callers that already hold a parsed key.
func VerifyWithKey(pub *ecdsa.PublicKey, sigHex string, data []byte) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	digest := sha256.Sum256(data)
	return ecdsa.VerifyASN1(pub, digest[:], sig), nil
}

// DeriveKeyID computes the stable key id for a public key:
// KeyIDPrefix plus the first 8 bytes of SHA-256(SPKI), hex-encoded.
func DeriveKeyID(pub *ecdsa.PublicKey) (string, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("crypto: marshal public key: %w", err)
	}
	sum := sha256.Sum256(spki)
	return KeyIDPrefix + hex.EncodeToString(sum[:8]), nil
}

// EncodePublicKey returns the SPKI PEM encoding of pub.
func EncodePublicKey(pub *ecdsa.PublicKey) (string, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("crypto: marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: spki}
	return string(pem.EncodeToMemory(block)), nil
}

// ParsePublicKey parses a SPKI PEM public key and requires P-256.
func ParsePublicKey(pemBytes []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("crypto: no PEM block in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse public key: %w", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, ErrNotECDSA
	}
	return pub, nil
}

// EncodePrivateKey returns the PKCS#8 PEM encoding of priv.
func EncodePrivateKey(priv *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// ParsePrivateKeyPEM parses a PKCS#8 or SEC1 PEM private key, requiring P-256.
func ParsePrivateKeyPEM(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("crypto: no PEM block in private key")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		priv, ok := key.(*ecdsa.PrivateKey)
		if !ok || priv.Curve != elliptic.P256() {
			return nil, ErrNotECDSA
		}
		return priv, nil
	}
	priv, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse private key: %w", err)
	}
	if priv.Curve != elliptic.P256() {
		return nil, ErrNotECDSA
	}
	return priv, nil
}
