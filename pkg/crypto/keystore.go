package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const keystoreSalt = "caracal:keystore:v1"

// keystoreFile is the on-disk JSON format for persisted signing keys.
// Each entry is a PKCS#8 PEM private key sealed with AES-256-GCM under a
// KEK derived from the master secret via HKDF-SHA256.
type keystoreFile struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"` // version -> base64(nonce || ciphertext)
}

// Keystore is a file-backed store of versioned P-256 signing keys.
// Rotation generates a new active key; old keys remain available so
// historical signatures stay verifiable.
type Keystore struct {
	mu     sync.RWMutex
	path   string
	master []byte
	store  keystoreFile
	cache  map[int]*SoftwareSigner
}

// OpenKeystore loads or creates a keystore at the given path. If the file
// does not exist, a new key (version 1) is generated and persisted.
func OpenKeystore(path string, master []byte) (*Keystore, error) {
	if len(master) == 0 {
		return nil, errors.New("crypto: keystore master secret is empty")
	}

	ks := &Keystore{
		path:   path,
		master: master,
		cache:  make(map[int]*SoftwareSigner),
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("crypto: create keystore dir: %w", err)
		}
		ks.store = keystoreFile{ActiveVersion: 1, Keys: map[string]string{}}
		if err := ks.generate(1); err != nil {
			return nil, err
		}
		if err := ks.persist(); err != nil {
			return nil, err
		}
		return ks, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read keystore: %w", err)
	}
	if err := json.Unmarshal(data, &ks.store); err != nil {
		return nil, fmt.Errorf("crypto: parse keystore: %w", err)
	}

	for vStr, sealed := range ks.store.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("crypto: invalid keystore version %q: %w", vStr, err)
		}
		signer, err := ks.unseal(v, sealed)
		if err != nil {
			return nil, err
		}
		ks.cache[v] = signer
	}

	if _, ok := ks.cache[ks.store.ActiveVersion]; !ok {
		return nil, fmt.Errorf("crypto: active version %d not in keystore", ks.store.ActiveVersion)
	}
	return ks, nil
}

// ActiveSigner returns the signer for the current active key version.
func (ks *Keystore) ActiveSigner() *SoftwareSigner {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.cache[ks.store.ActiveVersion]
}

// ActiveVersion returns the current active key version.
func (ks *Keystore) ActiveVersion() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.store.ActiveVersion
}

// Rotate generates a new active key. Old keys remain for verification.
func (ks *Keystore) Rotate() (int, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	next := ks.store.ActiveVersion + 1
	if err := ks.generate(next); err != nil {
		return 0, err
	}
	ks.store.ActiveVersion = next
	if err := ks.persist(); err != nil {
		return 0, err
	}
	return next, nil
}

// PublicKeys returns key id -> SPKI PEM for every stored key version, so
// verifiers can resolve signer_key_id without touching private material.
func (ks *Keystore) PublicKeys() map[string]string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	out := make(map[string]string, len(ks.cache))
	for _, s := range ks.cache {
		out[s.KeyID()] = s.PublicKeyPEM()
	}
	return out
}

func (ks *Keystore) generate(version int) error {
	signer, err := NewSoftwareSigner()
	if err != nil {
		return err
	}
	pemBytes, err := EncodePrivateKey(signer.Private())
	if err != nil {
		return err
	}
	sealed, err := ks.seal(version, pemBytes)
	if err != nil {
		return err
	}
	ks.store.Keys[strconv.Itoa(version)] = sealed
	ks.cache[version] = signer
	return nil
}

func (ks *Keystore) seal(version int, plaintext []byte) (string, error) {
	gcm, err := ks.aead(version)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce generation: %w", err)
	}
	ct := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ct), nil
}

func (ks *Keystore) unseal(version int, sealed string) (*SoftwareSigner, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode sealed key v%d: %w", version, err)
	}
	gcm, err := ks.aead(version)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: sealed key v%d too short", version)
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	pemBytes, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: unseal key v%d: %w", version, err)
	}
	priv, err := ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		return nil, err
	}
	return NewSoftwareSignerFromKey(priv)
}

// aead builds the AES-256-GCM cipher for a key version. The KEK is derived
// per version so rotating the master secret only re-seals future versions.
func (ks *Keystore) aead(version int) (cipher.AEAD, error) {
	info := "kek:v" + strconv.Itoa(version)
	kek := make([]byte, 32)
	r := hkdf.New(sha256.New, ks.master, []byte(keystoreSalt), []byte(info))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("crypto: derive kek: %w", err)
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (ks *Keystore) persist() error {
	data, err := json.MarshalIndent(ks.store, "", "  ")
	if err != nil {
		return fmt.Errorf("crypto: marshal keystore: %w", err)
	}
	tmp := ks.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("crypto: write keystore: %w", err)
	}
	if err := os.Rename(tmp, ks.path); err != nil {
		return fmt.Errorf("crypto: replace keystore: %w", err)
	}
	return nil
}
