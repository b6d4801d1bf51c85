package crypto

import (
	"context"
	"fmt"
)

// KeyLookup resolves a signer key id to its public key PEM. Key rotation
// means old signatures may reference retired keys, so the lookup is
// pluggable; verifiers in pkg/ledger and pkg/snapshot share it.
type KeyLookup func(ctx context.Context, keyID string) (string, error)

// StaticKeys returns a KeyLookup over a fixed key set.
func StaticKeys(keys map[string]string) KeyLookup {
	return func(_ context.Context, keyID string) (string, error) {
		pem, ok := keys[keyID]
		if !ok {
			return "", fmt.Errorf("unknown signer key %q", keyID)
		}
		return pem, nil
	}
}
