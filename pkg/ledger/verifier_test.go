package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/garudex-labs/caracal/pkg/crypto"
)

func newVerifierFixture(t *testing.T, batchSize int) (*batcherFixture, *Verifier) {
	t.Helper()
	f := newBatcherFixture(t, batchSize)
	keys := crypto.StaticKeys(map[string]string{f.signer.KeyID(): f.signer.PublicKeyPEM()})
	return f, NewVerifier(f.store, keys)
}

func tamperRow(t *testing.T, f *batcherFixture, eventID int64, column, value string) {
	t.Helper()
	// Production roles cannot do this; the test plays a hostile DBA.
	_, err := f.db.Exec(f.db.Rebind(
		`UPDATE ledger_events SET `+column+` = ? WHERE event_id = ?`), value, eventID)
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}
}

func TestVerifyEventContainedAndSigned(t *testing.T) {
	f, v := newVerifierFixture(t, 3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		f.appendAdded(t, i)
	}
	f.batcher.closeReady(ctx)

	result, err := v.VerifyEvent(ctx, 2)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Contained || !result.ValidSignature {
		t.Fatalf("verify result: %+v", result)
	}
	if result.Root == "" || result.BatchID == "" || result.SignerKeyID != f.signer.KeyID() {
		t.Fatalf("provenance fields missing: %+v", result)
	}
}

func TestVerifyEventNotYetBatched(t *testing.T) {
	f, v := newVerifierFixture(t, 100)
	ctx := context.Background()

	f.appendAdded(t, 1)

	result, err := v.VerifyEvent(ctx, 1)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Contained || result.ValidSignature || result.BatchID != "" {
		t.Fatalf("unbatched event reported as covered: %+v", result)
	}
}

func TestVerifyEventMissing(t *testing.T) {
	_, v := newVerifierFixture(t, 3)
	if _, err := v.VerifyEvent(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestVerifyEventDetectsTamperedRow(t *testing.T) {
	f, v := newVerifierFixture(t, 2)
	ctx := context.Background()

	f.appendAdded(t, 1)
	f.appendAdded(t, 2)
	f.batcher.closeReady(ctx)

	tamperRow(t, f, 2, "denial_reason", "looked fine to me")

	result, err := v.VerifyEvent(ctx, 2)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Contained {
		t.Fatal("tampered row still reported contained")
	}
	// The signature still covers the original root; the claim it signs
	// simply no longer matches the stored row.
	if !result.ValidSignature {
		t.Fatal("batch signature should remain valid")
	}

	// The untouched sibling still verifies.
	sibling, err := v.VerifyEvent(ctx, 1)
	if err != nil {
		t.Fatalf("verify sibling: %v", err)
	}
	if !sibling.Contained {
		t.Fatal("untouched sibling no longer contained")
	}
}

func TestVerifyEventUnknownSignerKey(t *testing.T) {
	f := newBatcherFixture(t, 2)
	v := NewVerifier(f.store, crypto.StaticKeys(nil))
	ctx := context.Background()

	f.appendAdded(t, 1)
	f.appendAdded(t, 2)
	f.batcher.closeReady(ctx)

	result, err := v.VerifyEvent(ctx, 1)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Contained {
		t.Fatal("inclusion should not depend on key availability")
	}
	if result.ValidSignature {
		t.Fatal("signature verified without a known key")
	}
}

func TestVerifyChainWalksLinks(t *testing.T) {
	f, v := newVerifierFixture(t, 100)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		f.appendAdded(t, i)
	}

	n, err := v.VerifyChain(ctx, 1, 4)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if n != 4 {
		t.Fatalf("verified = %d, want 4", n)
	}

	// A sub-range seeds from the predecessor row.
	n, err = v.VerifyChain(ctx, 3, 4)
	if err != nil {
		t.Fatalf("verify subchain: %v", err)
	}
	if n != 2 {
		t.Fatalf("verified = %d, want 2", n)
	}
}

func TestVerifyChainDetectsRewrite(t *testing.T) {
	f, v := newVerifierFixture(t, 100)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		f.appendAdded(t, i)
	}

	tamperRow(t, f, 3, "requested_resource", "vendor:other")

	_, err := v.VerifyChain(ctx, 1, 4)
	var chainErr *ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("got %v, want ChainError", err)
	}
	if chainErr.EventID != 3 {
		t.Fatalf("break at event %d, want 3", chainErr.EventID)
	}
}
