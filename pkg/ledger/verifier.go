package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/garudex-labs/caracal/pkg/crypto"
	"github.com/garudex-labs/caracal/pkg/merkle"
)

// VerifyResult is the outcome of an inclusion check for one event.
type VerifyResult struct {
	EventID        int64  `json:"event_id"`
	Contained      bool   `json:"contained"`
	Root           string `json:"root,omitempty"`
	SignerKeyID    string `json:"signed_by_key_id,omitempty"`
	ValidSignature bool   `json:"valid_signature"`
	BatchID        string `json:"batch_id,omitempty"`
}

// ChainError reports the first break found while walking the hash chain.
type ChainError struct {
	EventID int64
	Reason  string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("ledger chain broken at event %d: %s", e.EventID, e.Reason)
}

// Verifier checks ledger integrity without trusting stored hashes: leaf
// hashes are recomputed from row bytes, trees are rebuilt from leaves, and
// batch signatures are checked against the registered public keys.
type Verifier struct {
	store *Store
	keys  crypto.KeyLookup
}

func NewVerifier(store *Store, keys crypto.KeyLookup) *Verifier {
	return &Verifier{store: store, keys: keys}
}

// VerifyEvent proves a single event's inclusion in its signed batch. An
// event not yet covered by a batch reports Contained false with no error;
// a missing event returns ErrNotFound.
func (v *Verifier) VerifyEvent(ctx context.Context, eventID int64) (*VerifyResult, error) {
	row, err := v.store.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{EventID: eventID}

	batch, err := v.store.BatchForEvent(ctx, eventID)
	if errors.Is(err, ErrNotFound) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	result.BatchID = batch.BatchID
	result.Root = batch.RootHash
	result.SignerKeyID = batch.SignerKeyID

	leaves, err := v.store.LeavesForBatch(ctx, batch.BatchID)
	if err != nil {
		return nil, err
	}

	payload, err := batchPayloadBytes(batch.RootHash, batch.FirstEventID, batch.LastEventID)
	if err != nil {
		return nil, err
	}
	if pem, err := v.keys(ctx, batch.SignerKeyID); err == nil {
		ok, err := crypto.Verify(pem, batch.Signature, payload)
		result.ValidSignature = err == nil && ok
	}

	idx := int(eventID - batch.FirstEventID)
	if idx < 0 || idx >= len(leaves) || leaves[idx].EventID != eventID {
		return result, nil
	}

	rowBytes, err := row.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	if merkle.LeafHash(rowBytes) != leaves[idx].LeafHash {
		// The stored row no longer hashes to the leaf the batch signed.
		return result, nil
	}

	hashes := make([]string, len(leaves))
	for i, leaf := range leaves {
		hashes[i] = leaf.LeafHash
	}
	tree := merkle.BuildFromHashes(hashes)
	proof, err := tree.Proof(idx)
	if err != nil {
		return nil, err
	}
	result.Contained = merkle.VerifyInclusionProof(proof, batch.RootHash)
	return result, nil
}

// VerifyChain recomputes leaf hashes for events in [first, last] and checks
// the prev_hash linkage between consecutive rows. It returns the number of
// events verified; a break surfaces as *ChainError.
func (v *Verifier) VerifyChain(ctx context.Context, first, last int64) (int, error) {
	if first < 1 {
		first = 1
	}
	if last < first {
		return 0, nil
	}

	loadFrom := first
	if first > 1 {
		loadFrom = first - 1
	}
	rows, err := v.store.Range(ctx, loadFrom, last)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	// Recompute every loaded leaf once, including the seed predecessor.
	recomputed := make(map[int64]string, len(rows))
	for _, row := range rows {
		b, err := row.CanonicalBytes()
		if err != nil {
			return 0, err
		}
		h := merkle.LeafHash(b)
		if h != row.LeafHash {
			return 0, &ChainError{EventID: row.EventID, Reason: "stored leaf hash does not match row bytes"}
		}
		recomputed[row.EventID] = h
	}

	verified := 0
	for _, row := range rows {
		if row.EventID < first {
			continue
		}
		want := GenesisPrevHash
		if row.EventID > 1 {
			prev, ok := recomputed[row.EventID-1]
			if !ok {
				return verified, &ChainError{EventID: row.EventID, Reason: fmt.Sprintf("predecessor event %d missing", row.EventID-1)}
			}
			want = prev
		}
		if row.PrevHash != want {
			return verified, &ChainError{EventID: row.EventID, Reason: "prev_hash does not match predecessor leaf"}
		}
		verified++
	}
	return verified, nil
}
