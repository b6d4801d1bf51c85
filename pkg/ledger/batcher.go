package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/garudex-labs/caracal/pkg/canonical"
	"github.com/garudex-labs/caracal/pkg/crypto"
	"github.com/garudex-labs/caracal/pkg/merkle"
)

const (
	// DefaultBatchSize closes a batch once this many leaves are pending.
	DefaultBatchSize = 1024
	// DefaultBatchInterval closes a partial batch once its oldest leaf has
	// waited this long.
	DefaultBatchInterval = 60 * time.Second
	// DefaultPendingAgeSLO is how long a leaf may stay unsigned before the
	// batcher raises an alert.
	DefaultPendingAgeSLO = 5 * time.Minute
)

// ErrBacklogFull tells the writer to stop appending until signed batches
// drain the backlog.
var ErrBacklogFull = errors.New("ledger: batch backlog full")

var errNoUnbatchedLeaves = errors.New("ledger: no unbatched leaves")

// batchSigningPayload is what the batch signature covers.
type batchSigningPayload struct {
	Root         string `json:"root"`
	FirstEventID int64  `json:"first_event_id"`
	LastEventID  int64  `json:"last_event_id"`
}

func batchPayloadBytes(root string, first, last int64) ([]byte, error) {
	b, err := canonical.Marshal(batchSigningPayload{Root: root, FirstEventID: first, LastEventID: last})
	if err != nil {
		return nil, fmt.Errorf("canonicalize batch payload: %w", err)
	}
	return b, nil
}

// BatcherStats is a point-in-time health snapshot for /stats and alerts.
type BatcherStats struct {
	PendingLeaves    int     `json:"pending_leaves"`
	OldestPendingAge float64 `json:"oldest_pending_age_seconds"`
	BatchesSigned    int64   `json:"batches_signed"`
	SignFailures     int64   `json:"sign_failures"`
	SLOBreached      bool    `json:"pending_age_slo_breached"`
}

type pendingLeaf struct {
	leaf    Leaf
	addedAt time.Time
}

// Batcher accumulates appended ledger events and closes them into signed
// Merkle batches. The writer hands it (event_id, leaf_hash) pairs inside
// the append transaction; at close time the store is re-read as the source
// of truth, so an aborted append can never leak a leaf into a batch.
type Batcher struct {
	store  *Store
	signer crypto.Signer
	logger *slog.Logger
	clock  func() time.Time

	batchSize     int
	interval      time.Duration
	highWater     int
	pendingAgeSLO time.Duration

	wake chan struct{}

	mu            sync.Mutex
	pending       []pendingLeaf
	lastBatched   int64
	batchesSigned int64
	signFailures  int64
	sloBreached   bool
	lastAlertAt   time.Time
}

// NewBatcher returns a batcher with the default thresholds. Call Run to
// start the close loop.
func NewBatcher(store *Store, signer crypto.Signer, logger *slog.Logger) *Batcher {
	return &Batcher{
		store:         store,
		signer:        signer,
		logger:        logger.With(slog.String("component", "merkle_batcher")),
		clock:         time.Now,
		batchSize:     DefaultBatchSize,
		interval:      DefaultBatchInterval,
		highWater:     4 * DefaultBatchSize,
		pendingAgeSLO: DefaultPendingAgeSLO,
		wake:          make(chan struct{}, 1),
	}
}

// WithBatchSize overrides the close threshold and scales the default
// high-watermark with it.
func (b *Batcher) WithBatchSize(n int) *Batcher {
	if n > 0 {
		b.batchSize = n
		b.highWater = 4 * n
	}
	return b
}

// WithInterval overrides the age-based close threshold.
func (b *Batcher) WithInterval(d time.Duration) *Batcher {
	if d > 0 {
		b.interval = d
	}
	return b
}

// WithHighWatermark overrides the backpressure threshold.
func (b *Batcher) WithHighWatermark(n int) *Batcher {
	if n > 0 {
		b.highWater = n
	}
	return b
}

// WithPendingAgeSLO overrides the alert threshold for unsigned leaves.
func (b *Batcher) WithPendingAgeSLO(d time.Duration) *Batcher {
	if d > 0 {
		b.pendingAgeSLO = d
	}
	return b
}

// WithClock substitutes the time source, for tests.
func (b *Batcher) WithClock(clock func() time.Time) *Batcher {
	b.clock = clock
	return b
}

// Add registers an appended event. It runs inside the writer's transaction:
// returning ErrBacklogFull rolls the append back and pauses consumption
// until signing catches up.
func (b *Batcher) Add(eventID int64, leafHash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) >= b.highWater {
		return fmt.Errorf("%w: %d leaves pending", ErrBacklogFull, len(b.pending))
	}
	b.pending = append(b.pending, pendingLeaf{
		leaf:    Leaf{EventID: eventID, LeafHash: leafHash},
		addedAt: b.clock(),
	})

	if len(b.pending) >= b.batchSize {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run recovers unbatched leaves from the store, then closes batches until
// the context ends. Closing is checked every second and immediately when
// Add fills a batch.
func (b *Batcher) Run(ctx context.Context) error {
	if err := b.recover(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-b.wake:
		}
		b.closeReady(ctx)
		b.checkSLO()
	}
}

// recover reloads leaves appended before a restart. Their age comes from
// the append timestamp, so the interval and SLO clocks keep running across
// restarts.
func (b *Batcher) recover(ctx context.Context) error {
	lastBatched, err := b.store.LastBatchedEventID(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastBatched = lastBatched
	b.pending = b.pending[:0]

	for {
		after := lastBatched
		if n := len(b.pending); n > 0 {
			after = b.pending[n-1].leaf.EventID
		}
		leaves, err := b.store.UnbatchedLeaves(ctx, after, b.highWater)
		if err != nil {
			return err
		}
		if len(leaves) == 0 {
			break
		}
		for _, leaf := range leaves {
			b.pending = append(b.pending, pendingLeaf{leaf: leaf, addedAt: leaf.AppendedAt})
		}
		if len(b.pending) >= b.highWater {
			break
		}
	}

	if n := len(b.pending); n > 0 {
		b.logger.Info("recovered unbatched leaves",
			slog.Int("count", n),
			slog.Int64("first_event_id", b.pending[0].leaf.EventID))
	}
	return nil
}

// Flush closes all pending leaves regardless of thresholds, for graceful
// shutdown.
func (b *Batcher) Flush(ctx context.Context) error {
	for {
		b.mu.Lock()
		n := len(b.pending)
		b.mu.Unlock()
		if n == 0 {
			return nil
		}
		if err := b.closeOne(ctx); err != nil {
			if errors.Is(err, errNoUnbatchedLeaves) {
				return nil
			}
			return err
		}
	}
}

// closeReady closes as many batches as the thresholds allow.
func (b *Batcher) closeReady(ctx context.Context) {
	for {
		b.mu.Lock()
		n := len(b.pending)
		var age time.Duration
		if n > 0 {
			age = b.clock().Sub(b.pending[0].addedAt)
		}
		b.mu.Unlock()

		if n == 0 || (n < b.batchSize && age < b.interval) {
			return
		}
		if err := b.closeOne(ctx); err != nil {
			// Pending leaves stay queued; the next tick retries.
			return
		}
	}
}

// closeOne signs and persists one batch from the head of the queue. The
// store is re-read for the authoritative leaves of the range.
func (b *Batcher) closeOne(ctx context.Context) error {
	b.mu.Lock()
	lastBatched := b.lastBatched
	b.mu.Unlock()

	leaves, err := b.store.UnbatchedLeaves(ctx, lastBatched, b.batchSize)
	if err != nil {
		b.logger.Error("reading unbatched leaves failed", slog.Any("error", err))
		return err
	}
	if len(leaves) == 0 {
		// Everything pending came from aborted appends. Their ids are
		// reused by the next real append, which unblocks them.
		b.prune(lastBatched)
		return errNoUnbatchedLeaves
	}

	hashes := make([]string, len(leaves))
	for i, leaf := range leaves {
		hashes[i] = leaf.LeafHash
	}
	tree := merkle.BuildFromHashes(hashes)
	root := tree.Root()
	first := leaves[0].EventID
	last := leaves[len(leaves)-1].EventID

	payload, err := batchPayloadBytes(root, first, last)
	if err != nil {
		return err
	}
	signature, err := b.signer.Sign(payload)
	if err != nil {
		b.mu.Lock()
		b.signFailures++
		b.mu.Unlock()
		b.logger.Error("batch signing failed, leaving batch pending",
			slog.Int64("first_event_id", first),
			slog.Int64("last_event_id", last),
			slog.Any("error", err))
		return err
	}

	batch := &Batch{
		BatchID:      uuid.NewString(),
		EventIDRange: fmt.Sprintf("%d-%d", first, last),
		FirstEventID: first,
		LastEventID:  last,
		LeafCount:    len(leaves),
		RootHash:     root,
		Signature:    signature,
		SignerKeyID:  b.signer.KeyID(),
		CreatedAt:    b.clock().UTC(),
	}
	if err := b.store.InsertBatch(ctx, batch, leaves); err != nil {
		b.logger.Error("persisting batch failed",
			slog.String("event_id_range", batch.EventIDRange),
			slog.Any("error", err))
		return err
	}

	b.mu.Lock()
	b.lastBatched = last
	b.batchesSigned++
	b.mu.Unlock()
	b.prune(last)

	b.logger.Info("merkle batch signed",
		slog.String("batch_id", batch.BatchID),
		slog.String("event_id_range", batch.EventIDRange),
		slog.Int("leaf_count", batch.LeafCount))
	return nil
}

// prune drops pending entries the signed watermark now covers.
func (b *Batcher) prune(through int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.pending[:0]
	for _, p := range b.pending {
		if p.leaf.EventID > through {
			kept = append(kept, p)
		}
	}
	b.pending = kept
}

func (b *Batcher) checkSLO() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		b.sloBreached = false
		return
	}
	age := b.clock().Sub(b.pending[0].addedAt)
	if age < b.pendingAgeSLO {
		b.sloBreached = false
		return
	}
	b.sloBreached = true
	if b.clock().Sub(b.lastAlertAt) >= time.Minute {
		b.lastAlertAt = b.clock()
		b.logger.Error("unsigned leaves exceed pending-age slo",
			slog.Duration("oldest_pending_age", age),
			slog.Duration("slo", b.pendingAgeSLO),
			slog.Int("pending_leaves", len(b.pending)))
	}
}

// Stats returns the batcher's health snapshot.
func (b *Batcher) Stats() BatcherStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := BatcherStats{
		PendingLeaves: len(b.pending),
		BatchesSigned: b.batchesSigned,
		SignFailures:  b.signFailures,
		SLOBreached:   b.sloBreached,
	}
	if len(b.pending) > 0 {
		stats.OldestPendingAge = b.clock().Sub(b.pending[0].addedAt).Seconds()
	}
	return stats
}
