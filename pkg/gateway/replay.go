package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultNonceCapacity bounds the in-memory nonce window. At capacity the
// oldest nonce is forgotten early, which narrows the window rather than
// widening it.
const DefaultNonceCapacity = 100000

// NonceStore remembers request nonces for the replay window.
type NonceStore interface {
	// Remember records the nonce if unseen and reports false when it was
	// already recorded inside the window.
	Remember(ctx context.Context, nonce string, window time.Duration) (bool, error)
}

// checkReplay enforces the optional nonce and timestamp pair. Requests
// carrying neither pass untouched; requests carrying either must carry
// both, and the pair must be fresh and unseen.
func (s *Server) checkReplay(ctx context.Context, r *http.Request, now time.Time) error {
	nonce := r.Header.Get(HeaderNonce)
	stamp := r.Header.Get(HeaderTimestamp)
	if nonce == "" && stamp == "" {
		return nil
	}
	if nonce == "" || stamp == "" {
		return errors.New("replay protection requires both nonce and timestamp")
	}

	ts, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return errors.New("timestamp must be RFC 3339")
	}
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > s.replayWindow {
		return fmt.Errorf("timestamp outside the %s replay window", s.replayWindow)
	}

	if s.nonces == nil {
		return nil
	}
	fresh, err := s.nonces.Remember(ctx, nonce, s.replayWindow)
	if err != nil {
		// An unreachable nonce store cannot prove freshness, so the
		// request is treated as a replay.
		s.logger.Error("nonce store unavailable", "error", err.Error())
		return errors.New("replay protection unavailable")
	}
	if !fresh {
		return errors.New("nonce already used")
	}
	return nil
}

// MemoryNonces is a single-process nonce window: a set with FIFO eviction
// once capacity is reached, and lazy expiry of entries older than the
// window.
type MemoryNonces struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	order    []nonceEntry
	capacity int
	clock    func() time.Time
}

type nonceEntry struct {
	nonce string
	at    time.Time
}

func NewMemoryNonces(capacity int) *MemoryNonces {
	if capacity <= 0 {
		capacity = DefaultNonceCapacity
	}
	return &MemoryNonces{
		seen:     make(map[string]time.Time),
		capacity: capacity,
		clock:    time.Now,
	}
}

func (m *MemoryNonces) Remember(_ context.Context, nonce string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	for len(m.order) > 0 && now.Sub(m.order[0].at) > window {
		m.evictHead()
	}

	if at, ok := m.seen[nonce]; ok && now.Sub(at) <= window {
		return false, nil
	}

	for len(m.order) >= m.capacity {
		m.evictHead()
	}
	m.seen[nonce] = now
	m.order = append(m.order, nonceEntry{nonce: nonce, at: now})
	return true, nil
}

func (m *MemoryNonces) evictHead() {
	head := m.order[0]
	m.order = m.order[1:]
	// A nonce re-recorded after expiry leaves a stale queue slot behind;
	// only the slot matching the live record may evict it.
	if at, ok := m.seen[head.nonce]; ok && at.Equal(head.at) {
		delete(m.seen, head.nonce)
	}
}

// RedisNonces shares the nonce window across gateway replicas.
type RedisNonces struct {
	client *redis.Client
}

func NewRedisNonces(addr, password string, db int) *RedisNonces {
	return &RedisNonces{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (r *RedisNonces) Remember(ctx context.Context, nonce string, window time.Duration) (bool, error) {
	fresh, err := r.client.SetNX(ctx, "caracal:nonce:"+nonce, "1", window).Result()
	if err != nil {
		return false, fmt.Errorf("gateway: record nonce: %w", err)
	}
	return fresh, nil
}
