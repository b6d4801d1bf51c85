// Package cache keeps hot authority policies in memory so the gateway can
// keep deciding while the policy store is unreachable. Entries expire on a
// TTL and shards evict least-recently-used entries at capacity; a bus
// consumer drops entries the moment their policy changes.
package cache

import (
	"container/list"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/garudex-labs/caracal/pkg/mandate"
	"github.com/garudex-labs/caracal/pkg/policy"
)

const (
	DefaultTTL     = 60 * time.Second
	DefaultMaxSize = 10000

	shardCount = 16
)

// Entry is a cached policy with its cache metadata. Degraded-mode
// responses expose the age so callers can judge staleness.
type Entry struct {
	Policy    *policy.Policy
	CachedAt  time.Time
	ExpiresAt time.Time
}

// Age reports how long ago the entry was cached.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CachedAt)
}

// Stats is the cache section of the stats endpoint. HitRate is a
// percentage; zero requests report zero.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	Size          int     `json:"size"`
	MaxSize       int     `json:"max_size"`
	Evictions     int64   `json:"evictions"`
	Invalidations int64   `json:"invalidations"`
}

type lruItem struct {
	key   string
	entry Entry
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is most recently used

	hits          int64
	misses        int64
	evictions     int64
	invalidations int64
}

// PolicyCache is a sharded TTL plus LRU cache keyed by principal id.
// Capacity and recency are tracked per shard, so the effective LRU is
// approximate across the whole cache and exact within a shard.
type PolicyCache struct {
	ttl      time.Duration
	maxSize  int
	perShard int
	clock    func() time.Time
	logger   *slog.Logger
	shards   [shardCount]*shard
}

func NewPolicyCache(logger *slog.Logger) *PolicyCache {
	c := &PolicyCache{
		ttl:     DefaultTTL,
		maxSize: DefaultMaxSize,
		clock:   time.Now,
		logger:  logger.With(slog.String("component", "policy_cache")),
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*list.Element), order: list.New()}
	}
	c.perShard = perShardCapacity(c.maxSize)
	return c
}

// WithTTL overrides the entry lifetime.
func (c *PolicyCache) WithTTL(d time.Duration) *PolicyCache {
	if d > 0 {
		c.ttl = d
	}
	return c
}

// WithMaxSize overrides total capacity.
func (c *PolicyCache) WithMaxSize(n int) *PolicyCache {
	if n > 0 {
		c.maxSize = n
		c.perShard = perShardCapacity(n)
	}
	return c
}

// WithClock overrides clock for testing.
func (c *PolicyCache) WithClock(clock func() time.Time) *PolicyCache {
	c.clock = clock
	return c
}

func perShardCapacity(maxSize int) int {
	per := (maxSize + shardCount - 1) / shardCount
	if per < 1 {
		per = 1
	}
	return per
}

func (c *PolicyCache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the live entry for a principal, or nil on a miss. An entry
// past its TTL is removed and counts as a miss.
func (c *PolicyCache) Get(principalID string) *Entry {
	now := c.clock()
	s := c.shardFor(principalID)
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[principalID]
	if !ok {
		s.misses++
		return nil
	}
	item := elem.Value.(*lruItem)
	if !now.Before(item.entry.ExpiresAt) {
		s.order.Remove(elem)
		delete(s.entries, principalID)
		s.misses++
		return nil
	}
	s.order.MoveToFront(elem)
	s.hits++
	e := item.entry
	return &e
}

// Put caches a policy under its principal, restarting the TTL. At shard
// capacity the least recently used entry makes room.
func (c *PolicyCache) Put(principalID string, p *policy.Policy) {
	now := c.clock()
	s := c.shardFor(principalID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := Entry{Policy: p, CachedAt: now, ExpiresAt: now.Add(c.ttl)}
	if elem, ok := s.entries[principalID]; ok {
		elem.Value.(*lruItem).entry = entry
		s.order.MoveToFront(elem)
		return
	}
	if s.order.Len() >= c.perShard {
		if oldest := s.order.Back(); oldest != nil {
			s.order.Remove(oldest)
			delete(s.entries, oldest.Value.(*lruItem).key)
			s.evictions++
		}
	}
	s.entries[principalID] = s.order.PushFront(&lruItem{key: principalID, entry: entry})
}

// Invalidate drops one principal's entry, reporting whether it was cached.
// Safe to repeat.
func (c *PolicyCache) Invalidate(principalID string) bool {
	s := c.shardFor(principalID)
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[principalID]
	if !ok {
		return false
	}
	s.order.Remove(elem)
	delete(s.entries, principalID)
	s.invalidations++
	return true
}

// InvalidatePattern drops every entry whose principal id matches the scope
// glob, e.g. all of one tenant's agents at once. Returns how many fell.
func (c *PolicyCache) InvalidatePattern(pattern string) int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, elem := range s.entries {
			if mandate.MatchPattern(key, pattern) {
				s.order.Remove(elem)
				delete(s.entries, key)
				s.invalidations++
				total++
			}
		}
		s.mu.Unlock()
	}
	if total > 0 {
		c.logger.Info("cache entries invalidated by pattern",
			slog.String("pattern", pattern),
			slog.Int("count", total))
	}
	return total
}

// Clear empties the cache. Counters survive so stats keep their history.
func (c *PolicyCache) Clear() {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		removed += s.order.Len()
		s.entries = make(map[string]*list.Element)
		s.order.Init()
		s.mu.Unlock()
	}
	c.logger.Info("cache cleared", slog.Int("entries", removed))
}

// Stats aggregates counters across shards.
func (c *PolicyCache) Stats() Stats {
	var st Stats
	st.MaxSize = c.maxSize
	for _, s := range c.shards {
		s.mu.Lock()
		st.Hits += s.hits
		st.Misses += s.misses
		st.Evictions += s.evictions
		st.Invalidations += s.invalidations
		st.Size += s.order.Len()
		s.mu.Unlock()
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total) * 100
	}
	return st
}
