package cache

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/garudex-labs/caracal/pkg/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy(principalID string) *policy.Policy {
	return &policy.Policy{
		PolicyID:                "pol-" + principalID,
		PrincipalID:             principalID,
		AllowedResourcePatterns: []string{"vendor:*"},
		AllowedActions:          []string{"payment.execute"},
		MaxValiditySeconds:      3600,
		Active:                  true,
		VersionNumber:           1,
	}
}

// sameShardKeys returns n keys that all hash to one shard, so LRU order
// inside a shard can be asserted deterministically.
func sameShardKeys(c *PolicyCache, n int) []string {
	target := c.shardFor("agent-0")
	keys := []string{"agent-0"}
	for i := 1; len(keys) < n; i++ {
		key := fmt.Sprintf("agent-%d", i)
		if c.shardFor(key) == target {
			keys = append(keys, key)
		}
	}
	return keys
}

func TestGetMissThenHit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewPolicyCache(testLogger()).WithClock(func() time.Time { return now })

	if e := c.Get("agent-1"); e != nil {
		t.Fatalf("empty cache returned %+v", e)
	}
	c.Put("agent-1", testPolicy("agent-1"))

	e := c.Get("agent-1")
	if e == nil {
		t.Fatal("expected hit after put")
	}
	if e.Policy.PolicyID != "pol-agent-1" {
		t.Fatalf("cached policy = %q", e.Policy.PolicyID)
	}
	if !e.CachedAt.Equal(now) || !e.ExpiresAt.Equal(now.Add(DefaultTTL)) {
		t.Fatalf("entry times = %v / %v", e.CachedAt, e.ExpiresAt)
	}
	if age := e.Age(now.Add(5 * time.Second)); age != 5*time.Second {
		t.Fatalf("age = %v", age)
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Size != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.HitRate != 50 {
		t.Fatalf("hit rate = %v, want 50", st.HitRate)
	}
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewPolicyCache(testLogger()).
		WithTTL(time.Minute).
		WithClock(func() time.Time { return now })

	c.Put("agent-1", testPolicy("agent-1"))
	now = now.Add(59 * time.Second)
	if c.Get("agent-1") == nil {
		t.Fatal("entry expired early")
	}

	now = now.Add(time.Second)
	if e := c.Get("agent-1"); e != nil {
		t.Fatalf("expired entry still served: %+v", e)
	}
	st := c.Stats()
	if st.Size != 0 {
		t.Fatalf("expired entry still counted in size: %+v", st)
	}
	if st.Misses != 1 {
		t.Fatalf("expiry should count as a miss: %+v", st)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewPolicyCache(testLogger()).WithMaxSize(2 * shardCount)
	keys := sameShardKeys(c, 3)

	c.Put(keys[0], testPolicy(keys[0]))
	c.Put(keys[1], testPolicy(keys[1]))
	// Touch keys[0] so keys[1] is the eviction candidate.
	if c.Get(keys[0]) == nil {
		t.Fatalf("%s missing before eviction", keys[0])
	}
	c.Put(keys[2], testPolicy(keys[2]))

	if c.Get(keys[1]) != nil {
		t.Fatalf("%s should have been evicted", keys[1])
	}
	if c.Get(keys[0]) == nil || c.Get(keys[2]) == nil {
		t.Fatal("recently used entries were evicted")
	}
	if st := c.Stats(); st.Evictions != 1 {
		t.Fatalf("evictions = %d, want 1", st.Evictions)
	}
}

func TestPutRefreshesExistingEntry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewPolicyCache(testLogger()).
		WithTTL(time.Minute).
		WithClock(func() time.Time { return now })

	c.Put("agent-1", testPolicy("agent-1"))
	now = now.Add(50 * time.Second)
	updated := testPolicy("agent-1")
	updated.VersionNumber = 2
	c.Put("agent-1", updated)

	now = now.Add(30 * time.Second)
	e := c.Get("agent-1")
	if e == nil {
		t.Fatal("refreshed entry expired on the old clock")
	}
	if e.Policy.VersionNumber != 2 {
		t.Fatalf("stale policy version %d served", e.Policy.VersionNumber)
	}
	if st := c.Stats(); st.Size != 1 {
		t.Fatalf("refresh duplicated the entry: %+v", st)
	}
}

func TestInvalidate(t *testing.T) {
	c := NewPolicyCache(testLogger())
	c.Put("agent-1", testPolicy("agent-1"))

	if !c.Invalidate("agent-1") {
		t.Fatal("invalidate should report a cached entry")
	}
	if c.Invalidate("agent-1") {
		t.Fatal("second invalidate should be a no-op")
	}
	if c.Get("agent-1") != nil {
		t.Fatal("invalidated entry still served")
	}
	if st := c.Stats(); st.Invalidations != 1 {
		t.Fatalf("invalidations = %d, want 1", st.Invalidations)
	}
}

func TestInvalidatePattern(t *testing.T) {
	c := NewPolicyCache(testLogger())
	for _, key := range []string{"tenant-a-1", "tenant-a-2", "tenant-b-1"} {
		c.Put(key, testPolicy(key))
	}

	if n := c.InvalidatePattern("tenant-a-*"); n != 2 {
		t.Fatalf("invalidated %d entries, want 2", n)
	}
	if c.Get("tenant-a-1") != nil || c.Get("tenant-a-2") != nil {
		t.Fatal("matched entries still served")
	}
	if c.Get("tenant-b-1") == nil {
		t.Fatal("unmatched entry was dropped")
	}
	if n := c.InvalidatePattern("tenant-a-*"); n != 0 {
		t.Fatalf("repeat invalidation dropped %d entries", n)
	}
}

func TestClearKeepsCounters(t *testing.T) {
	c := NewPolicyCache(testLogger())
	c.Put("agent-1", testPolicy("agent-1"))
	c.Get("agent-1")
	c.Get("agent-2")

	c.Clear()

	st := c.Stats()
	if st.Size != 0 {
		t.Fatalf("size = %d after clear", st.Size)
	}
	if st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("clear reset counters: %+v", st)
	}
	if c.Get("agent-1") != nil {
		t.Fatal("cleared entry still served")
	}
}
