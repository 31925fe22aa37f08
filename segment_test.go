package concache

import (
	"testing"

	"github.com/IvanBrykalov/concache/internal/util"
	"github.com/IvanBrykalov/concache/refstrength"
	"go.uber.org/zap"
)

// testConfig builds a minimal, fully-populated *config for segment-level
// tests that bypass the Builder.
func testConfig[K comparable, V any](maximumSize int64) *config[K, V] {
	return &config[K, V]{
		initialCapacity: 4,
		maximumSize:     maximumSize,
		keyStrength:     refstrength.Strong,
		valueStrength:   refstrength.Strong,
		keyEquivalence:  refstrength.Logical[K](),
		valueEquivalence: refstrength.DeepEqual[V](),
		metrics:         NoopMetrics{},
		ticker:          systemTicker{},
		logger:          zap.NewNop(),
		hasher:          util.Fnv64a[K],
	}
}

func newTestSegment[K comparable, V any](maximumSize int64) *segment[K, V] {
	cfg := testConfig[K, V](maximumSize)
	var perMax int64 = -1
	if maximumSize >= 0 {
		perMax = maximumSize
	}
	return newSegment(cfg, 4, perMax)
}

// A resize must preserve every live entry and its recency/write list
// membership; only bucket-chain placement changes.
func TestSegment_ResizePreservesEntries(t *testing.T) {
	s := newTestSegment[string, int](-1)

	const n = 64 // well past the 0.75 load factor of an initial 4-bucket array
	for i := 0; i < n; i++ {
		k := string(rune('a' + i%26))
		k = k + string(rune('0'+i/26))
		s.put(k, spread(util.Fnv64a(k)), i, false)
	}

	if s.len() != n {
		t.Fatalf("len want %d, got %d", n, s.len())
	}

	// Every entry must still be reachable through get.
	for i := 0; i < n; i++ {
		k := string(rune('a' + i%26))
		k = k + string(rune('0'+i/26))
		if _, ok := s.get(k, spread(util.Fnv64a(k))); !ok {
			t.Fatalf("key %q missing after resize", k)
		}
	}

	// Recency list length must still match count.
	count := 0
	for e := s.recHead; e != nil; e = e.recNext {
		count++
	}
	if count != n {
		t.Fatalf("recency list has %d nodes, want %d", count, n)
	}
}

// enforceSizeLocked must evict from the recency list head (the least
// recently used entry), not from insertion order, once recency has diverged
// from write order.
func TestSegment_EnforceSizeEvictsRecencyHead(t *testing.T) {
	s := newTestSegment[string, int](2)

	s.put("a", spread(util.Fnv64a("a")), 1, false)
	s.put("b", spread(util.Fnv64a("b")), 2, false)
	if _, ok := s.get("a", spread(util.Fnv64a("a"))); !ok {
		t.Fatal("expect hit for a")
	}
	s.put("c", spread(util.Fnv64a("c")), 3, false) // over capacity, evict LRU

	if _, ok := s.get("b", spread(util.Fnv64a("b"))); ok {
		t.Fatal("b (the LRU entry) must have been evicted")
	}
	if _, ok := s.get("a", spread(util.Fnv64a("a"))); !ok {
		t.Fatal("a must survive, it was promoted before c was inserted")
	}
	if _, ok := s.get("c", spread(util.Fnv64a("c"))); !ok {
		t.Fatal("c must be present")
	}
	if s.len() != 2 {
		t.Fatalf("len want 2, got %d", s.len())
	}
}

// remove followed by a second remove must be a no-op, and containsKey must
// reflect the removal immediately.
func TestSegment_RemoveIdempotent(t *testing.T) {
	s := newTestSegment[string, int](-1)
	sp := spread(util.Fnv64a("k"))

	s.put("k", sp, 1, false)
	if !s.containsKey("k", sp) {
		t.Fatal("expect containsKey before remove")
	}
	if v, ok := s.remove("k", sp); !ok || v != 1 {
		t.Fatalf("remove want (1,true), got (%v,%v)", v, ok)
	}
	if _, ok := s.remove("k", sp); ok {
		t.Fatal("second remove must report false")
	}
	if s.containsKey("k", sp) {
		t.Fatal("containsKey must be false after remove")
	}
}

// replaceExpected must only swap the value when the current value matches
// the expected one, leaving everything untouched otherwise.
func TestSegment_ReplaceExpected(t *testing.T) {
	s := newTestSegment[string, int](-1)
	sp := spread(util.Fnv64a("k"))

	s.put("k", sp, 1, false)
	if s.replaceExpected("k", sp, 2, 3) {
		t.Fatal("replaceExpected with a stale expectation must fail")
	}
	if !s.replaceExpected("k", sp, 1, 3) {
		t.Fatal("replaceExpected with the live value must succeed")
	}
	v, _ := s.get("k", sp)
	if v != 3 {
		t.Fatalf("value after replaceExpected want 3, got %d", v)
	}
}

// clear must unlink every entry and reset the recency/write lists to empty,
// leaving the segment ready to accept new entries.
func TestSegment_ClearResetsLists(t *testing.T) {
	s := newTestSegment[string, int](-1)
	for i, k := range []string{"a", "b", "c"} {
		s.put(k, spread(util.Fnv64a(k)), i, false)
	}
	s.clear()

	if s.len() != 0 {
		t.Fatalf("len after clear want 0, got %d", s.len())
	}
	if s.recHead != nil || s.recTail != nil || s.wrHead != nil || s.wrTail != nil {
		t.Fatal("clear must null out both list heads/tails")
	}

	s.put("d", spread(util.Fnv64a("d")), 4, false)
	if s.len() != 1 {
		t.Fatal("segment must accept inserts after clear")
	}
}
