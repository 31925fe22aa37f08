package concache

import "github.com/IvanBrykalov/concache/internal/util"

// table is the fixed array of segments a built cache routes every operation
// through, plus the hash spreader and segment selector spec §4.3 calls for.
// It owns its segments exclusively (spec §5 Ownership); nothing outside
// table.go indexes s.segments directly.
type table[K comparable, V any] struct {
	segments     []*segment[K, V]
	segmentShift uint // segmentIndex = spread(hash) >> segmentShift
}

// newTable builds a table with the smallest power-of-two segment count that
// is >= concurrencyLevel; no upper cap is applied to that count. This mirrors the teacher's cache.New sizing (internal/util's
// NextPow2) but selecting bits from the TOP of the spread hash rather than
// masking the bottom bits, per spec §4.3.
func newTable[K comparable, V any](cfg *config[K, V]) *table[K, V] {
	segCount := int(util.NextPow2(uint64(cfg.concurrencyLevel)))
	if segCount < 1 {
		segCount = 1
	}
	if !util.IsPowerOfTwo(uint64(segCount)) {
		// NextPow2 guarantees this; a violation means segmentFor's shift-based
		// indexing below would miss or alias segments.
		panic("concache: internal error: segment count is not a power of two")
	}
	bits := 0
	for (1 << bits) < segCount {
		bits++
	}

	perSegInitial := cfg.initialCapacity / segCount
	if perSegInitial < 1 {
		perSegInitial = 1
	}
	var perSegMax int64 = -1
	if cfg.maximumSize >= 0 {
		perSegMax = ceilDiv64(cfg.maximumSize, int64(segCount))
	}

	t := &table[K, V]{
		segments:     make([]*segment[K, V], segCount),
		segmentShift: uint(64 - bits),
	}
	for i := range t.segments {
		t.segments[i] = newSegment(cfg, perSegInitial, perSegMax)
	}
	return t
}

// spread passes raw hash bits through an avalanche mixer (MurmurHash3's
// 64-bit finalizer, fmix64) to reduce collisions on poorly distributed user hash
// functions, per spec §4.3.
func spread(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

func (t *table[K, V]) segmentFor(spread uint64) *segment[K, V] {
	if t.segmentShift >= 64 {
		return t.segments[0]
	}
	idx := spread >> t.segmentShift
	return t.segments[idx]
}

func (t *table[K, V]) forEachSegment(fn func(*segment[K, V])) {
	for _, s := range t.segments {
		fn(s)
	}
}

func ceilDiv64(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
