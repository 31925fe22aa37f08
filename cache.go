package concache

import (
	"context"
	"reflect"
)

// Cache is a concurrent, generically-typed associative cache. All methods
// are safe for concurrent use by multiple goroutines. Typical complexity is
// amortized O(1): an avalanche-mixed hash, a segment lookup, and a
// constant-time bucket-chain walk under (at most) one segment's lock.
type Cache[K comparable, V any] interface {
	// Get returns the value for key. If the cache was built with a
	// ComputeFunc and key is absent, Get computes it, coalescing concurrent
	// callers for the same key into a single call to the compute function.
	// ctx governs this call's own wait only: cancelling it returns a
	// CancelledError without interrupting a computation other callers are
	// still waiting on. Without a ComputeFunc, a miss returns
	// ComputationFailureError wrapping ErrAbsent.
	Get(ctx context.Context, key K) (V, error)

	// Put inserts or overwrites key→value, firing a REPLACED notification
	// for any value it overwrites. Panics with an *InvalidArgumentError if
	// key or value is a nil pointer/interface/map/slice/chan/func, matching
	// Guava's unchecked-exception-on-null contract (spec §6).
	Put(key K, value V)

	// PutIfAbsent inserts key→value only if key is absent, following
	// sync.Map.LoadOrStore's convention: it returns the value that ends up
	// resident (the new one on an insert, the existing one otherwise) and
	// whether a value was already present. Panics on a nil key or value,
	// as Put does.
	PutIfAbsent(key K, value V) (actual V, loaded bool)

	// Remove deletes key unconditionally, returning its last value.
	Remove(key K) (V, bool)

	// RemoveExpected deletes key only if its current value equals expected,
	// per the cache's value equivalence.
	RemoveExpected(key K, expected V) bool

	// Replace overwrites key's value only if key is already present.
	Replace(key K, newValue V) (previous V, replaced bool)

	// ReplaceExpected overwrites key's value only if its current value
	// equals oldValue.
	ReplaceExpected(key K, oldValue, newValue V) bool

	// ContainsKey reports whether key currently has a resident, live value.
	// A key with a pending computation is reported absent.
	ContainsKey(key K) bool

	// ContainsValue performs a linear scan for a resident value equal to
	// value per the cache's value equivalence. Present mainly for parity
	// with java.util.Map; avoid on hot paths.
	ContainsValue(value V) bool

	// Size reports the number of live entries, counted eagerly rather than
	// including entries pending expiry cleanup that a future operation
	// would still discover and remove.
	Size() int

	// Clear removes every entry, firing an EXPLICIT notification for each.
	Clear()

	// ForEach visits a weakly-consistent snapshot of (key, value) pairs
	// taken at call time. Returning false from fn stops the walk early.
	ForEach(fn func(key K, value V) bool)

	// Close releases nothing in the current implementations, which start no
	// background goroutines or tickers. A closed cache continues to serve reads and writes; Close exists for
	// symmetry with resources that do need releasing in future backends.
	Close()
}

// cacheImpl is the segmented-table-backed Cache implementation the Builder
// produces for every configuration except the degenerate null-cache cases
// (see nullcache.go).
type cacheImpl[K comparable, V any] struct {
	cfg   *config[K, V]
	table *table[K, V]
}

func newCacheImpl[K comparable, V any](cfg *config[K, V]) *cacheImpl[K, V] {
	return &cacheImpl[K, V]{cfg: cfg, table: newTable(cfg)}
}

func (c *cacheImpl[K, V]) spreadOf(key K) uint64 { return spread(c.cfg.hasher(key)) }

func (c *cacheImpl[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V
	if isNilGeneric(key) {
		return zero, newInvalidArgument("key must not be nil")
	}
	sp := c.spreadOf(key)
	seg := c.table.segmentFor(sp)
	if c.cfg.computeFn != nil {
		return seg.getOrCompute(ctx, key, sp)
	}
	v, ok := seg.get(key, sp)
	if !ok {
		return zero, newComputationFailure("key not present", ErrAbsent)
	}
	return v, nil
}

func (c *cacheImpl[K, V]) Put(key K, value V) {
	c.requireLive(key, value)
	sp := c.spreadOf(key)
	c.table.segmentFor(sp).put(key, sp, value, false)
}

func (c *cacheImpl[K, V]) PutIfAbsent(key K, value V) (V, bool) {
	c.requireLive(key, value)
	sp := c.spreadOf(key)
	return c.table.segmentFor(sp).put(key, sp, value, true)
}

func (c *cacheImpl[K, V]) Remove(key K) (V, bool) {
	sp := c.spreadOf(key)
	return c.table.segmentFor(sp).remove(key, sp)
}

func (c *cacheImpl[K, V]) RemoveExpected(key K, expected V) bool {
	sp := c.spreadOf(key)
	return c.table.segmentFor(sp).removeExpected(key, sp, expected)
}

func (c *cacheImpl[K, V]) Replace(key K, newValue V) (V, bool) {
	sp := c.spreadOf(key)
	return c.table.segmentFor(sp).replace(key, sp, newValue)
}

func (c *cacheImpl[K, V]) ReplaceExpected(key K, oldValue, newValue V) bool {
	sp := c.spreadOf(key)
	return c.table.segmentFor(sp).replaceExpected(key, sp, oldValue, newValue)
}

func (c *cacheImpl[K, V]) ContainsKey(key K) bool {
	sp := c.spreadOf(key)
	return c.table.segmentFor(sp).containsKey(key, sp)
}

func (c *cacheImpl[K, V]) ContainsValue(value V) bool {
	for _, s := range c.table.segments {
		if s.containsValue(value) {
			return true
		}
	}
	return false
}

func (c *cacheImpl[K, V]) Size() int {
	total := 0
	c.table.forEachSegment(func(s *segment[K, V]) { total += s.len() })
	c.cfg.metrics.Size(total)
	return total
}

func (c *cacheImpl[K, V]) Clear() {
	c.table.forEachSegment(func(s *segment[K, V]) { s.clear() })
}

func (c *cacheImpl[K, V]) ForEach(fn func(K, V) bool) {
	for _, s := range c.table.segments {
		if !s.forEach(fn) {
			return
		}
	}
}

func (c *cacheImpl[K, V]) Close() {}

// requireLive panics with an *InvalidArgumentError if key or value is nil;
// Put and PutIfAbsent call it before hashing the key.
func (c *cacheImpl[K, V]) requireLive(key K, value V) {
	if isNilGeneric(key) {
		panic(newInvalidArgument("key must not be nil"))
	}
	if isNilGeneric(value) {
		panic(newInvalidArgument("value must not be nil"))
	}
}

// isNilGeneric reports whether v is a nil pointer, interface, map, slice,
// channel, or function — the only generic kinds for which "nil" is
// meaningful. comparable/any give no static way to special-case this, so
// the check goes through reflection once per call, mirroring Guava's
// checkNotNull boundary validation (spec §6) for a language where the
// null/non-null distinction is not baked into the type system the same way.
func isNilGeneric[T any](v T) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface, reflect.UnsafePointer:
		return rv.IsNil()
	default:
		return false
	}
}

var _ Cache[string, string] = (*cacheImpl[string, string])(nil)
var _ Cache[string, string] = (*nullCache[string, string])(nil)
