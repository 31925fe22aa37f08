package concache

import (
	"sync/atomic"

	"github.com/IvanBrykalov/concache/refstrength"
)

// entry is a single hash-table node: it is reachable from a segment's bucket
// array and, depending on configuration, from the segment's recency list
// and/or write list. The recency/write links are touched only under the
// owning segment's lock; value, next, computing and the two timestamps are
// atomics because the lock-free get path reads them (and stores accessNanos)
// without that lock.
type entry[K comparable, V any] struct {
	id   uint64 // stable identifier used by reclamation queues
	hash uint64
	key  refstrength.Reference[K]

	value atomic.Pointer[refstrength.Reference[V]]

	// bucket chain; read lock-free on the get fast path, mutated under the
	// segment lock.
	next atomic.Pointer[entry[K, V]]

	// recency list (access order): used for LRU eviction and access-TTL.
	recPrev, recNext *entry[K, V]
	accessNanos      atomic.Int64

	// write list (write order): used for write-TTL and most-recent-write
	// eviction.
	wrPrev, wrNext *entry[K, V]
	writeNanos     atomic.Int64

	// non-nil exactly while this entry is a placeholder awaiting a computed
	// value (see computing.go). Accessed without the segment lock from the
	// get fast path, hence atomic.
	computing atomic.Pointer[computation[V]]
}

func (e *entry[K, V]) loadValue() (refstrength.Reference[V], bool) {
	p := e.value.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}

func (e *entry[K, V]) storeValue(ref refstrength.Reference[V]) {
	e.value.Store(&ref)
}

func (e *entry[K, V]) loadNext() *entry[K, V] { return e.next.Load() }

func (e *entry[K, V]) storeNext(n *entry[K, V]) { e.next.Store(n) }

// isComputing reports whether e is currently a placeholder.
func (e *entry[K, V]) isComputing() bool { return e.computing.Load() != nil }
