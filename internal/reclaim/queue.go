// Package reclaim provides the thread-safe FIFO a Segment drains to learn
// about keys/values that became unrecoverable outside of any cache
// operation (garbage collection for WEAK references, the pressure tier for
// SOFT references).
package reclaim

import "sync"

// Queue is a concurrent-safe, unbounded FIFO of entry identifiers. Producers
// (GC cleanups, the soft tier) push without blocking; the owning segment
// drains it under its own lock during cleanupLocked.
type Queue struct {
	mu   sync.Mutex
	ids  []uint64
}

// Push enqueues id. Safe to call from a GC cleanup goroutine or any thread.
func (q *Queue) Push(id uint64) {
	q.mu.Lock()
	q.ids = append(q.ids, id)
	q.mu.Unlock()
}

// DrainInto appends all currently queued ids to dst and clears the queue,
// returning the extended slice. Intended to be called under the owning
// segment's lock.
func (q *Queue) DrainInto(dst []uint64) []uint64 {
	q.mu.Lock()
	if len(q.ids) == 0 {
		q.mu.Unlock()
		return dst
	}
	dst = append(dst, q.ids...)
	q.ids = q.ids[:0]
	q.mu.Unlock()
	return dst
}
