package refstrength

import "github.com/IvanBrykalov/concache/internal/reclaim"

// softRef holds its payload strongly but is tracked by a SoftTier that may
// clear it under capacity pressure. Like weakRef, it defines no equality of
// its own: the segment compares the dereferenced keys and values (see
// weakRef).
//
// All methods assume the caller holds the owning segment's lock, matching
// the concurrency contract SoftTier itself documents.
type softRef[T any] struct {
	v     T
	live  bool
	id    uint64
	queue *reclaim.Queue
	tier  *SoftTier[T]
}

// NewSoft wraps v as a SOFT reference tracked by tier. id/queue are the
// entry identifier and reclamation queue used if the tier later surrenders
// this payload.
func NewSoft[T any](v T, id uint64, queue *reclaim.Queue, tier *SoftTier[T]) Reference[T] {
	r := &softRef[T]{v: v, live: true, id: id, queue: queue, tier: tier}
	tier.track(r)
	return r
}

func (r *softRef[T]) Kind() Kind { return Soft }

func (r *softRef[T]) Get() (T, bool) {
	if !r.live {
		var zero T
		return zero, false
	}
	r.tier.touch(r)
	return r.v, true
}

// surrender is invoked by the owning SoftTier when this payload is the
// least-recently-touched victim of an overflow. It clears the payload and
// enqueues a reclamation exactly like a WEAK reference's GC cleanup would,
// so the segment observes the same COLLECTED path regardless of strength.
func (r *softRef[T]) surrender() {
	if !r.live {
		return
	}
	r.live = false
	var zero T
	r.v = zero
	r.queue.Push(r.id)
}

// Untrack removes this reference from its tier without surrendering it,
// used when the entry is deleted through an ordinary cache path (EXPLICIT,
// REPLACED, SIZE, EXPIRED) so the tier does not also fire a COLLECTED for it
// later.
func Untrack[T any](ref Reference[T]) {
	if r, ok := ref.(*softRef[T]); ok {
		r.tier.untrack(r)
		r.live = false
	}
}
