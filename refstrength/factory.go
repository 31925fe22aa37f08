package refstrength

import "github.com/IvanBrykalov/concache/internal/reclaim"

// Factory mints References of a single configured Kind, bound to one
// segment's reclamation queue and (for SOFT) its soft tier. A Segment holds
// one Factory for keys and one for values.
type Factory[T any] struct {
	kind  Kind
	queue *reclaim.Queue
	tier  *SoftTier[T]
}

// NewFactory constructs a Factory for kind. tier may be nil unless
// kind == Soft, in which case it must be non-nil.
func NewFactory[T any](kind Kind, queue *reclaim.Queue, tier *SoftTier[T]) Factory[T] {
	return Factory[T]{kind: kind, queue: queue, tier: tier}
}

// Kind reports the retention mode this factory produces.
func (f Factory[T]) Kind() Kind { return f.kind }

// Make wraps v per the factory's configured strength. id identifies the
// owning entry for WEAK/SOFT reclamation bookkeeping; it is ignored for
// STRONG.
func (f Factory[T]) Make(v T, id uint64) Reference[T] {
	switch f.kind {
	case Weak:
		return NewWeak(v, id, f.queue)
	case Soft:
		return NewSoft(v, id, f.queue, f.tier)
	default:
		return NewStrong(v)
	}
}

// Equivalence returns the equality discipline this factory's strength
// implies: logical (==) for STRONG, identity for SOFT/WEAK.
func (f Factory[T]) Equivalence() Kind { return f.kind }
