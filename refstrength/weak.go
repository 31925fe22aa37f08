package refstrength

import (
	"runtime"
	"weak"

	"github.com/IvanBrykalov/concache/internal/reclaim"
)

// box is the heap allocation a weak reference tracks. Go's weak.Pointer
// tracks reachability of the pointee it was made from, not of some logical
// value inside it, so wrapping v in a box this package owns means box's own
// reachability — not whatever else in the caller's program might still
// reference v — decides collection. Nothing anchors box after NewWeak
// returns, so in practice it becomes collectible on the very next GC cycle
// regardless of whether the caller kept its own strong reference to v. This
// is an accepted gap from Guava's weakValues() contract (which ties
// survival to the caller's own reachability graph): Go's weak package
// offers no hook to observe reachability of an arbitrary value that isn't
// itself the pointer being tracked, so a value type cannot be modeled any
// more faithfully without the caller cooperating by holding the box itself.
type box[T any] struct{ v T }

// weakRef is a non-owning, reachability-tracked handle. It defines no
// equality of its own: the segment compares dereferenced keys with ==, which
// is identity only for pointer keys (two equal strings still match), and
// dereferenced values with reflect.DeepEqual.
type weakRef[T any] struct {
	p weak.Pointer[box[T]]
}

// NewWeak wraps v as a WEAK reference. id is the owning entry's identifier;
// when v's box becomes unreachable, id is pushed onto queue so the segment
// can produce a COLLECTED removal on its next operation. The caller must not
// retain the *box[T] strongly — NewWeak intentionally returns no handle to
// it beyond the weak.Pointer.
func NewWeak[T any](v T, id uint64, queue *reclaim.Queue) Reference[T] {
	b := &box[T]{v: v}
	wp := weak.Make(b)
	runtime.AddCleanup(b, func(q *reclaim.Queue) { q.Push(id) }, queue)
	return weakRef[T]{p: wp}
}

func (r weakRef[T]) Kind() Kind { return Weak }

func (r weakRef[T]) Get() (T, bool) {
	b := r.p.Value()
	if b == nil {
		var zero T
		return zero, false
	}
	return b.v, true
}
