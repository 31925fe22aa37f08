package refstrength

// strongRef holds its payload directly; it is never reclaimed.
type strongRef[T any] struct{ v T }

// NewStrong wraps v as a STRONG reference: a direct hold with no reclamation
// path. This is the default for both keys and values.
func NewStrong[T any](v T) Reference[T] { return strongRef[T]{v: v} }

func (r strongRef[T]) Kind() Kind { return Strong }

func (r strongRef[T]) Get() (T, bool) { return r.v, true }
