// Package refstrength implements the three retention modes a cache entry's
// key or value reference can hold: STRONG, SOFT, and WEAK, plus the equality
// discipline each mode implies.
//
// Go has no language-level equivalent of java.lang.ref.SoftReference or
// WeakReference with a reachability-driven cache-visible callback, so the
// strengths below are modeled rather than translated: STRONG is a direct
// hold, WEAK is backed by Go 1.24's weak.Pointer plus runtime.AddCleanup, and
// SOFT is a capacity-pressure-sensitive secondary tier (see soft.go).
package refstrength

import "reflect"

// Kind identifies a retention mode.
type Kind uint8

const (
	Strong Kind = iota
	Soft
	Weak
)

func (k Kind) String() string {
	switch k {
	case Strong:
		return "STRONG"
	case Soft:
		return "SOFT"
	case Weak:
		return "WEAK"
	default:
		return "UNKNOWN"
	}
}

// Equivalence compares two values of type T for the purpose of key or value
// matching inside a bucket chain.
type Equivalence[T any] interface {
	Equal(a, b T) bool
}

// logicalEquivalence uses Go's == for comparable types. Strong keys/values
// default to this.
type logicalEquivalence[T comparable] struct{}

func (logicalEquivalence[T]) Equal(a, b T) bool { return a == b }

// Logical returns the default STRONG equivalence: ordinary == comparison.
func Logical[T comparable]() Equivalence[T] { return logicalEquivalence[T]{} }

// deepEqualEquivalence backs the default value equivalence: cache values
// are declared `any` (not `comparable`, since caching slices/maps/structs
// with unexported fields is common), so == is unavailable at the type-system
// level. reflect.DeepEqual is the idiomatic stand-in the stdlib itself uses
// in this situation (e.g. testify, cmp.Equal-adjacent APIs).
type deepEqualEquivalence[T any] struct{}

func (deepEqualEquivalence[T]) Equal(a, b T) bool { return reflect.DeepEqual(a, b) }

// DeepEqual returns the default value equivalence for types that are not
// necessarily comparable.
func DeepEqual[T any]() Equivalence[T] { return deepEqualEquivalence[T]{} }

// FuncEquivalence adapts a comparison function supplied by a caller (the
// builder's keyEquivalence/valueEquivalence knobs) into an Equivalence.
type FuncEquivalence[T any] func(a, b T) bool

func (f FuncEquivalence[T]) Equal(a, b T) bool { return f(a, b) }

// Reference is a handle a Segment stores in place of a bare key or value.
// Kind() reports which retention mode produced it; Get() dereferences it,
// returning ok=false once the referent has become unrecoverable (WEAK: the
// GC ran its cleanup; SOFT: the pressure tier reclaimed it).
type Reference[T any] interface {
	Kind() Kind
	Get() (T, bool)
}

// DefaultEquivalence reports the equality discipline a given strength
// implies per spec §4.1: STRONG uses the caller-visible logical comparison,
// SOFT and WEAK use identity (reference) comparison because a reclaimed slot
// must never spuriously match a fresh, logically-equal key.
func DefaultEquivalence(k Kind) string {
	if k == Strong {
		return "logical"
	}
	return "identity"
}
