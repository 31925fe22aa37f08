package concache

import "go.uber.org/zap"

// RemovalCause explains why an entry left the cache. This widens the
// teacher's three-valued EvictReason (EvictPolicy/EvictTTL/EvictCapacity) to
// the five causes spec §4.5/§GLOSSARY requires, distinguishing the two
// user-driven causes (EXPLICIT, REPLACED) from the three eviction causes
// (COLLECTED, EXPIRED, SIZE).
type RemovalCause int

const (
	// Explicit is fired by a direct Remove/RemoveExpected/Clear call.
	Explicit RemovalCause = iota
	// Replaced is fired when Put/Replace overwrites a live value.
	Replaced
	// Collected is fired when a WEAK or SOFT key/value reference became
	// unrecoverable.
	Collected
	// Expired is fired by write-TTL or access-TTL expiration.
	Expired
	// Size is fired when an entry is evicted to satisfy maximumSize.
	Size
)

func (c RemovalCause) String() string {
	switch c {
	case Explicit:
		return "EXPLICIT"
	case Replaced:
		return "REPLACED"
	case Collected:
		return "COLLECTED"
	case Expired:
		return "EXPIRED"
	case Size:
		return "SIZE"
	default:
		return "UNKNOWN"
	}
}

// WasEvicted reports whether cause represents a removal the cache itself
// decided to perform rather than one the caller asked for. True for
// Collected, Expired, and Size only, per spec §4.5.
func (c RemovalCause) WasEvicted() bool {
	return c == Collected || c == Expired || c == Size
}

// RemovalNotification carries the (key, value, cause) triple passed to a
// RemovalListener. Key and Value are absent (ok=false) when the
// corresponding reference was already dead at removal time — only possible
// for a Collected cause.
type RemovalNotification[K comparable, V any] struct {
	Key      K
	KeyOK    bool
	Value    V
	ValueOK  bool
	Cause    RemovalCause
}

// RemovalListener is invoked synchronously, in the calling goroutine, after
// an entry has been unlinked from its segment. It must not re-enter the
// cache (spec §5).
type RemovalListener[K comparable, V any] func(RemovalNotification[K, V])

// safeNotify isolates a removal listener's panic so it cannot corrupt
// cache state: the entry has already been unlinked by the time notify runs,
// so a listener failure is logged (via the optional zap logger, defaulting
// to a no-op) and otherwise swallowed, per spec §7 ("Removal-listener
// failures must not corrupt cache state").
func safeNotify[K comparable, V any](log *zap.Logger, listener RemovalListener[K, V], n RemovalNotification[K, V]) {
	if listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("removal listener panicked", zap.Any("recover", r), zap.Stringer("cause", n.Cause))
		}
	}()
	listener(n)
}
