package concache

import (
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/concache/internal/util"
	"github.com/IvanBrykalov/concache/refstrength"
)

// Builder assembles a Cache. Every knob may be set at most once: setting one
// twice panics with an *InvalidStateError at the second setter call, and
// combining the legacy ExpireAfter alias with an explicit
// ExpireAfterWrite/ExpireAfterAccess makes Build return an
// *InvalidStateError — mirroring Guava's MapMaker, which throws IllegalStateException on
// the same misuse, rather than silently taking the last value (spec §6/§7,
// Open Question "legacy TTL alias behavior": resolved in favor of
// preserving this strict, fail-fast contract instead of last-write-wins).
//
// A zero Builder is ready to use: NewBuilder returns one with every knob
// unset so Build applies spec §6's defaults.
type Builder[K comparable, V any] struct {
	initialCapacity  int
	concurrencyLevel int
	maximumSize      int64 // -1 = unset, sentinel for "not configured"
	maximumSizeSet   bool

	keyStrength   refstrength.Kind
	valueStrength refstrength.Kind
	keyStrengthSet, valueStrengthSet bool

	writeTTL, accessTTL       time.Duration
	writeTTLSet, accessTTLSet bool
	legacyTTL                 time.Duration
	legacyTTLSet               bool

	keyEquivalence   refstrength.Equivalence[K]
	valueEquivalence refstrength.Equivalence[V]
	keyEquivalenceSet, valueEquivalenceSet bool

	listener    RemovalListener[K, V]
	listenerSet bool

	metrics    Metrics
	metricsSet bool

	ticker    Ticker
	tickerSet bool

	logger    *zap.Logger
	loggerSet bool

	hasher    func(K) uint64
	hasherSet bool

	computeFn    ComputeFunc[K, V]
	computeFnSet bool

	initialCapacitySet, concurrencyLevelSet bool
}

// NewBuilder returns a Builder with every knob unset.
func NewBuilder[K comparable, V any]() *Builder[K, V] {
	return &Builder[K, V]{maximumSize: -1}
}

func (b *Builder[K, V]) InitialCapacity(n int) *Builder[K, V] {
	b.requireUnset(&b.initialCapacitySet, "initialCapacity")
	b.initialCapacity = n
	return b
}

func (b *Builder[K, V]) ConcurrencyLevel(n int) *Builder[K, V] {
	b.requireUnset(&b.concurrencyLevelSet, "concurrencyLevel")
	b.concurrencyLevel = n
	return b
}

// MaximumSize bounds total resident entries. 0 produces a degenerate
// null cache (spec §4.6): every Put is evicted immediately with cause SIZE.
func (b *Builder[K, V]) MaximumSize(n int64) *Builder[K, V] {
	b.requireUnset(&b.maximumSizeSet, "maximumSize")
	b.maximumSize = n
	return b
}

func (b *Builder[K, V]) WeakKeys() *Builder[K, V] {
	b.requireUnset(&b.keyStrengthSet, "keyStrength")
	b.keyStrength = refstrength.Weak
	return b
}

func (b *Builder[K, V]) SoftKeys() *Builder[K, V] {
	b.requireUnset(&b.keyStrengthSet, "keyStrength")
	b.keyStrength = refstrength.Soft
	return b
}

func (b *Builder[K, V]) WeakValues() *Builder[K, V] {
	b.requireUnset(&b.valueStrengthSet, "valueStrength")
	b.valueStrength = refstrength.Weak
	return b
}

func (b *Builder[K, V]) SoftValues() *Builder[K, V] {
	b.requireUnset(&b.valueStrengthSet, "valueStrength")
	b.valueStrength = refstrength.Soft
	return b
}

// ExpireAfterWrite bounds an entry's lifetime from its most recent write.
// 0 produces a degenerate null cache (spec §4.6): every Put is evicted
// immediately with cause EXPIRED.
func (b *Builder[K, V]) ExpireAfterWrite(d time.Duration) *Builder[K, V] {
	b.requireUnset(&b.writeTTLSet, "expireAfterWrite")
	b.writeTTL = d
	return b
}

// ExpireAfterAccess bounds an entry's lifetime from its most recent read or
// write. 0 produces the same degenerate null cache as ExpireAfterWrite(0).
func (b *Builder[K, V]) ExpireAfterAccess(d time.Duration) *Builder[K, V] {
	b.requireUnset(&b.accessTTLSet, "expireAfterAccess")
	b.accessTTL = d
	return b
}

// ExpireAfter is the legacy single-TTL alias: it sets ExpireAfterWrite only.
// Build rejects combining it with an explicit ExpireAfterWrite or
// ExpireAfterAccess call, even if the values agree, per this builder's
// fail-fast alias contract.
func (b *Builder[K, V]) ExpireAfter(d time.Duration) *Builder[K, V] {
	b.requireUnset(&b.legacyTTLSet, "expireAfter")
	b.legacyTTL = d
	return b
}

// KeyEquivalence overrides the default key-comparison discipline (== for
// STRONG keys). It cannot be combined with WeakKeys/SoftKeys: spec §4.1
// mandates identity comparison for a reclaimable key, and Go has no
// separate identity notion to override it with.
func (b *Builder[K, V]) KeyEquivalence(eq func(a, b K) bool) *Builder[K, V] {
	b.requireUnset(&b.keyEquivalenceSet, "keyEquivalence")
	b.keyEquivalence = refstrength.FuncEquivalence[K](eq)
	return b
}

// ValueEquivalence overrides the default value-comparison discipline
// (reflect.DeepEqual for STRONG values).
func (b *Builder[K, V]) ValueEquivalence(eq func(a, b V) bool) *Builder[K, V] {
	b.requireUnset(&b.valueEquivalenceSet, "valueEquivalence")
	b.valueEquivalence = refstrength.FuncEquivalence[V](eq)
	return b
}

func (b *Builder[K, V]) RemovalListener(l RemovalListener[K, V]) *Builder[K, V] {
	b.requireUnset(&b.listenerSet, "removalListener")
	b.listener = l
	return b
}

func (b *Builder[K, V]) WithMetrics(m Metrics) *Builder[K, V] {
	b.requireUnset(&b.metricsSet, "metrics")
	b.metrics = m
	return b
}

func (b *Builder[K, V]) WithTicker(t Ticker) *Builder[K, V] {
	b.requireUnset(&b.tickerSet, "ticker")
	b.ticker = t
	return b
}

func (b *Builder[K, V]) WithLogger(l *zap.Logger) *Builder[K, V] {
	b.requireUnset(&b.loggerSet, "logger")
	b.logger = l
	return b
}

// WithHasher overrides the default key hash (util.Fnv64a), needed for key
// types Fnv64a does not recognize.
func (b *Builder[K, V]) WithHasher(h func(K) uint64) *Builder[K, V] {
	b.requireUnset(&b.hasherSet, "hasher")
	b.hasher = h
	return b
}

// Computing configures fn as the source of values on a Get miss, enabling
// the memoized-computation protocol of spec §4.4.
func (b *Builder[K, V]) Computing(fn ComputeFunc[K, V]) *Builder[K, V] {
	b.requireUnset(&b.computeFnSet, "computing")
	b.computeFn = fn
	return b
}

func (b *Builder[K, V]) requireUnset(flag *bool, name string) {
	if *flag {
		panic(newInvalidState(name + " was already set"))
	}
	*flag = true
}

// Build validates the accumulated configuration and constructs a Cache.
// Setting the same knob twice panics immediately from the setter itself
// (mirroring Guava's MapMaker, which throws IllegalStateException at the
// offending call rather than deferring to build()); Build itself returns an
// error for every other validation failure — out-of-range values and
// knob combinations that only make sense to reject once the whole
// configuration is visible, such as the legacy-alias or
// equivalence/strength conflicts below.
func (b *Builder[K, V]) Build() (Cache[K, V], error) {
	cfg, err := b.finish()
	if err != nil {
		return nil, err
	}
	if cfg.maximumSize == 0 || cfg.writeTTL == -1 || cfg.accessTTL == -1 {
		return newNullCache[K, V](cfg), nil
	}
	return newCacheImpl[K, V](cfg), nil
}

// finish reconciles knobs into a frozen *config, applying spec §6 defaults:
// initialCapacity 16, concurrencyLevel 4*GOMAXPROCS-ish fixed default of 16,
// STRONG/STRONG strengths, no TTL, NoopMetrics, a no-op zap logger, the
// system ticker, and util.Fnv64a hashing. A null-cache TTL of 0 is encoded
// as -1 in the returned config's writeTTL/accessTTL so config.now()-based
// arithmetic elsewhere never has to special-case zero; Build reads that -1
// encoding (and maximumSize == 0) from the returned config to decide
// null-cache routing.
func (b *Builder[K, V]) finish() (*config[K, V], error) {
	if b.legacyTTLSet && (b.writeTTLSet || b.accessTTLSet) {
		return nil, newInvalidState("expireAfter cannot be combined with expireAfterWrite or expireAfterAccess")
	}
	if (b.keyStrengthSet && b.keyStrength != refstrength.Strong) && b.keyEquivalenceSet {
		return nil, newInvalidState("keyEquivalence cannot be combined with WeakKeys or SoftKeys")
	}
	if b.initialCapacitySet && b.initialCapacity < 0 {
		return nil, newInvalidArgument("initialCapacity must be >= 0")
	}
	if b.concurrencyLevelSet && b.concurrencyLevel < 1 {
		return nil, newInvalidArgument("concurrencyLevel must be >= 1")
	}
	if b.maximumSizeSet && b.maximumSize < 0 {
		return nil, newInvalidArgument("maximumSize must be >= 0")
	}
	if b.writeTTLSet && b.writeTTL < 0 {
		return nil, newInvalidArgument("expireAfterWrite must be >= 0")
	}
	if b.accessTTLSet && b.accessTTL < 0 {
		return nil, newInvalidArgument("expireAfterAccess must be >= 0")
	}
	if b.computeFnSet && b.computeFn == nil {
		return nil, newInvalidArgument("computing function must not be nil")
	}

	cfg := &config[K, V]{
		initialCapacity:  16,
		concurrencyLevel: 16,
		maximumSize:      -1,
		keyStrength:      refstrength.Strong,
		valueStrength:    refstrength.Strong,
		metrics:          NoopMetrics{},
		ticker:           systemTicker{},
		logger:           zap.NewNop(),
		hasher:           util.Fnv64a[K],
	}
	if b.initialCapacitySet {
		cfg.initialCapacity = b.initialCapacity
	}
	if b.concurrencyLevelSet {
		cfg.concurrencyLevel = b.concurrencyLevel
	}
	if b.maximumSizeSet {
		cfg.maximumSize = b.maximumSize
	}
	if b.keyStrengthSet {
		cfg.keyStrength = b.keyStrength
	}
	if b.valueStrengthSet {
		cfg.valueStrength = b.valueStrength
	}
	if b.keyEquivalenceSet {
		cfg.keyEquivalence = b.keyEquivalence
	}
	if b.valueEquivalenceSet {
		cfg.valueEquivalence = b.valueEquivalence
	}
	switch {
	case b.legacyTTLSet:
		cfg.writeTTL = encodeTTL(b.legacyTTL)
	case b.writeTTLSet:
		cfg.writeTTL = encodeTTL(b.writeTTL)
	}
	if b.accessTTLSet {
		cfg.accessTTL = encodeTTL(b.accessTTL)
	}
	if b.listenerSet {
		cfg.listener = b.listener
	}
	if b.metricsSet {
		cfg.metrics = b.metrics
	}
	if b.tickerSet {
		cfg.ticker = b.ticker
	}
	if b.loggerSet && b.logger != nil {
		cfg.logger = b.logger
	}
	if b.hasherSet {
		cfg.hasher = b.hasher
	}
	if b.computeFnSet {
		cfg.computeFn = b.computeFn
	}
	return cfg, nil
}

// encodeTTL maps a validated, non-negative TTL duration onto config's
// writeTTL/accessTTL representation, where 0 (unset) must stay distinguishable
// from a caller-requested 0 (degenerate null-cache trigger). A requested 0
// is encoded as -1 nanoseconds; segment.go never sees this value because
// Build() routes a -1-encoded config straight to newNullCache instead of
// newSegment.
func encodeTTL(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}
