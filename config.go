package concache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/concache/refstrength"
)

// Ticker is a pluggable time source, renamed from the teacher's Clock to
// match spec §6's "ticker" knob; NowNanos mirrors time.Now().UnixNano().
type Ticker interface{ NowNanos() int64 }

type systemTicker struct{}

func (systemTicker) NowNanos() int64 { return time.Now().UnixNano() }

// ComputeFunc produces a value for key on a Get miss when the builder was
// configured with Computing. Returning ErrAbsent signals "no value for this
// key" without treating it as a transport/backend failure distinctly from
// any other error — both surface as a ComputationFailureError per spec §6.
type ComputeFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// config is the frozen, builder-produced configuration every segment in a
// table shares. Builder.Build() is the only place that constructs one.
type config[K comparable, V any] struct {
	initialCapacity  int
	concurrencyLevel int
	maximumSize      int64 // -1 = unset

	keyStrength   refstrength.Kind
	valueStrength refstrength.Kind

	keyEquivalence   refstrength.Equivalence[K] // nil => refstrength.Logical[K]()
	valueEquivalence refstrength.Equivalence[V]

	writeTTL  time.Duration // 0 = unset
	accessTTL time.Duration // 0 = unset

	listener RemovalListener[K, V]
	metrics  Metrics
	ticker   Ticker
	logger   *zap.Logger

	computeFn ComputeFunc[K, V]

	hasher func(K) uint64
}

func (c *config[K, V]) now() int64 { return c.ticker.NowNanos() }

func (c *config[K, V]) notify(n RemovalNotification[K, V]) {
	safeNotify(c.logger, c.listener, n)
	c.metrics.Evict(n.Cause)
}
