package concache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/concache/internal/reclaim"
	"github.com/IvanBrykalov/concache/internal/util"
	"github.com/IvanBrykalov/concache/refstrength"
)

// segment is an independently lockable shard of the table: the hash array,
// the reclaimed-reference queues, the write-ordered list, the
// recency-ordered list, and the live-entry counter described in spec §2
// component 3. It carries the hot path of put/get/remove/replace.
type segment[K comparable, V any] struct {
	mu sync.Mutex // guards everything below except buckets' fast-path reads

	buckets   atomic.Pointer[bucketArray[K, V]]
	count     int
	threshold int
	nextID    util.PaddedAtomicUint64 // padded after the counter; bumped on every insert
	idIndex   map[uint64]*entry[K, V]

	// recency list: head = least-recently-accessed (eviction/expiry front),
	// tail = most-recently-accessed.
	recHead, recTail *entry[K, V]
	// write list: head = oldest write, tail = most recent write.
	wrHead, wrTail *entry[K, V]

	keyFactory refstrength.Factory[K]
	valFactory refstrength.Factory[V]
	keyEquiv   refstrength.Equivalence[K]
	valEquiv   refstrength.Equivalence[V]

	keyQueue *reclaim.Queue
	valQueue *reclaim.Queue

	maxSize int64 // -1 = unset

	cfg *config[K, V]

	promMu  sync.Mutex
	pending []*entry[K, V] // pending recency promotions awaiting drain

	// notifyQueue batches removal notifications produced while cleanupLocked
	// walks expiry/reclamation so they can fire after the lock is briefly
	// released by flushNotifications, rather than while still holding it.
	notifyQueue []RemovalNotification[K, V]
}

const promotionBufferCap = 64

func newSegment[K comparable, V any](cfg *config[K, V], initialCapacity int, perSegmentMax int64) *segment[K, V] {
	keyQueue := &reclaim.Queue{}
	valQueue := &reclaim.Queue{}

	var softKeyTier *refstrength.SoftTier[K]
	var softValTier *refstrength.SoftTier[V]
	tierCap := initialCapacity * 2
	if perSegmentMax > 0 {
		tierCap = int(perSegmentMax) * 2
	}
	if tierCap < 16 {
		tierCap = 16
	}
	if cfg.keyStrength == refstrength.Soft {
		softKeyTier = refstrength.NewSoftTier[K](tierCap)
	}
	if cfg.valueStrength == refstrength.Soft {
		softValTier = refstrength.NewSoftTier[V](tierCap)
	}

	keyEquiv := cfg.keyEquivalence
	if keyEquiv == nil || cfg.keyStrength != refstrength.Strong {
		keyEquiv = refstrength.Logical[K]()
	}
	valEquiv := cfg.valueEquivalence
	if valEquiv == nil || cfg.valueStrength != refstrength.Strong {
		valEquiv = refstrength.DeepEqual[V]()
	}

	s := &segment[K, V]{
		idIndex:    make(map[uint64]*entry[K, V]),
		keyFactory: refstrength.NewFactory[K](cfg.keyStrength, keyQueue, softKeyTier),
		valFactory: refstrength.NewFactory[V](cfg.valueStrength, valQueue, softValTier),
		keyEquiv:   keyEquiv,
		valEquiv:   valEquiv,
		keyQueue:   keyQueue,
		valQueue:   valQueue,
		maxSize:    -1,
		cfg:        cfg,
	}
	if perSegmentMax >= 0 {
		s.maxSize = perSegmentMax
	}
	bt := newBucketArray[K, V](initialCapacity)
	s.buckets.Store(bt)
	s.threshold = int(float64(len(bt.heads)) * 0.75)
	return s
}

// ---- fast path ----

// get implements spec §4.2's get contract. The common case — a live,
// unexpired, non-computing match — is resolved without the segment lock;
// every other case (computing entry, a reclaimed key/value observed
// mid-traversal, an entry visibly past its TTL) defers to getSlow, which
// re-walks the chain under the lock with full cleanup authority.
func (s *segment[K, V]) get(key K, spread uint64) (V, bool) {
	var zero V
	// SOFT references update their tier on every Get, and the tier is guarded
	// by the segment lock, so a segment holding SOFT references reads under it.
	if s.keyFactory.Kind() == refstrength.Soft || s.valFactory.Kind() == refstrength.Soft {
		return s.getSlow(key, spread)
	}
	bt := s.buckets.Load()
	idx := bt.indexOf(spread)
	for e := bt.heads[idx].Load(); e != nil; e = e.loadNext() {
		if e.hash != spread {
			continue
		}
		kref, ok := e.key.Get()
		if !ok {
			return s.getSlow(key, spread)
		}
		if !s.keyEquiv.Equal(kref, key) {
			continue
		}
		if e.isComputing() {
			return s.getSlow(key, spread)
		}
		vrefp, ok := e.loadValue()
		if !ok {
			return s.getSlow(key, spread)
		}
		vv, ok := vrefp.Get()
		if !ok {
			return s.getSlow(key, spread)
		}
		if s.cfg.writeTTL > 0 && s.cfg.now()-e.writeNanos.Load() >= int64(s.cfg.writeTTL) {
			return s.getSlow(key, spread)
		}
		if s.cfg.accessTTL > 0 && s.cfg.now()-e.accessNanos.Load() >= int64(s.cfg.accessTTL) {
			return s.getSlow(key, spread)
		}
		s.queuePromotion(e)
		e.accessNanos.Store(s.cfg.now())
		s.cfg.metrics.Hit()
		return vv, true
	}
	s.cfg.metrics.Miss()
	return zero, false
}

// getSlow re-probes under the segment lock, running cleanup first so stale
// state (reclaimed refs, past-TTL entries) never leaks into the result.
func (s *segment[K, V]) getSlow(key K, spread uint64) (V, bool) {
	var zero V
	s.mu.Lock()
	now := s.cfg.now()
	s.cleanupLocked(now)
	match, pred, idx := s.probeLocked(key, spread)
	if match == nil {
		s.mu.Unlock()
		s.cfg.metrics.Miss()
		return zero, false
	}
	if match.isComputing() {
		// A pending computation reads as a miss here; getOrCompute then
		// re-probes in computeSlow, which waits on it under the caller's ctx.
		s.mu.Unlock()
		return zero, false
	}
	vref, ok := match.loadValue()
	if !ok {
		s.unlinkLocked(match, pred, idx, refstrength.NewStrong(key), true, nil, false, Collected)
		s.flushNotifications()
		s.mu.Unlock()
		s.cfg.metrics.Miss()
		return zero, false
	}
	vv, ok := vref.Get()
	if !ok {
		s.unlinkLocked(match, pred, idx, refstrength.NewStrong(key), true, nil, false, Collected)
		s.flushNotifications()
		s.mu.Unlock()
		s.cfg.metrics.Miss()
		return zero, false
	}
	match.accessNanos.Store(now)
	s.moveRecencyToTail(match)
	s.mu.Unlock()
	s.cfg.metrics.Hit()
	return vv, true
}

// queuePromotion records a read for deferred recency promotion instead of
// taking the segment lock on every hit (spec §4.2/§9 "promotion batching").
func (s *segment[K, V]) queuePromotion(e *entry[K, V]) {
	s.promMu.Lock()
	if len(s.pending) < promotionBufferCap {
		s.pending = append(s.pending, e)
	}
	s.promMu.Unlock()
}

func (s *segment[K, V]) drainPromotionsLocked() {
	s.promMu.Lock()
	batch := s.pending
	s.pending = nil
	s.promMu.Unlock()
	for _, e := range batch {
		if e.isComputing() {
			continue
		}
		if _, ok := s.idIndex[e.id]; !ok {
			continue
		}
		s.moveRecencyToTail(e)
	}
}

// ---- probing ----

// probeLocked walks the bucket chain at spread's index looking for a key
// match. Any entry whose key reference has already died is unlinked on
// sight (spec invariant 5: "any encounter during traversal causes removal
// with cause = COLLECTED"), regardless of whether it would have matched.
func (s *segment[K, V]) probeLocked(key K, spread uint64) (match, pred *entry[K, V], idx int) {
	bt := s.buckets.Load()
	idx = bt.indexOf(spread)
	var prev *entry[K, V]
	cur := bt.heads[idx].Load()
	for cur != nil {
		next := cur.loadNext()
		if cur.hash != spread {
			prev = cur
			cur = next
			continue
		}
		kref, ok := cur.key.Get()
		if !ok {
			s.unlinkLocked(cur, prev, idx, nil, false, nil, false, Collected)
			cur = next
			continue
		}
		if s.keyEquiv.Equal(kref, key) {
			match, pred = cur, prev
			s.flushNotifications()
			return
		}
		prev = cur
		cur = next
	}
	pred = prev
	s.flushNotifications()
	return
}

// ---- mutation ----

// put implements the teacher's Set semantics generalized to spec §4.2's
// put(key, hash, value, onlyIfAbsent). When onlyIfAbsent is true this is
// Guava's putIfAbsent; the returned (actual, loaded) pair follows
// sync.Map.LoadOrStore's convention.
func (s *segment[K, V]) put(key K, spread uint64, value V, onlyIfAbsent bool) (actual V, loaded bool) {
	s.mu.Lock()
	now := s.cfg.now()
	s.cleanupLocked(now)
	match, pred, idx := s.probeLocked(key, spread)

	if match != nil && match.isComputing() {
		comp := match.computing.Load()
		if onlyIfAbsent {
			s.mu.Unlock()
			v, err := comp.outcome()
			if err != nil {
				var zero V
				return zero, true
			}
			return v, true
		}
		// An external put wins over a pending computation (§4.4 step 7):
		// publish directly, discard the in-flight result. markDiscarded runs
		// before Unlock so the compute goroutine's next Lock is guaranteed to
		// observe it (segment.mu's Unlock/Lock pair establishes the
		// happens-before comp's own mutex alone would not).
		s.publishComputingLocked(match, value, now)
		comp.markDiscarded()
		s.mu.Unlock()
		comp.publish(value, nil)
		var zero V
		return zero, false
	}

	if match != nil {
		oldRef, _ := match.loadValue()
		oldVal, oldOK := oldRef.Get()
		if onlyIfAbsent {
			s.mu.Unlock()
			if oldOK {
				return oldVal, true
			}
			var zero V
			return zero, false
		}
		refstrength.Untrack[V](oldRef)
		match.storeValue(s.valFactory.Make(value, match.id))
		match.writeNanos.Store(now)
		match.accessNanos.Store(now)
		s.moveWriteToTail(match)
		s.moveRecencyToTail(match)
		s.enforceSizeLocked(now)
		s.mu.Unlock()
		if oldOK {
			s.cfg.notify(RemovalNotification[K, V]{Key: key, KeyOK: true, Value: oldVal, ValueOK: true, Cause: Replaced})
		}
		return value, true
	}

	s.newLiveEntryLocked(key, spread, value, now)
	_ = pred
	_ = idx
	s.enforceSizeLocked(now)
	s.mu.Unlock()
	return value, false
}

// newLiveEntryLocked allocates and links a fresh, already-published entry.
// Caller holds the lock.
func (s *segment[K, V]) newLiveEntryLocked(key K, spread uint64, value V, now int64) *entry[K, V] {
	id := s.nextID.Add(1)
	e := &entry[K, V]{id: id, hash: spread, key: s.keyFactory.Make(key, id)}
	e.storeValue(s.valFactory.Make(value, id))
	e.accessNanos.Store(now)
	e.writeNanos.Store(now)

	bt := s.buckets.Load()
	idx := bt.indexOf(spread)
	e.storeNext(bt.heads[idx].Load())
	bt.heads[idx].Store(e)

	s.idIndex[id] = e
	s.linkRecencyTail(e)
	s.linkWriteTail(e)
	s.count++
	s.maybeResizeLocked()
	return e
}

// publishComputingLocked converts a pending ComputingEntry into a live,
// published entry holding value, as if an ordinary put had created it.
func (s *segment[K, V]) publishComputingLocked(e *entry[K, V], value V, now int64) {
	e.storeValue(s.valFactory.Make(value, e.id))
	e.writeNanos.Store(now)
	e.accessNanos.Store(now)
	e.computing.Store(nil)
	s.linkRecencyTail(e)
	s.linkWriteTail(e)
	s.count++
	s.enforceSizeLocked(now)
}

// remove implements explicit deletion; a key whose entry is still computing
// is reported absent without side effects, matching spec §4.2's "returns
// absent from every query except get" for pending ComputingEntry rows.
func (s *segment[K, V]) remove(key K, spread uint64) (V, bool) {
	var zero V
	s.mu.Lock()
	now := s.cfg.now()
	s.cleanupLocked(now)
	match, pred, idx := s.probeLocked(key, spread)
	if match == nil || match.isComputing() {
		s.mu.Unlock()
		return zero, false
	}
	oldRef, _ := match.loadValue()
	oldVal, oldOK := oldRef.Get()
	s.unlinkLiveLocked(match, pred, idx)
	s.mu.Unlock()
	if oldOK {
		s.cfg.notify(RemovalNotification[K, V]{Key: key, KeyOK: true, Value: oldVal, ValueOK: true, Cause: Explicit})
	}
	return oldVal, oldOK
}

// removeExpected implements remove(key, hash, expectedValue).
func (s *segment[K, V]) removeExpected(key K, spread uint64, expected V) bool {
	s.mu.Lock()
	now := s.cfg.now()
	s.cleanupLocked(now)
	match, pred, idx := s.probeLocked(key, spread)
	if match == nil || match.isComputing() {
		s.mu.Unlock()
		return false
	}
	oldRef, _ := match.loadValue()
	oldVal, oldOK := oldRef.Get()
	if !oldOK || !s.valEquiv.Equal(oldVal, expected) {
		s.mu.Unlock()
		return false
	}
	s.unlinkLiveLocked(match, pred, idx)
	s.mu.Unlock()
	s.cfg.notify(RemovalNotification[K, V]{Key: key, KeyOK: true, Value: oldVal, ValueOK: true, Cause: Explicit})
	return true
}

// replace implements replace(key, hash, newValue): fires REPLACED only on
// success, per spec §4.2.
func (s *segment[K, V]) replace(key K, spread uint64, newValue V) (V, bool) {
	var zero V
	s.mu.Lock()
	now := s.cfg.now()
	s.cleanupLocked(now)
	match, _, _ := s.probeLocked(key, spread)
	if match == nil || match.isComputing() {
		s.mu.Unlock()
		return zero, false
	}
	oldRef, _ := match.loadValue()
	oldVal, oldOK := oldRef.Get()
	if !oldOK {
		s.mu.Unlock()
		return zero, false
	}
	refstrength.Untrack[V](oldRef)
	match.storeValue(s.valFactory.Make(newValue, match.id))
	match.writeNanos.Store(now)
	match.accessNanos.Store(now)
	s.moveWriteToTail(match)
	s.moveRecencyToTail(match)
	s.enforceSizeLocked(now)
	s.mu.Unlock()
	s.cfg.notify(RemovalNotification[K, V]{Key: key, KeyOK: true, Value: oldVal, ValueOK: true, Cause: Replaced})
	return oldVal, true
}

// replaceExpected implements replace(key, hash, oldValue, newValue).
func (s *segment[K, V]) replaceExpected(key K, spread uint64, oldValue, newValue V) bool {
	s.mu.Lock()
	now := s.cfg.now()
	s.cleanupLocked(now)
	match, _, _ := s.probeLocked(key, spread)
	if match == nil || match.isComputing() {
		s.mu.Unlock()
		return false
	}
	curRef, _ := match.loadValue()
	curVal, curOK := curRef.Get()
	if !curOK || !s.valEquiv.Equal(curVal, oldValue) {
		s.mu.Unlock()
		return false
	}
	refstrength.Untrack[V](curRef)
	match.storeValue(s.valFactory.Make(newValue, match.id))
	match.writeNanos.Store(now)
	match.accessNanos.Store(now)
	s.moveWriteToTail(match)
	s.moveRecencyToTail(match)
	s.enforceSizeLocked(now)
	s.mu.Unlock()
	s.cfg.notify(RemovalNotification[K, V]{Key: key, KeyOK: true, Value: curVal, ValueOK: true, Cause: Replaced})
	return true
}

func (s *segment[K, V]) containsKey(key K, spread uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.cfg.now()
	s.cleanupLocked(now)
	match, _, _ := s.probeLocked(key, spread)
	if match == nil || match.isComputing() {
		return false
	}
	vref, ok := match.loadValue()
	if !ok {
		return false
	}
	_, ok = vref.Get()
	return ok
}

func (s *segment[K, V]) containsValue(value V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.cfg.now()
	s.cleanupLocked(now)
	for e := s.recHead; e != nil; e = e.recNext {
		if e.isComputing() {
			continue
		}
		vref, ok := e.loadValue()
		if !ok {
			continue
		}
		vv, ok := vref.Get()
		if !ok {
			continue
		}
		if s.valEquiv.Equal(vv, value) {
			return true
		}
	}
	return false
}

func (s *segment[K, V]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked(s.cfg.now())
	return s.count
}

// clear drops every entry, firing EXPLICIT for each under the segment lock
// per spec §4.2.
func (s *segment[K, V]) clear() {
	s.mu.Lock()
	var notifications []RemovalNotification[K, V]
	for e := s.recHead; e != nil; {
		next := e.recNext
		if !e.isComputing() {
			if vref, ok := e.loadValue(); ok {
				if vv, ok := vref.Get(); ok {
					if kv, ok := e.key.Get(); ok {
						notifications = append(notifications, RemovalNotification[K, V]{Key: kv, KeyOK: true, Value: vv, ValueOK: true, Cause: Explicit})
					}
				}
			}
		}
		e = next
	}
	bt := newBucketArray[K, V](len(s.buckets.Load().heads))
	s.buckets.Store(bt)
	s.threshold = int(float64(len(bt.heads)) * 0.75)
	s.recHead, s.recTail = nil, nil
	s.wrHead, s.wrTail = nil, nil
	s.count = 0
	s.idIndex = make(map[uint64]*entry[K, V])
	s.mu.Unlock()

	for _, n := range notifications {
		s.cfg.notify(n)
	}
}

// forEach offers a weakly-consistent snapshot walk over the recency list;
// it copies live (key, value) pairs under the lock so the caller's fn runs
// outside it, matching spec §5's "no operation holds a lock across
// user-supplied code."
func (s *segment[K, V]) forEach(fn func(key K, value V) bool) bool {
	type kv struct {
		k K
		v V
	}
	s.mu.Lock()
	now := s.cfg.now()
	s.cleanupLocked(now)
	snapshot := make([]kv, 0, s.count)
	for e := s.recHead; e != nil; e = e.recNext {
		if e.isComputing() {
			continue
		}
		vref, ok := e.loadValue()
		if !ok {
			continue
		}
		vv, ok := vref.Get()
		if !ok {
			continue
		}
		kk, ok := e.key.Get()
		if !ok {
			continue
		}
		snapshot = append(snapshot, kv{kk, vv})
	}
	s.mu.Unlock()

	for _, p := range snapshot {
		if !fn(p.k, p.v) {
			return false
		}
	}
	return true
}

// ---- computing ----

// beginComputingLocked installs a pending ComputingEntry for key and links
// it into the bucket chain (but not the recency/write lists, per spec §4.2
// "a pending ComputingEntry does not count toward max-size or expiration
// until completion"). Caller holds the lock.
func (s *segment[K, V]) beginComputingLocked(key K, spread uint64) *entry[K, V] {
	id := s.nextID.Add(1)
	e := &entry[K, V]{id: id, hash: spread, key: s.keyFactory.Make(key, id)}
	e.computing.Store(newComputation[V]())

	bt := s.buckets.Load()
	idx := bt.indexOf(spread)
	e.storeNext(bt.heads[idx].Load())
	bt.heads[idx].Store(e)
	s.idIndex[id] = e
	return e
}

// abortComputingLocked removes a placeholder whose computation failed
// without being pre-empted by an external put. Caller holds the lock.
func (s *segment[K, V]) abortComputingLocked(e *entry[K, V]) {
	bt := s.buckets.Load()
	idx := bt.indexOf(e.hash)
	s.unlinkChainLocked(e, idx)
	delete(s.idIndex, e.id)
}

// finishComputingLocked converts e into a live published entry, unless it
// was discarded by a winning external put in the meantime. Caller holds the
// lock. Returns true if it actually published.
func (s *segment[K, V]) finishComputingLocked(e *entry[K, V], value V, now int64) bool {
	if e.computing.Load() == nil {
		return false // already resolved by a racing put
	}
	s.publishComputingLocked(e, value, now)
	return true
}

// ---- list maintenance (caller holds the lock) ----

func (s *segment[K, V]) linkRecencyTail(e *entry[K, V]) {
	e.recPrev, e.recNext = s.recTail, nil
	if s.recTail != nil {
		s.recTail.recNext = e
	} else {
		s.recHead = e
	}
	s.recTail = e
}

func (s *segment[K, V]) moveRecencyToTail(e *entry[K, V]) {
	if e == s.recTail {
		return
	}
	if e.recPrev == nil && e.recNext == nil && e != s.recHead {
		return // not currently linked (e.g. racing with unlink)
	}
	s.removeFromRecency(e)
	s.linkRecencyTail(e)
}

func (s *segment[K, V]) removeFromRecency(e *entry[K, V]) {
	if e.recPrev != nil {
		e.recPrev.recNext = e.recNext
	} else if s.recHead == e {
		s.recHead = e.recNext
	}
	if e.recNext != nil {
		e.recNext.recPrev = e.recPrev
	} else if s.recTail == e {
		s.recTail = e.recPrev
	}
	e.recPrev, e.recNext = nil, nil
}

func (s *segment[K, V]) linkWriteTail(e *entry[K, V]) {
	e.wrPrev, e.wrNext = s.wrTail, nil
	if s.wrTail != nil {
		s.wrTail.wrNext = e
	} else {
		s.wrHead = e
	}
	s.wrTail = e
}

func (s *segment[K, V]) moveWriteToTail(e *entry[K, V]) {
	if e == s.wrTail {
		return
	}
	if e.wrPrev == nil && e.wrNext == nil && e != s.wrHead {
		return
	}
	s.removeFromWrite(e)
	s.linkWriteTail(e)
}

func (s *segment[K, V]) removeFromWrite(e *entry[K, V]) {
	if e.wrPrev != nil {
		e.wrPrev.wrNext = e.wrNext
	} else if s.wrHead == e {
		s.wrHead = e.wrNext
	}
	if e.wrNext != nil {
		e.wrNext.wrPrev = e.wrPrev
	} else if s.wrTail == e {
		s.wrTail = e.wrPrev
	}
	e.wrPrev, e.wrNext = nil, nil
}

// unlinkChainLocked splices e out of its bucket chain only (lists/count
// untouched); used for computing-placeholder teardown, which never joined
// either ordering list.
func (s *segment[K, V]) unlinkChainLocked(e *entry[K, V], idx int) {
	bt := s.buckets.Load()
	cur := bt.heads[idx].Load()
	if cur == e {
		bt.heads[idx].Store(e.loadNext())
		return
	}
	for cur != nil {
		nxt := cur.loadNext()
		if nxt == e {
			cur.storeNext(e.loadNext())
			return
		}
		cur = nxt
	}
}

// unlinkLiveLocked removes a live (published, non-computing) entry from the
// bucket chain, both ordering lists, the id index, and decrements count.
// pred/idx come from a just-completed probeLocked call.
func (s *segment[K, V]) unlinkLiveLocked(e *entry[K, V], pred *entry[K, V], idx int) {
	bt := s.buckets.Load()
	if pred == nil {
		bt.heads[idx].Store(e.loadNext())
	} else {
		pred.storeNext(e.loadNext())
	}
	s.removeFromRecency(e)
	s.removeFromWrite(e)
	refstrength.Untrack[K](e.key)
	if vref, ok := e.loadValue(); ok {
		refstrength.Untrack[V](vref)
	}
	delete(s.idIndex, e.id)
	s.count--
}

// unlinkLocked is unlinkLiveLocked plus the notification it implies, queued
// for the next flushNotifications. When hasKeyOverride is set, the
// notification's key is read from keyOverride instead of the entry's own key
// reference; the value is always read from the entry, and the two
// value-override parameters are ignored.
func (s *segment[K, V]) unlinkLocked(e *entry[K, V], pred *entry[K, V], idx int, keyOverride refstrength.Reference[K], hasKeyOverride bool, _ refstrength.Reference[V], _ bool, cause RemovalCause) {
	var n RemovalNotification[K, V]
	n.Cause = cause
	if hasKeyOverride {
		if kv, ok := keyOverride.Get(); ok {
			n.Key, n.KeyOK = kv, true
		}
	} else if kv, ok := e.key.Get(); ok {
		n.Key, n.KeyOK = kv, true
	}
	if vref, ok := e.loadValue(); ok {
		if vv, ok := vref.Get(); ok {
			n.Value, n.ValueOK = vv, true
		}
	}
	s.unlinkLiveLocked(e, pred, idx)
	s.pendingNotify(n)
}

// pendingNotify queues a notification to fire after the caller releases the
// segment lock; cleanupLocked batches several of these per pass.
func (s *segment[K, V]) pendingNotify(n RemovalNotification[K, V]) {
	s.notifyQueue = append(s.notifyQueue, n)
}

// ---- cleanup / eviction engine ----

// cleanupLocked runs the first three steps of spec §4.2's hot loop: drain
// promotions, drain reclamation queues, and expire past-TTL list heads.
// Step 4 (size) is enforceSizeLocked, called separately right after any
// mutation that can grow count — see segment.go's put/replace/compute
// call sites — rather than strictly "before every write" as spec §4.2's
// prose reads literally, so that a write which itself overflows the bound
// is trimmed by the time any subsequent operation observes the segment
// (spec's scenario 4 requires this; the Non-goals section explicitly leaves
// eviction timing non-deterministic, so enforcing slightly earlier than the
// letter of §4.2 is a conforming choice).
func (s *segment[K, V]) cleanupLocked(now int64) {
	s.drainPromotionsLocked()
	s.drainReclaimedLocked()
	s.expireLocked(now)
	s.flushNotifications()
}

func (s *segment[K, V]) flushNotifications() {
	if len(s.notifyQueue) == 0 {
		return
	}
	batch := s.notifyQueue
	s.notifyQueue = nil
	s.mu.Unlock()
	for _, n := range batch {
		s.cfg.notify(n)
	}
	s.mu.Lock()
}

func (s *segment[K, V]) drainReclaimedLocked() {
	var ids []uint64
	ids = s.keyQueue.DrainInto(ids)
	ids = s.valQueue.DrainInto(ids)
	for _, id := range ids {
		e, ok := s.idIndex[id]
		if !ok {
			continue
		}
		bt := s.buckets.Load()
		idx := bt.indexOf(e.hash)
		// Re-find predecessor; reclamation can race with other unlink paths.
		pred := s.predecessorOf(e, idx)
		s.unlinkLocked(e, pred, idx, nil, false, nil, false, Collected)
	}
}

func (s *segment[K, V]) predecessorOf(target *entry[K, V], idx int) *entry[K, V] {
	bt := s.buckets.Load()
	var prev *entry[K, V]
	for cur := bt.heads[idx].Load(); cur != nil; cur = cur.loadNext() {
		if cur == target {
			return prev
		}
		prev = cur
	}
	return nil
}

func (s *segment[K, V]) expireLocked(now int64) {
	if s.cfg.accessTTL > 0 {
		for s.recHead != nil && now-s.recHead.accessNanos.Load() >= int64(s.cfg.accessTTL) {
			e := s.recHead
			bt := s.buckets.Load()
			idx := bt.indexOf(e.hash)
			pred := s.predecessorOf(e, idx)
			s.unlinkLocked(e, pred, idx, nil, false, nil, false, Expired)
		}
	}
	if s.cfg.writeTTL > 0 {
		for s.wrHead != nil && now-s.wrHead.writeNanos.Load() >= int64(s.cfg.writeTTL) {
			e := s.wrHead
			bt := s.buckets.Load()
			idx := bt.indexOf(e.hash)
			pred := s.predecessorOf(e, idx)
			s.unlinkLocked(e, pred, idx, nil, false, nil, false, Expired)
		}
	}
}

// enforceSizeLocked evicts from the recency-list head (global LRU order,
// per-segment) until count is within the per-segment target, per spec
// §4.2/§4.3's "per-segment proportional target" size bound.
func (s *segment[K, V]) enforceSizeLocked(now int64) {
	if s.maxSize < 0 {
		return
	}
	for int64(s.count) > s.maxSize {
		e := s.recHead
		if e == nil {
			break
		}
		bt := s.buckets.Load()
		idx := bt.indexOf(e.hash)
		pred := s.predecessorOf(e, idx)
		s.unlinkLocked(e, pred, idx, nil, false, nil, false, Size)
	}
	s.flushNotifications()
	_ = now
}

// maybeResizeLocked doubles the bucket array when the load factor (0.75) is
// exceeded. Entries are relinked into the new array without reallocating
// any entry, per spec §4.2's resize contract; unlike the teacher's
// single-array shard, ordering-list membership is untouched by a resize
// since recency/write links live on the entry itself, not the bucket array.
func (s *segment[K, V]) maybeResizeLocked() {
	if s.count <= s.threshold {
		return
	}
	old := s.buckets.Load()
	newLen := len(old.heads) * 2
	nb := &bucketArray[K, V]{heads: make([]atomic.Pointer[entry[K, V]], newLen), mask: uint64(newLen - 1)}
	for i := range old.heads {
		e := old.heads[i].Load()
		for e != nil {
			next := e.loadNext()
			nidx := nb.indexOf(e.hash)
			e.storeNext(nb.heads[nidx].Load())
			nb.heads[nidx].Store(e)
			e = next
		}
	}
	s.buckets.Store(nb)
	s.threshold = int(float64(newLen) * 0.75)
}

// ---- compute-on-miss (spec §4.4) ----

// getOrCompute is the entry point a Cache built with a ComputeFunc calls
// instead of get. A plain hit is served exactly as get would; a miss enters
// the computing protocol: install a ComputingEntry placeholder, run the
// compute function with the segment lock released, then publish or discard
// depending on whether an external put pre-empted it in the meantime.
func (s *segment[K, V]) getOrCompute(ctx context.Context, key K, spread uint64) (V, error) {
	if v, ok := s.get(key, spread); ok {
		return v, nil
	}
	return s.computeSlow(ctx, key, spread)
}

func (s *segment[K, V]) computeSlow(ctx context.Context, key K, spread uint64) (V, error) {
	var zero V
	s.mu.Lock()
	now := s.cfg.now()
	s.cleanupLocked(now)
	match, pred, idx := s.probeLocked(key, spread)
	if match != nil {
		if comp := match.computing.Load(); comp != nil {
			s.mu.Unlock()
			return s.awaitComputation(ctx, comp)
		}
		if vref, ok := match.loadValue(); ok {
			if vv, ok := vref.Get(); ok {
				match.accessNanos.Store(now)
				s.moveRecencyToTail(match)
				s.mu.Unlock()
				s.cfg.metrics.Hit()
				return vv, nil
			}
		}
		// Value reference died between probeLocked and here; treat as a
		// miss and let cleanup's ordinary COLLECTED path remove it.
		s.unlinkLocked(match, pred, idx, nil, false, nil, false, Collected)
		s.flushNotifications()
	}
	s.cfg.metrics.Miss()
	e := s.beginComputingLocked(key, spread)
	comp := e.computing.Load()
	s.mu.Unlock()

	start := time.Now()
	v, err := s.cfg.computeFn(ctx, key)
	s.cfg.metrics.ObserveCompute(time.Since(start))

	s.mu.Lock()
	discarded := comp.isDiscarded()
	if err != nil {
		if !discarded {
			s.abortComputingLocked(e)
		}
		s.mu.Unlock()
		if discarded {
			return comp.outcome()
		}
		wrapped := newComputationFailure("compute function returned an error", err)
		comp.publish(zero, wrapped)
		return zero, wrapped
	}
	if discarded {
		s.mu.Unlock()
		return comp.outcome()
	}
	s.finishComputingLocked(e, v, s.cfg.now())
	s.mu.Unlock()
	comp.publish(v, nil)
	return v, nil
}

// awaitComputation blocks until comp publishes or ctx is cancelled. Only
// the top-level, context-aware Get path uses this; PutIfAbsent's wait on a
// pending computation (segment.put) deliberately does not support
// cancellation, per spec §5's cancellation scope.
func (s *segment[K, V]) awaitComputation(ctx context.Context, comp *computation[V]) (V, error) {
	var zero V
	select {
	case <-comp.done:
		return comp.outcome()
	case <-ctx.Done():
		return zero, newCancelled(ctx.Err())
	}
}
