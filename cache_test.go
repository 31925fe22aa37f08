package concache

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

type fakeTicker struct{ t atomic.Int64 }

func (f *fakeTicker) NowNanos() int64  { return f.t.Load() }
func (f *fakeTicker) add(d time.Duration) { f.t.Add(int64(d)) }

// Uses a fake ticker to avoid timing flakiness. Ensures expireAfterWrite is
// respected.
func TestCache_ExpireAfterWrite_FakeTicker(t *testing.T) {
	t.Parallel()

	clk := &fakeTicker{}
	c, err := NewBuilder[string, string]().ExpireAfterWrite(100 * time.Millisecond).WithTicker(clk).Build()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	c.Put("x", "v")
	if _, err := c.Get(context.Background(), "x"); err != nil {
		t.Fatal("fresh miss")
	}
	clk.add(200 * time.Millisecond)
	if _, err := c.Get(context.Background(), "x"); err == nil {
		t.Fatal("expired hit")
	}
}

// Basic PutIfAbsent/Put/Get/Remove semantics.
func TestCache_BasicPutGetRemove(t *testing.T) {
	t.Parallel()

	c, err := NewBuilder[string, int]().InitialCapacity(8).Build()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	if actual, loaded := c.PutIfAbsent("a", 1); loaded || actual != 1 {
		t.Fatalf("PutIfAbsent a=1 want (1,false), got (%v,%v)", actual, loaded)
	}
	if actual, loaded := c.PutIfAbsent("a", 2); !loaded || actual != 1 {
		t.Fatalf("PutIfAbsent duplicate want (1,true), got (%v,%v)", actual, loaded)
	}

	c.Put("a", 11)
	if v, err := c.Get(context.Background(), "a"); err != nil || v != 11 {
		t.Fatalf("Get a want 11, got %v err=%v", v, err)
	}

	if v, ok := c.Remove("a"); !ok || v != 11 {
		t.Fatalf("Remove a must return (11,true), got (%v,%v)", v, ok)
	}
	if _, err := c.Get(context.Background(), "a"); err == nil {
		t.Fatal("a must be absent after Remove")
	}
}

// Deterministic LRU eviction: single segment, small capacity. Accessing "a"
// promotes it; inserting "c" overflows and evicts the LRU entry ("b"), not
// the just-promoted one.
func TestCache_EvictionLRU(t *testing.T) {
	t.Parallel()

	c, err := NewBuilder[string, int]().MaximumSize(2).ConcurrencyLevel(1).Build()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	c.Put("a", 1) // recency: [a]
	c.Put("b", 2) // recency: [a, b]

	if _, err := c.Get(context.Background(), "a"); err != nil { // promote a -> tail
		t.Fatal("expect hit for a")
	}
	c.Put("c", 3) // overflow -> evict recency head (b)

	if _, err := c.Get(context.Background(), "b"); err == nil {
		t.Fatal("b must be evicted")
	}
	if _, err := c.Get(context.Background(), "a"); err != nil {
		t.Fatal("a must survive (promoted)")
	}
	if v, err := c.Get(context.Background(), "c"); err != nil || v != 3 {
		t.Fatal("c must be present")
	}
}

// A removal listener must observe exactly one SIZE-caused eviction for the
// scenario above.
func TestCache_EvictionFiresSizeNotification(t *testing.T) {
	t.Parallel()

	var notifications []RemovalNotification[string, int]
	c, err := NewBuilder[string, int]().
		MaximumSize(2).
		ConcurrencyLevel(1).
		RemovalListener(func(n RemovalNotification[string, int]) { notifications = append(notifications, n) }).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	c.Put("a", 1)
	c.Put("b", 2)
	_, _ = c.Get(context.Background(), "a")
	c.Put("c", 3)

	var sawSize bool
	for _, n := range notifications {
		if n.Cause == Size && n.Key == "b" {
			sawSize = true
		}
	}
	if !sawSize {
		t.Fatalf("expected a SIZE notification for key b, got %+v", notifications)
	}
}

// Computing test: concurrent Get calls for the same absent key must trigger
// the ComputeFunc at most once; subsequent calls are cache hits.
func TestCache_Computing_Coalesces(t *testing.T) {
	var calls int64

	c, err := NewBuilder[string, string]().Computing(func(_ context.Context, k string) (string, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(5 * time.Millisecond) // simulate I/O
		return "v:" + k, nil
	}).Build()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	const n = 64
	var g errgroup.Group
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < n; i++ {
		g.Go(func() error {
			v, err := c.Get(ctx, "k")
			if err != nil {
				return err
			}
			if v != "v:k" {
				return fmt.Errorf("got %q", v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("compute function must run exactly once, got %d", got)
	}

	if v, err := c.Get(context.Background(), "k"); err != nil || v != "v:k" {
		t.Fatalf("second Get failed: v=%q err=%v", v, err)
	}
}

// An external Put racing a pending computation must win: the computation's
// own result is discarded, and every waiter observes the put's value.
func TestCache_Computing_PutWins(t *testing.T) {
	release := make(chan struct{})
	c, err := NewBuilder[string, string]().Computing(func(_ context.Context, k string) (string, error) {
		<-release
		return "computed", nil
	}).Build()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	var g errgroup.Group
	started := make(chan struct{})
	g.Go(func() error {
		close(started)
		v, err := c.Get(context.Background(), "k")
		if err != nil {
			return err
		}
		if v != "winner" {
			return fmt.Errorf("leader observed %q, want winner", v)
		}
		return nil
	})

	<-started
	time.Sleep(10 * time.Millisecond) // let the leader install the placeholder
	c.Put("k", "winner")
	close(release)

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if v, err := c.Get(context.Background(), "k"); err != nil || v != "winner" {
		t.Fatalf("final value want winner, got %q err=%v", v, err)
	}
}

// Context cancellation unblocks one waiter without affecting the
// computation other callers are still waiting on.
func TestCache_Computing_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	c, err := NewBuilder[string, string]().Computing(func(_ context.Context, k string) (string, error) {
		<-release
		return "v", nil
	}).Build()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	// The leader runs the compute function; the cancellable Get below joins
	// it as a waiter on the pending computation.
	leader := make(chan string, 1)
	go func() {
		v, _ := c.Get(context.Background(), "k")
		leader <- v
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "k")
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		var cancelled *CancelledError
		if !errAs(err, &cancelled) {
			t.Fatalf("want CancelledError, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Get did not return")
	}
	close(release)
	if v := <-leader; v != "v" {
		t.Fatalf("leader want v, got %q", v)
	}
}

func errAs(err error, target **CancelledError) bool {
	ce, ok := err.(*CancelledError)
	if !ok {
		return false
	}
	*target = ce
	return true
}

// PutIfAbsent must not stomp on the winning value of a concurrently
// in-flight computation: it reports the eventual published value as loaded.
func TestCache_PutIfAbsent_WaitsOnPendingComputation(t *testing.T) {
	release := make(chan struct{})
	c, err := NewBuilder[string, string]().Computing(func(_ context.Context, k string) (string, error) {
		<-release
		return "computed", nil
	}).Build()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()

	done := make(chan struct{})
	go func() {
		_, _ = c.Get(context.Background(), "k")
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)

	actual, loaded := c.PutIfAbsent("k", "ignored")
	if !loaded || actual != "computed" {
		t.Fatalf("PutIfAbsent want (computed,true), got (%v,%v)", actual, loaded)
	}
	<-done
}

func TestCache_ContainsKey_ContainsValue(t *testing.T) {
	t.Parallel()

	c, err := NewBuilder[string, string]().Build()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	c.Put("a", "1")
	if !c.ContainsKey("a") {
		t.Fatal("expect ContainsKey(a)")
	}
	if c.ContainsKey("b") {
		t.Fatal("expect !ContainsKey(b)")
	}
	if !c.ContainsValue("1") {
		t.Fatal("expect ContainsValue(1)")
	}
	if c.ContainsValue("2") {
		t.Fatal("expect !ContainsValue(2)")
	}
}

func TestCache_ReplaceSemantics(t *testing.T) {
	t.Parallel()

	c, err := NewBuilder[string, string]().Build()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	if _, ok := c.Replace("missing", "v"); ok {
		t.Fatal("Replace on an absent key must fail")
	}
	c.Put("k", "v1")
	if old, ok := c.Replace("k", "v2"); !ok || old != "v1" {
		t.Fatalf("Replace want (v1,true), got (%v,%v)", old, ok)
	}
	if !c.ReplaceExpected("k", "v2", "v3") {
		t.Fatal("ReplaceExpected with matching old value must succeed")
	}
	if c.ReplaceExpected("k", "v2", "v4") {
		t.Fatal("ReplaceExpected with stale old value must fail")
	}
}

func TestCache_ClearFiresExplicit(t *testing.T) {
	t.Parallel()

	var notifications []RemovalNotification[string, string]
	c, err := NewBuilder[string, string]().
		RemovalListener(func(n RemovalNotification[string, string]) { notifications = append(notifications, n) }).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	c.Put("a", "1")
	c.Put("b", "2")
	c.Clear()

	if c.Size() != 0 {
		t.Fatalf("Size after Clear want 0, got %d", c.Size())
	}
	if len(notifications) != 2 {
		t.Fatalf("want 2 EXPLICIT notifications, got %d", len(notifications))
	}
	for _, n := range notifications {
		if n.Cause != Explicit {
			t.Fatalf("want Explicit cause, got %s", n.Cause)
		}
	}
}

func TestCache_ForEach(t *testing.T) {
	t.Parallel()

	c, err := NewBuilder[string, int]().Build()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	want := map[string]int{"a": 1, "b": 2, "c": 3}
	for k, v := range want {
		c.Put(k, v)
	}

	got := make(map[string]int)
	c.ForEach(func(k string, v int) bool {
		got[k] = v
		return true
	})
	if len(got) != len(want) {
		t.Fatalf("ForEach visited %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("ForEach: key %q got %d, want %d", k, got[k], v)
		}
	}
}

// Builder validation: the null-cache degenerate cases must still implement
// Cache and must not panic.
func TestCache_NullCacheMaximumSizeZero(t *testing.T) {
	t.Parallel()

	var notifications []RemovalNotification[string, string]
	c, err := NewBuilder[string, string]().
		MaximumSize(0).
		RemovalListener(func(n RemovalNotification[string, string]) { notifications = append(notifications, n) }).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	c.Put("a", "1")
	if c.Size() != 0 {
		t.Fatal("null cache must never report a resident entry")
	}
	if len(notifications) != 1 || notifications[0].Cause != Size {
		t.Fatalf("want one SIZE notification, got %+v", notifications)
	}
}

// WeakKeys compares keys by identity, not by struct equality: two distinct
// pointers to structurally-identical values never match.
func TestCache_WeakKeys_IdentityEquality(t *testing.T) {
	t.Parallel()

	type sessionKey struct{ id string }

	c, err := NewBuilder[*sessionKey, string]().WeakKeys().Build()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	k1 := &sessionKey{id: "same"}
	c.Put(k1, "v")

	k2 := &sessionKey{id: "same"}
	if _, err := c.Get(context.Background(), k2); err == nil {
		t.Fatal("a structurally-equal but distinct pointer must miss under WeakKeys")
	}
	if v, err := c.Get(context.Background(), k1); err != nil || v != "v" {
		t.Fatalf("the original pointer must still hit, got v=%q err=%v", v, err)
	}
}

func TestBuilder_RejectsDoubleSet(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double-set")
		}
	}()
	NewBuilder[string, string]().MaximumSize(1).MaximumSize(2)
}

func TestBuilder_RejectsLegacyAliasConflict(t *testing.T) {
	t.Parallel()

	_, err := NewBuilder[string, string]().ExpireAfter(time.Second).ExpireAfterWrite(time.Second).Build()
	if err == nil {
		t.Fatal("expected InvalidStateError")
	}
	var invalid *InvalidStateError
	if !asInvalidState(err, &invalid) {
		t.Fatalf("want *InvalidStateError, got %v", err)
	}
}

func asInvalidState(err error, target **InvalidStateError) bool {
	ise, ok := err.(*InvalidStateError)
	if !ok {
		return false
	}
	*target = ise
	return true
}
