package concache

import (
	"errors"
	"testing"
)

// publish must be idempotent: a second call after the first is a silent
// no-op rather than a double-close panic on done.
func TestComputation_PublishTwiceIsSafe(t *testing.T) {
	c := newComputation[string]()

	c.publish("first", nil)
	c.publish("second", errors.New("ignored"))

	v, err := c.outcome()
	if err != nil || v != "first" {
		t.Fatalf("outcome want (first,nil), got (%v,%v) — second publish must lose", v, err)
	}
}

// outcome must block until publish runs, then return its exact value/err.
func TestComputation_OutcomeBlocksUntilPublish(t *testing.T) {
	c := newComputation[int]()
	done := make(chan struct{})
	var v int
	var err error

	go func() {
		v, err = c.outcome()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("outcome returned before publish")
	default:
	}

	c.publish(42, nil)
	<-done
	if err != nil || v != 42 {
		t.Fatalf("outcome want (42,nil), got (%v,%v)", v, err)
	}
}

func TestComputation_MarkDiscarded(t *testing.T) {
	c := newComputation[int]()
	if c.isDiscarded() {
		t.Fatal("fresh computation must not be discarded")
	}
	c.markDiscarded()
	if !c.isDiscarded() {
		t.Fatal("isDiscarded must report true after markDiscarded")
	}
}
