package loop

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPostRunsOnLoopGoroutine(t *testing.T) {
	l := New()
	defer l.Stop()

	done := make(chan struct{})
	var ran atomic.Bool
	l.Post(func() {
		ran.Store(true)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted task never ran")
	}
	if !ran.Load() {
		t.Fatal("task did not run")
	}
}

func TestCallBlocksUntilDone(t *testing.T) {
	l := New()
	defer l.Stop()

	var n int
	l.Call(func() { n = 42 })
	if n != 42 {
		t.Fatalf("n = %d, want 42", n)
	}
}

func TestCallOrdersWithPost(t *testing.T) {
	l := New()
	defer l.Stop()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { order = append(order, i) })
	}
	l.Call(func() {})

	if len(order) != 5 {
		t.Fatalf("got %d entries, want 5", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestStopIsIdempotentAndStopsFurtherPosts(t *testing.T) {
	l := New()
	l.Stop()
	l.Stop() // must not panic

	ran := make(chan struct{}, 1)
	l.Post(func() { ran <- struct{}{} })

	select {
	case <-ran:
		t.Fatal("task ran after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}
