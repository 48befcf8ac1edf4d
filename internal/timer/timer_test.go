package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/ibase-go/reliabletcp/internal/loop"
)

func TestStartFiresAfterDelayThenInterval(t *testing.T) {
	l := loop.New()
	defer l.Stop()
	s := New(l)

	var fires atomic.Int32
	id := s.Start(func() { fires.Add(1) }, 20*time.Millisecond, 20*time.Millisecond)
	if id == 0 {
		t.Fatal("expected nonzero timer id")
	}

	time.Sleep(90 * time.Millisecond)
	s.Stop(id)
	n := fires.Load()
	if n < 2 {
		t.Fatalf("expected at least 2 fires, got %d", n)
	}
}

func TestZeroIntervalFiresOnce(t *testing.T) {
	l := loop.New()
	defer l.Stop()
	s := New(l)

	var fires atomic.Int32
	s.Start(func() { fires.Add(1) }, 10*time.Millisecond, 0)

	time.Sleep(80 * time.Millisecond)
	if n := fires.Load(); n != 1 {
		t.Fatalf("expected exactly 1 fire, got %d", n)
	}
}

func TestStopPreventsFurtherFires(t *testing.T) {
	l := loop.New()
	defer l.Stop()
	s := New(l)

	var fires atomic.Int32
	id := s.Start(func() { fires.Add(1) }, 10*time.Millisecond, 10*time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	s.Stop(id)
	after := fires.Load()

	time.Sleep(50 * time.Millisecond)
	if fires.Load() != after {
		t.Fatalf("timer fired after Stop: before=%d after=%d", after, fires.Load())
	}
}

func TestStopUnknownIDIsNoop(t *testing.T) {
	l := loop.New()
	defer l.Stop()
	s := New(l)
	s.Stop(0)
	s.Stop(999)
}
