package dedup

import "testing"

func TestObserveFlagsImmediateDuplicate(t *testing.T) {
	tr := New()
	if tr.Observe(1, 1, 1000) {
		t.Fatal("first observation should not be a duplicate")
	}
	if !tr.Observe(1, 1, 1000) {
		t.Fatal("second observation of same (cmd,seq) should be a duplicate")
	}
	if tr.Observe(1, 2, 1000) {
		t.Fatal("different seq should not be flagged duplicate")
	}
}

func TestObserveExpiresAfterWindow(t *testing.T) {
	tr := New()
	tr.Observe(1, 1, 1000)
	if tr.Observe(1, 1, 1000+windowSeconds-1) != true {
		t.Fatal("id should still be tracked just inside the window")
	}
	if tr.Observe(2, 2, 1000+windowSeconds-1) {
		t.Fatal("different id should not read as duplicate")
	}
	if tr.Observe(1, 1, 1000+windowSeconds+5) {
		t.Fatal("id should have expired once the window has fully rolled past it")
	}
}

func TestClearResetsState(t *testing.T) {
	tr := New()
	tr.Observe(1, 1, 1000)
	tr.Clear()
	if tr.Observe(1, 1, 1000) {
		t.Fatal("expected a fresh tracker after Clear")
	}
}

func TestObserveHandlesLargeTimeJump(t *testing.T) {
	tr := New()
	tr.Observe(1, 1, 1000)
	// A jump far larger than the window must not panic or wrap oddly.
	if tr.Observe(1, 1, 1000+10_000) {
		t.Fatal("id from long ago should not read as duplicate")
	}
}
