package dataType

import (
	"testing"
	"time"
)

func TestDropCounterWindow(t *testing.T) {
	now := int64(1000)
	dc := NewDropCounter(8, 60)
	dc.now = func() int64 { return now }

	a := AddressFrom4([4]byte{192, 0, 2, 1})
	b := AddressFrom4([4]byte{192, 0, 2, 2})

	dc.Add(a, 1)
	now++
	dc.Add(a, 2)
	dc.Add(b, 5)

	if got := dc.Query(a, 60); got != 3 {
		t.Errorf("Query(a, 60) = %d, want 3", got)
	}
	if got := dc.Query(a, 1); got != 2 {
		t.Errorf("Query(a, 1) = %d, want 2", got)
	}
	if got := dc.Query(b, 60); got != 5 {
		t.Errorf("Query(b, 60) = %d, want 5", got)
	}

	// Past the window the old segments no longer count.
	now += 60
	if got := dc.Query(a, 60); got != 0 {
		t.Errorf("Query after window = %d, want 0", got)
	}

	// lastN beyond the window is capped.
	dc.Add(a, 4)
	if got := dc.Query(a, 1000); got != 4 {
		t.Errorf("Query(a, 1000) = %d, want 4", got)
	}

	dc.Reset(a)
	if got := dc.Query(a, 60); got != 0 {
		t.Errorf("Query after Reset = %d, want 0", got)
	}
}

func TestDropCounterGC(t *testing.T) {
	now := int64(5000)
	dc := NewDropCounter(4, 10)
	dc.now = func() int64 { return now }

	dc.Add(AddressFrom4([4]byte{1, 1, 1, 1}), 1)
	now += 5
	dc.Add(AddressFrom4([4]byte{2, 2, 2, 2}), 1)
	if dc.Len() != 2 {
		t.Fatalf("Len = %d, want 2", dc.Len())
	}

	now += 8
	dc.GC()
	if dc.Len() != 1 {
		t.Errorf("Len after GC = %d, want 1", dc.Len())
	}
}

func TestStartCounterGCStops(t *testing.T) {
	dc := NewDropCounter(1, 1)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		StartCounterGC(dc, time.Millisecond, stop)
		close(done)
	}()
	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StartCounterGC did not return after stop")
	}
}
