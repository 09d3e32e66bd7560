package sync

import (
	"runtime"
	"testing"
)

func TestEventAutoResetSignalWait(t *testing.T) {
	defer func(orig func()) { yieldFn = orig }(yieldFn)
	yieldFn = runtime.Gosched

	defer func(orig func() uint64) { tickFn = orig }(tickFn)
	var tick uint64
	tickFn = func() uint64 { tick++; return tick }

	e := NewEvent(true)
	const signals = 3
	for i := 0; i < signals; i++ {
		e.Signal()
	}

	for i := 0; i < signals; i++ {
		if !e.Wait(10) {
			t.Fatalf("wait %d: expected the event to be signaled", i)
		}
	}

	if e.State() != 0 {
		t.Fatalf("expected state 0 after consuming every signal; got %d", e.State())
	}

	if e.Wait(5) {
		t.Fatal("expected a (signals+1)-th wait to time out")
	}
	if e.State() != 0 {
		t.Fatalf("expected state to remain 0 after a timed-out wait; got %d", e.State())
	}
}

func TestEventManualReset(t *testing.T) {
	defer func(orig func()) { yieldFn = orig }(yieldFn)
	yieldFn = runtime.Gosched
	defer func(orig func() uint64) { tickFn = orig }(tickFn)
	var tick uint64
	tickFn = func() uint64 { tick++; return tick }

	e := NewEvent(false)
	e.Signal()

	if !e.Wait(5) {
		t.Fatal("expected wait to succeed immediately")
	}
	if !e.Wait(5) {
		t.Fatal("expected a manual-reset event to remain signaled until Reset")
	}

	e.Reset()
	if e.Wait(5) {
		t.Fatal("expected wait to time out after Reset")
	}
}

func TestWaitForMultiple(t *testing.T) {
	defer func(orig func()) { yieldFn = orig }(yieldFn)
	yieldFn = runtime.Gosched
	defer func(orig func() uint64) { tickFn = orig }(tickFn)
	var tick uint64
	tickFn = func() uint64 { tick++; return tick }

	a, b := NewEvent(true), NewEvent(true)
	b.Signal()

	idx, ok := WaitForMultiple([]*Event{a, b}, 10)
	if !ok {
		t.Fatal("expected one of the events to be signaled")
	}
	if idx != 1 {
		t.Fatalf("expected index 1 (event b) to be returned; got %d", idx)
	}
}
