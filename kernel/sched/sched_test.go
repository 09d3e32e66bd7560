package sched

import (
	"testing"

	"ia32kernel/kernel/mem/vmm"
)

func resetRunQueue() {
	runQueue.head = nil
	runQueue.tail = nil
	runQueue.current = nil
}

func TestEnqueueDequeueIsFIFO(t *testing.T) {
	resetRunQueue()

	a := &Thread{ID: 1}
	b := &Thread{ID: 2}
	c := &Thread{ID: 3}

	enqueue(a)
	enqueue(b)
	enqueue(c)

	for _, want := range []*Thread{a, b, c} {
		got := dequeue()
		if got != want {
			t.Fatalf("expected thread %d, got %v", want.ID, got)
		}
	}
	if dequeue() != nil {
		t.Errorf("expected an empty run queue to dequeue nil")
	}
}

func TestEnqueueSetsReadyAndClearsLink(t *testing.T) {
	resetRunQueue()

	a := &Thread{ID: 1, state: StateRunning}
	enqueue(a)

	if a.state != StateReady {
		t.Errorf("expected enqueued thread to become Ready, got %v", a.state)
	}
	if a.next != nil {
		t.Errorf("expected the tail of the queue to have a nil next link")
	}
}

func TestCurrentThreadAndOwner(t *testing.T) {
	resetRunQueue()

	if got := CurrentThread(); got != nil {
		t.Fatalf("expected no current thread before one is set, got %v", got)
	}
	if got := CurrentOwner(); got != (Owner{}) {
		t.Fatalf("expected a zero Owner with no current thread, got %v", got)
	}

	p := &Process{ID: 7}
	th := &Thread{ID: 42, process: p}
	runQueue.current = th

	owner := CurrentOwner()
	if owner.PID != 7 || owner.TID != 42 {
		t.Errorf("expected owner {7,42}, got %+v", owner)
	}
}

func TestDrainReapListClearsQueue(t *testing.T) {
	// The address space holds no region at the reaped address, so
	// UnmapRegion returns without touching any page table; the point of
	// this test is only that the reap list is emptied.
	stacksToReap = []reapEntry{
		{as: &vmm.AddressSpace{}, addr: 0xC8000000},
	}
	drainReapList()
	if len(stacksToReap) != 0 {
		t.Errorf("expected drainReapList to empty the queue, len=%d", len(stacksToReap))
	}
}
