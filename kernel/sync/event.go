package sync

// TimeoutInfinite tells Wait to block until the event is signaled, never
// timing out.
const TimeoutInfinite = 0xFFFFFFFF

// tickFn returns a monotonically increasing tick count; wired to the
// scheduler's timer tick once sched exists. Wait uses it to measure
// elapsed timeout ticks without depending on a wall clock; a timeout of 0
// is treated as 1 tick so the caller always gets one state check.
var tickFn = func() uint64 { return 0 }

// SetTick wires the scheduler's tick counter.
func SetTick(fn func() uint64) {
	tickFn = fn
}

// Event is a counting synchronization primitive with an optional
// autoreset flag. Signal increments the counter; Wait spins, yielding the
// CPU between checks, until the counter is nonzero (consuming one count if
// autoreset) or the timeout elapses.
type Event struct {
	lock      Spinlock
	state     uint32
	autoReset bool
}

// NewEvent constructs an Event with the given autoreset behavior. The zero
// value of Event is also usable and behaves as a manual-reset event with
// state 0.
func NewEvent(autoReset bool) *Event {
	return &Event{autoReset: autoReset}
}

// Signal increments the event's state counter, waking any waiter whose
// next poll observes state > 0.
func (e *Event) Signal() {
	e.lock.Acquire()
	e.state++
	e.lock.Release()
}

// Reset forces the event's state back to 0 regardless of autoreset.
func (e *Event) Reset() {
	e.lock.Acquire()
	e.state = 0
	e.lock.Release()
}

// poll reports whether the event is currently signaled, consuming one
// count if the event is autoreset.
func (e *Event) poll() bool {
	e.lock.Acquire()
	defer e.lock.Release()

	if e.state == 0 {
		return false
	}
	if e.autoReset {
		e.state--
	}
	return true
}

// State returns the event's current counter value without consuming it.
func (e *Event) State() uint32 {
	e.lock.Acquire()
	defer e.lock.Release()
	return e.state
}

// Wait spins-and-yields until the event becomes signaled or timeoutTicks
// elapses. A timeout of 0 is treated as 1 tick, so the caller is
// guaranteed at least one state check; TimeoutInfinite never times out.
// Returns true if the event was observed signaled, false on timeout.
func (e *Event) Wait(timeoutTicks uint32) bool {
	if timeoutTicks == 0 {
		timeoutTicks = 1
	}

	if e.poll() {
		return true
	}
	if timeoutTicks == TimeoutInfinite {
		for {
			yield()
			if e.poll() {
				return true
			}
		}
	}

	deadline := tickFn() + uint64(timeoutTicks)
	for tickFn() < deadline {
		yield()
		if e.poll() {
			return true
		}
	}
	return false
}

// WaitForMultiple is a fan-in variant that returns the index of the first
// event in events to become signaled, or ok=false if timeoutTicks elapses
// first. Matches event_waitfor_multiple's (list, count, timeout, &which)
// signature, restructured as a slice return.
func WaitForMultiple(events []*Event, timeoutTicks uint32) (which int, ok bool) {
	if timeoutTicks == 0 {
		timeoutTicks = 1
	}

	check := func() (int, bool) {
		for i, ev := range events {
			if ev.poll() {
				return i, true
			}
		}
		return 0, false
	}

	if idx, hit := check(); hit {
		return idx, true
	}

	if timeoutTicks == TimeoutInfinite {
		for {
			yield()
			if idx, hit := check(); hit {
				return idx, true
			}
		}
	}

	deadline := tickFn() + uint64(timeoutTicks)
	for tickFn() < deadline {
		yield()
		if idx, hit := check(); hit {
			return idx, true
		}
	}
	return 0, false
}
