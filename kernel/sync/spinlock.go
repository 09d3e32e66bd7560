// Package sync provides the kernel's interrupt-safe synchronization
// primitives: a spinlock that saves and restores the interrupt-enable
// flag, a recursive mutex with ownership tracking built on top of one,
// and a counting event with autoreset and timeout semantics. Hardware
// primitives and the scheduler hook are package-level function variables
// so tests can swap in fakes.
package sync

import "sync/atomic"

var (
	// yieldFn is substituted for runtime.Gosched in tests and wired to
	// the real scheduler's Yield once sched exists, replacing the
	// permanent no-op this package started with.
	yieldFn func()

	// cliFn/stiFn/readEFlagsFn are package-level so tests can substitute
	// fakes instead of executing privileged instructions; a production
	// build has the compiler inline them away.
	cliFn        = func() {}
	stiFn        = func() {}
	readEFlagsFn = func() uint32 { return eflagsIF }
)

// eflagsIF is the test-only stand-in for the CPU's real IF bit; SetHAL
// wires the real hal.Cli/hal.Sti/hal.ReadEFlags primitives in at boot.
var eflagsIF uint32 = eflagsIFBit

const eflagsIFBit = 1 << 9

// SetHAL wires the real hardware primitives this package needs once the
// HAL is available; called once from kernel boot wiring. Tests never call
// this and instead exercise the package against the stand-in above.
func SetHAL(cli, sti func(), readEFlags func() uint32) {
	cliFn = cli
	stiFn = sti
	readEFlagsFn = readEFlags
}

// SetYield wires the scheduler's voluntary-yield entry point; called once
// sched.Init has run. Before that, Event.Wait and Mutex.Lock's retry loops
// simply spin without yielding.
func SetYield(fn func()) {
	yieldFn = fn
}

func yield() {
	if yieldFn != nil {
		yieldFn()
	}
}

// Spinlock implements a lock where each task trying to acquire it
// busy-waits until the lock becomes available. Acquire first captures the
// caller's EFLAGS.IF bit and disables interrupts; Release restores IF to
// whatever it was at the matching Acquire. This is what makes a spinlock
// safe against being re-entered by an interrupt handler running on the
// same CPU: the critical section it guards can never be interrupted by
// itself.
type Spinlock struct {
	state uint32
	ifWas bool
}

// Acquire disables interrupts (after recording whether they were enabled)
// and blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will
// cause a deadlock; use Mutex for recursive locking.
func (l *Spinlock) Acquire() {
	ifWas := readEFlagsFn()&eflagsIFBit != 0
	cliFn()
	archAcquireSpinlock(&l.state, 1)
	l.ifWas = ifWas
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise. Like Acquire, a successful
// TryToAcquire disables interrupts; the caller must still pair it with
// Release.
func (l *Spinlock) TryToAcquire() bool {
	ifWas := readEFlagsFn()&eflagsIFBit != 0
	cliFn()
	if atomic.SwapUint32(&l.state, 1) == 0 {
		l.ifWas = ifWas
		return true
	}
	if ifWas {
		stiFn()
	}
	return false
}

// Release relinquishes a held lock, restoring interrupts to whatever state
// they were in immediately before the matching Acquire. Calling Release
// while the lock is free has no effect beyond a spurious interrupt-state
// restore.
func (l *Spinlock) Release() {
	ifWas := l.ifWas
	atomic.StoreUint32(&l.state, 0)
	if ifWas {
		stiFn()
	}
}

// archAcquireSpinlock is an arch-specific implementation for acquiring the
// lock: an atomic exchange-1-return-old, looped until the old value is 0.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32)
