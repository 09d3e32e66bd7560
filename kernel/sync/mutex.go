package sync

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/kfmt"
)

// panicFn is a package-level var so tests can observe an invariant
// violation without actually halting the CPU; production code leaves it
// wired to kfmt.Panic.
var panicFn = kfmt.Panic

// Owner identifies the (pid, tid) pair that currently holds a Mutex.
type Owner struct {
	PID uint32
	TID uint32
}

// CurrentOwnerFn returns the (pid, tid) of the thread calling Lock/Unlock.
// Wired to sched.CurrentOwner once the scheduler exists; until then every
// caller is treated as the same owner, which is sufficient for the
// single-threaded paths that run before sched.Init.
var CurrentOwnerFn = func() Owner { return Owner{} }

// Mutex is a recursive lock with ownership tracking, guarded internally by
// a Spinlock. Recording the (pid, tid) of the first locker lets that same
// thread re-acquire the lock without blocking; any other thread blocks
// until the count returns to zero.
type Mutex struct {
	inner Spinlock
	count uint32
	owner Owner
	held  bool
}

// Lock acquires the mutex. If the calling thread already holds it, the
// recursion count is incremented and Lock returns immediately without
// blocking.
func (m *Mutex) Lock() {
	caller := CurrentOwnerFn()
	for {
		m.inner.Acquire()
		if !m.held || m.owner == caller {
			m.owner = caller
			m.held = true
			m.count++
			m.inner.Release()
			return
		}
		m.inner.Release()
		yield()
	}
}

// TryLock attempts to acquire the mutex without blocking, returning true
// on success. Recursive re-entry by the current owner always succeeds.
func (m *Mutex) TryLock() bool {
	caller := CurrentOwnerFn()
	m.inner.Acquire()
	defer m.inner.Release()

	if !m.held || m.owner == caller {
		m.owner = caller
		m.held = true
		m.count++
		return true
	}
	return false
}

// Unlock decrements the recursion count and releases the mutex entirely
// once it reaches zero. Calling Unlock from a thread other than the
// current owner is an invariant violation, not a recoverable error: it
// panics immediately rather than letting a caller silently corrupt lock
// state.
func (m *Mutex) Unlock() {
	caller := CurrentOwnerFn()
	m.inner.Acquire()
	defer m.inner.Release()

	if !m.held || m.owner != caller {
		panicFn(errNotOwner)
		return
	}
	m.count--
	if m.count == 0 {
		m.held = false
		m.owner = Owner{}
	}
}

// IsHeldByCurrent reports whether the calling thread currently holds this
// mutex, recursively or otherwise.
func (m *Mutex) IsHeldByCurrent() bool {
	caller := CurrentOwnerFn()
	m.inner.Acquire()
	defer m.inner.Release()
	return m.held && m.owner == caller
}

// Destroy waits for every recursive lock level to clear before returning.
// A live count at destroy time is a caller bug, but Destroy yields until
// it clears rather than surfacing a new error type.
func (m *Mutex) Destroy() {
	for {
		m.inner.Acquire()
		count := m.count
		m.inner.Release()
		if count == 0 {
			return
		}
		yield()
	}
}

var errNotOwner = &kernel.Error{Module: "sync", Message: "mutex unlock attempted by a thread that is not the current owner"}
