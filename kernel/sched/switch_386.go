package sched

// archSwitchTo performs an ordinary context switch between two threads
// that have both run before: it saves the calling context's esp/ebp and
// its own resume point into *prevESP/*prevEBP/*prevEIP (a no-op if
// prevESP is nil, i.e. there was no predecessor), loads newESP/newEBP,
// places switchMagic in EAX and jumps to newEIP. newEIP is always a point
// inside this very function's own earlier invocation for the thread being
// resumed (specifically, the instruction after the call that originally
// parked it here), which is what makes the EAX sentinel meaningful: when
// that call returns, Tick recognizes it is not handling a fresh timer
// interrupt and returns immediately instead of re-enqueuing the resuming
// thread a second time.
func archSwitchTo(prevESP, prevEBP, prevEIP *uintptr, newESP, newEBP, newEIP uintptr, switchMagic uint32)

// archFirstEntrySwitch behaves like archSwitchTo for saving the outgoing
// thread's context, but the incoming thread has never run: there is no
// saved EIP to resume into, only the synthesized stack buildInitialStack
// left at newESP. Instead of restoring ebp/eip and `ret`-ing, this loads
// ESP = newESP, places switchMagic in EAX, and falls into the same
// register-pop-then-IRET epilogue the real ISR stubs use, which consumes
// exactly the frame buildInitialStack wrote and transfers control to the
// thread's entry point for the first time.
func archFirstEntrySwitch(prevESP, prevEBP, prevEIP *uintptr, newESP uintptr, switchMagic uint32)

// raiseReschedule executes `int 0x81`, the software interrupt Yield uses
// to force a voluntary reschedule through the exact same path a timer
// preemption takes.
func raiseReschedule()

// archEntryTrampolineAddr returns the address of the small assembly
// stub every freshly synthesized thread's EIP points at. The stub reads
// the running thread's ID (CurrentThread, valid by the time this runs
// since switchTo already updated runQueue.current before transferring
// control), looks up and calls its entry function via dispatchEntry, and
// falls through into ExitThread if that call ever returns -- the
// kernel-thread half of the simulated-return-address mechanism is
// realized by this trampoline plus the
// exitThreadTrampolineAddr word buildInitialStack writes right above the
// synthesized frame.
func archEntryTrampolineAddr() uintptr

// exitThreadTrampolineAddr returns the address of the assembly stub that
// calls ExitThread. It is the return address buildInitialStack writes
// just past a kernel thread's synthesized frame, so a kernel entry
// function that returns normally (rather than calling ExitThread itself)
// still terminates cleanly.
func exitThreadTrampolineAddr() uintptr

// dispatchEntry is called by the trampoline at archEntryTrampolineAddr
// for the thread identified by id. It exists as a plain Go function
// (rather than being inlined into the trampoline) purely so the
// entry-function lookup and invocation happens in normal Go calling
// convention instead of hand-written assembly.
func dispatchEntry(id uint32) {
	entry, ok := entryTable[id]
	if !ok {
		ExitThread()
		return
	}
	entry()
	ExitThread()
}
