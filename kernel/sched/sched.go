// Package sched implements the kernel's preemptive, single-CPU scheduler:
// processes, threads, a FIFO run queue, voluntary yield via a software
// interrupt and timer-driven preemption via IRQ0. It follows the rest of
// this codebase's low-level-mechanism/high-level-policy split: hal, cpu,
// gdt and idt provide the mechanism, this package is the policy layered
// on top of them.
package sched

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/gdt"
	"ia32kernel/kernel/idt"
	"ia32kernel/kernel/kfmt"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/mem/pmm"
	"ia32kernel/kernel/mem/vmm"
	"ia32kernel/kernel/sync"
)

// Priority is a reserved extension point: four priority bands are
// defined but the run queue they feed is currently flat round-robin. Kept
// as a real field on Process/Thread so a future multi-band run queue
// doesn't need a data-model change.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityRealtime
)

// Mode distinguishes a kernel-half thread/process from a user one. It
// decides which code/data/stack selectors a synthesized stack frame uses
// and whether a process gets its own isolated address space or shares the
// kernel's.
type Mode uint8

const (
	ModeKernel Mode = iota
	ModeUser
)

// State is a thread's position in its lifecycle.
type State uint8

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateTerminated
)

const (
	maxThreadsPerProc = 32
	kernelStackSize   = mem.Size(16 * mem.Kb)
	userStackSize     = mem.Size(256 * mem.Kb)
	switchMagic       = 0xC001C0DE
)

// defaultQuantum is the tick budget a fresh thread starts with before
// forced preemption; tunable from the boot command line.
var defaultQuantum uint32 = 5

// SetDefaultQuantum overrides the tick budget newly created threads start
// with. Threads that already exist keep their current quantum.
func SetDefaultQuantum(ticks uint32) {
	if ticks == 0 {
		ticks = 1
	}
	defaultQuantum = ticks
}

var errTooManyThreads = &kernel.Error{Module: "sched", Message: "process already owns the maximum number of threads"}

// Thread owns a kernel stack (always) and, for user threads, a user stack.
// Only esp/ebp/eip are preserved across an ordinary context switch: every
// other general-purpose register is caller-saved and already spilled by
// the compiler before control reaches the switch routine; a full register
// dump only exists transiently in the synthesized first-entry frame built
// by buildInitialStack.
type Thread struct {
	ID       uint32
	process  *Process
	priority Priority
	quantum  uint32
	state    State

	everEntered bool
	savedESP    uintptr
	savedEBP    uintptr
	savedEIP    uintptr

	// entryEIP is a user thread's ring-3 entry point. Kernel threads
	// leave it zero and start at the entry trampoline instead, which
	// dispatches through entryTable.
	entryEIP uintptr

	kernelStack  vmm.Region
	hasUserStack bool
	userStack    vmm.Region

	next *Thread // run-queue link; nil when not queued
}

// Process owns its threads, an address space and a bounded region table
// (via the address space). While a process is live at least one thread
// exists; when the last thread exits the process itself is destroyed.
type Process struct {
	Name      string
	ID        uint32
	Priority  Priority
	Mode      Mode
	AddrSpace *vmm.AddressSpace

	lock     sync.Spinlock
	threads  [maxThreadsPerProc]*Thread
	nThreads int
}

// nextPID/nextTID are monotonically increasing and never recycled; a
// very long-running system will eventually exhaust them.
var (
	nextPID uint32 = 1
	nextTID uint32 = 1
)

// runQueue is the scheduler's singleton state: a single FIFO (priority
// banding is reserved, see Priority) guarded by a spinlock, plus the
// thread currently executing. The running thread is never present in the
// queue itself.
var runQueue struct {
	lock    sync.Spinlock
	head    *Thread
	tail    *Thread
	current *Thread
}

// stacksToReap holds kernel-stack regions whose owning thread has already
// exited. A thread cannot unmap its own kernel stack while still running
// on it (the timer tick that would perform the free runs on that very
// stack), so ExitThread defers the unmap by pushing the region here; the
// next successful context switch drains the list from the thread that is
// about to start running on a different stack.
var stacksToReap []reapEntry

type reapEntry struct {
	as     *vmm.AddressSpace
	addr   uintptr
	freeFn func(pmm.Frame)
}

var tickCount uint64

// freeFrameFn is wired once the physical allocator exists; passed through
// to vmm.UnmapRegion/DestroyHeap calls this package makes.
var freeFrameFn func(pmm.Frame)

// SetFreeFrameFn registers the frame-free entry point used when tearing
// down stacks and address spaces.
func SetFreeFrameFn(fn func(pmm.Frame)) {
	freeFrameFn = fn
}

// Init wires this package into sync (Yield/CurrentOwner/tick source),
// creates the kernel "init" process and registers the timer tick and
// reschedule handlers. entry is the init process's first thread's entry
// point; a second worker thread with the given entry is also created so
// init always runs with at least two threads.
func Init(entry, worker ThreadEntry) (*Process, *kernel.Error) {
	sync.SetYield(Yield)
	sync.SetTick(func() uint64 { return tickCount })
	sync.CurrentOwnerFn = CurrentOwner

	initProc, err := newProcess("init", PriorityNormal, ModeKernel, vmm.KernelAddressSpace())
	if err != nil {
		return nil, err
	}

	t0, err := createThread(initProc, entry, PriorityNormal)
	if err != nil {
		return nil, err
	}
	t1, err := createThread(initProc, worker, PriorityNormal)
	if err != nil {
		return nil, err
	}

	idt.RegisterISR(irq0Vector, Tick)
	idt.RegisterISR(idt.RescheduleVector, Tick)

	enqueue(t1)

	runQueue.current = t0
	t0.state = StateRunning
	return initProc, nil
}

const irq0Vector = idt.Vector(0x20) // master PIC IRQ0, remapped by idt.Init

// ThreadEntry is a thread's entry-point function. Returning from it falls
// into ExitThread via the simulated return address planted on the
// thread's initial stack.
type ThreadEntry func()

func newProcess(name string, pr Priority, mode Mode, as *vmm.AddressSpace) (*Process, *kernel.Error) {
	if as == nil {
		var err *kernel.Error
		as, err = vmm.NewAddressSpace()
		if err != nil {
			return nil, err
		}
	}
	p := &Process{Name: name, ID: nextPID, Priority: pr, Mode: mode, AddrSpace: as}
	nextPID++
	return p, nil
}

// CreateProcess creates a new process with its own address space. User
// processes always get an isolated space whose top quarter aliases the
// kernel (vmm.NewAddressSpace); kernel-mode processes besides "init" are
// created the same way so their region tables don't collide with init's.
func CreateProcess(name string, pr Priority, mode Mode) (*Process, *kernel.Error) {
	return newProcess(name, pr, mode, nil)
}

func createThread(p *Process, entry ThreadEntry, pr Priority) (*Thread, *kernel.Error) {
	p.lock.Acquire()
	if p.nThreads == maxThreadsPerProc {
		p.lock.Release()
		return nil, errTooManyThreads
	}
	p.lock.Release()

	kStack, err := vmm.AllocAndMap(p.AddrSpace, kernelStackSize, vmm.UsageKernelStack, vmm.ReadWrite)
	if err != nil {
		return nil, err
	}

	t := &Thread{
		ID:          nextTID,
		process:     p,
		priority:    pr,
		quantum:     defaultQuantum,
		state:       StateReady,
		kernelStack: kStack,
	}
	nextTID++

	if p.Mode == ModeUser {
		uStack, err := vmm.AllocAndMap(p.AddrSpace, userStackSize, vmm.UsageUserStack, vmm.ReadWrite)
		if err != nil {
			vmm.UnmapRegion(p.AddrSpace, kStack.Addr, freeFrameFn)
			return nil, err
		}
		t.userStack = uStack
		t.hasUserStack = true
	}

	esp, err := buildInitialStack(t)
	if err != nil {
		return nil, err
	}
	t.savedESP = esp

	p.lock.Acquire()
	p.threads[p.nThreads] = t
	p.nThreads++
	p.lock.Release()

	stashEntry(t, entry)
	return t, nil
}

// CreateThread allocates a new thread for p running entry, and enqueues it
// as ready to run.
func CreateThread(p *Process, entry ThreadEntry, pr Priority) (*Thread, *kernel.Error) {
	t, err := createThread(p, entry, pr)
	if err != nil {
		return nil, err
	}
	enqueue(t)
	return t, nil
}

// CreateUserProcess builds a user-mode process whose primary thread will
// begin at entryEIP in ring 3. The thread is not enqueued: the caller (the
// ELF loader) finishes populating the address space first and then hands
// the thread to AddToRunQueue.
func CreateUserProcess(name string, entryEIP uintptr, pr Priority) (*Process, *Thread, *kernel.Error) {
	p, err := newProcess(name, pr, ModeUser, nil)
	if err != nil {
		return nil, nil, err
	}

	t, err := createUserThread(p, entryEIP, pr)
	if err != nil {
		return nil, nil, err
	}
	return p, t, nil
}

// createUserThread is createThread's user-mode variant: instead of a
// kernel entry function dispatched through the trampoline, the
// synthesized frame IRETs straight to entryEIP in ring 3.
func createUserThread(p *Process, entryEIP uintptr, pr Priority) (*Thread, *kernel.Error) {
	p.lock.Acquire()
	if p.nThreads == maxThreadsPerProc {
		p.lock.Release()
		return nil, errTooManyThreads
	}
	p.lock.Release()

	kStack, err := vmm.AllocAndMap(p.AddrSpace, kernelStackSize, vmm.UsageKernelStack, vmm.ReadWrite)
	if err != nil {
		return nil, err
	}

	uStack, err := vmm.AllocAndMap(p.AddrSpace, userStackSize, vmm.UsageUserStack, vmm.ReadWrite)
	if err != nil {
		vmm.UnmapRegion(p.AddrSpace, kStack.Addr, freeFrameFn)
		return nil, err
	}

	t := &Thread{
		ID:           nextTID,
		process:      p,
		priority:     pr,
		quantum:      defaultQuantum,
		state:        StateReady,
		kernelStack:  kStack,
		userStack:    uStack,
		hasUserStack: true,
		entryEIP:     entryEIP,
	}
	nextTID++

	esp, err := buildInitialStack(t)
	if err != nil {
		return nil, err
	}
	t.savedESP = esp

	p.lock.Acquire()
	p.threads[p.nThreads] = t
	p.nThreads++
	p.lock.Release()

	return t, nil
}

// AddToRunQueue marks t ready and places it at the tail of the run queue.
func AddToRunQueue(t *Thread) {
	enqueue(t)
}

// ThreadCount returns the number of live threads p owns.
func (p *Process) ThreadCount() int {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.nThreads
}

// entryTable maps a thread ID to its entry function; the synthesized
// first-entry frame can only encode an address to jump to, not a Go
// closure, so the real dispatch happens in the entry trampoline via this
// table keyed on the current thread. Allocated lazily: a package-level
// map literal would need the runtime allocator before goruntime.Init has
// bootstrapped it.
var entryTable map[uint32]ThreadEntry

func stashEntry(t *Thread, entry ThreadEntry) {
	if entryTable == nil {
		entryTable = make(map[uint32]ThreadEntry)
	}
	entryTable[t.ID] = entry
}

func enqueue(t *Thread) {
	runQueue.lock.Acquire()
	t.state = StateReady
	t.next = nil
	if runQueue.tail != nil {
		runQueue.tail.next = t
	} else {
		runQueue.head = t
	}
	runQueue.tail = t
	runQueue.lock.Release()
}

func dequeue() *Thread {
	runQueue.lock.Acquire()
	defer runQueue.lock.Release()

	t := runQueue.head
	if t == nil {
		return nil
	}
	runQueue.head = t.next
	if runQueue.head == nil {
		runQueue.tail = nil
	}
	t.next = nil
	return t
}

// CurrentThread returns the thread executing on the (single) CPU.
func CurrentThread() *Thread {
	return runQueue.current
}

// CurrentProcess returns the process owning the currently running thread.
func CurrentProcess() *Process {
	if runQueue.current == nil {
		return nil
	}
	return runQueue.current.process
}

// CurrentOwner returns the (pid, tid) of the running thread, used by
// sync.Mutex to record/check lock ownership.
func CurrentOwner() sync.Owner {
	t := runQueue.current
	if t == nil {
		return sync.Owner{}
	}
	return sync.Owner{PID: t.process.ID, TID: t.ID}
}

// switchTo performs the actual handoff to next: it reaps any deferred
// kernel stacks, updates the TSS so the next trap from user mode lands on
// the right stack, activates next's address space if it differs from the
// currently active one, and jumps into it via the first-entry or
// resume-from-saved-context path as appropriate.
func switchTo(prev, next *Thread) {
	drainReapList()

	if next.hasUserStack {
		gdt.SetKernelStack(uint32(next.kernelStack.Addr + uintptr(next.kernelStack.Size)))
	}

	if prev == nil || prev.process.AddrSpace != next.process.AddrSpace {
		next.process.AddrSpace.Activate()
	}

	next.state = StateRunning
	runQueue.current = next

	var prevESP, prevEBP, prevEIP *uintptr
	if prev != nil {
		prevESP, prevEBP, prevEIP = &prev.savedESP, &prev.savedEBP, &prev.savedEIP
	}

	if !next.everEntered {
		next.everEntered = true
		// archFirstEntrySwitch still saves prev's context exactly like
		// archSwitchTo (there may be a genuine predecessor to resume
		// later); the difference is purely in how it resumes next, which
		// has no prior call-chain to `ret` back into. It loads next's
		// synthesized ESP and falls straight into the shared
		// register-pop-then-IRET epilogue instead.
		archFirstEntrySwitch(prevESP, prevEBP, prevEIP, next.savedESP, switchMagic)
		return
	}

	archSwitchTo(prevESP, prevEBP, prevEIP, next.savedESP, next.savedEBP, next.savedEIP, switchMagic)
}

func drainReapList() {
	if len(stacksToReap) == 0 {
		return
	}
	for _, e := range stacksToReap {
		vmm.UnmapRegion(e.as, e.addr, e.freeFn)
	}
	stacksToReap = stacksToReap[:0]
}

// Tick is IRQ0's handler and also the target of the 0x81 reschedule
// software interrupt (Yield). If regs.EAX carries the switch sentinel, this invocation is the resumption of a thread that was
// switched into a moment ago by a sibling CPU-context — i.e. we are
// "returning" from archSwitchTo/archFirstEntry into the very thread that
// is now resuming inside this same handler, so re-enqueueing it would be
// wrong; return immediately. Otherwise this is a genuine preemption: park
// the running thread at the tail of the run queue, pick the next one and
// switch.
func Tick(regs *idt.Registers, frame *idt.Frame) {
	tickCount++

	if regs.EAX == switchMagic {
		return
	}

	prev := runQueue.current
	if prev != nil && prev.state == StateRunning {
		prev.savedEIP = uintptr(frame.EIP)
		enqueue(prev)
	}

	next := dequeue()
	if next == nil {
		if prev != nil {
			prev.state = StateRunning
			runQueue.current = prev
		}
		return
	}

	switchTo(prev, next)
}

// Yield raises the 0x81 software interrupt so the calling thread
// voluntarily hands off the CPU without waiting for its quantum to
// expire, running exactly the same routine as the timer tick.
func Yield() {
	raiseReschedule()
}

// ExitThread removes the calling thread from its process's thread table,
// unmaps its user stack (if any), defers its kernel-stack unmap to the
// next switch, and spins (yielding) until preempted. If this was the
// process's last thread, the process is torn down.
func ExitThread() {
	t := runQueue.current
	if t == nil {
		return
	}
	p := t.process

	p.lock.Acquire()
	for i := 0; i < p.nThreads; i++ {
		if p.threads[i] == t {
			p.nThreads--
			p.threads[i] = p.threads[p.nThreads]
			p.threads[p.nThreads] = nil
			break
		}
	}
	remaining := p.nThreads
	p.lock.Release()

	if t.hasUserStack {
		vmm.UnmapRegion(p.AddrSpace, t.userStack.Addr, freeFrameFn)
	}
	stacksToReap = append(stacksToReap, reapEntry{as: p.AddrSpace, addr: t.kernelStack.Addr, freeFn: freeFrameFn})
	delete(entryTable, t.ID)

	t.state = StateTerminated

	if remaining == 0 {
		destroyProcess(p)
	}

	for {
		Yield()
	}
}

// destroyProcess releases whatever of a finished process's bookkeeping
// this kernel tracks outside its address space's own region table. The
// address space's page directory itself is intentionally left mapped:
// tearing down every page table and frame it owns would require walking
// all 1024 directory entries, which is squarely VMM territory and not
// something the scheduler should duplicate; it is out of scope here the
// same way swap and demand paging are out of scope for vmm.
func destroyProcess(p *Process) {
	kfmt.Printf("[sched] process %s (pid %d) exited\n", p.Name, p.ID)
}
