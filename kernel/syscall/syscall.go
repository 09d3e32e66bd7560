// Package syscall implements the user→kernel gateway: software interrupt
// 0x80 with the syscall id in EAX, arguments in EBX/ECX/EDX and the result
// stored back into the saved frame's EAX before the IRET. The dispatch
// table in table_gen.go is generated by tools/syscallgen from the
// //syscall:name=id directives on the handlers below.
package syscall

import (
	"unsafe"

	"ia32kernel/kernel/idt"
	"ia32kernel/kernel/kfmt"
	"ia32kernel/kernel/sched"
	"ia32kernel/kernel/sync"
	"ia32kernel/kernel/vfs"
)

//go:generate go run ia32kernel/tools/syscallgen -pkg . -out table_gen.go

// handlerFn mutates the saved register frame in place; whatever it leaves
// in EAX is what user mode observes as the syscall's result.
type handlerFn func(regs *idt.Registers)

const (
	resultOK    uint32 = 0
	resultError uint32 = 0xFFFFFFFF

	// ConsoleHandle is the well-known stream handle connected to the
	// kernel console.
	ConsoleHandle uint32 = 1

	maxUserStringLength = 1024
)

// handles maps the opaque uint32 values handed to user mode onto the
// kernel objects they denote. Handles are never recycled within a boot;
// the counter shares the monotonic-id convention the scheduler uses for
// pids.
var handles struct {
	lock    sync.Spinlock
	streams map[uint32]*vfs.Stream
	mutexes map[uint32]*sync.Mutex
	next    uint32
}

// Init sets up the handle tables and installs the 0x80 gateway.
func Init() {
	handles.streams = make(map[uint32]*vfs.Stream)
	handles.mutexes = make(map[uint32]*sync.Mutex)
	handles.next = ConsoleHandle + 1

	idt.RegisterISR(idt.SyscallVector, dispatch)
}

func dispatch(regs *idt.Registers, frame *idt.Frame) {
	id := regs.EAX
	if id >= uint32(len(table)) || table[id] == nil {
		regs.EAX = resultError
		return
	}
	table[id](regs)
}

func newHandle() uint32 {
	h := handles.next
	handles.next++
	return h
}

// readUserString copies a NUL-terminated string out of the current
// address space. The caller's page tables are still active during a
// syscall, so the user pointer is directly dereferenceable; the length
// cap bounds the damage a missing terminator can do.
func readUserString(addr uintptr) string {
	if addr == 0 {
		return ""
	}
	buf := make([]byte, 0, 64)
	for i := uintptr(0); i < maxUserStringLength; i++ {
		b := *(*byte)(unsafe.Pointer(addr + i))
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

// readUserBytes copies size bytes from the current address space.
func readUserBytes(addr uintptr, size uint32) []byte {
	if addr == 0 || size == 0 {
		return nil
	}
	buf := make([]byte, size)
	for i := uintptr(0); i < uintptr(size); i++ {
		buf[i] = *(*byte)(unsafe.Pointer(addr + i))
	}
	return buf
}

// sysTest is the no-op syscall used to smoke-test the gateway from user
// mode.
//
//syscall:test=0
func sysTest(regs *idt.Registers) {
	kfmt.Printf("[syscall] test invoked by pid %d\n", currentPID())
	regs.EAX = resultOK
}

// sysExit terminates the calling thread; when it was its process's last
// thread the process goes with it. Does not return to the caller.
//
//syscall:exit=1
func sysExit(regs *idt.Registers) {
	regs.EAX = resultOK
	sched.ExitThread()
}

// sysFopen opens the NUL-terminated path at EBX with the mode word in EDX
// and returns a stream handle in EAX, or 0 on failure.
//
//syscall:fopen=2
func sysFopen(regs *idt.Registers) {
	path := readUserString(uintptr(regs.EBX))
	mode := vfs.OpenMode(regs.EDX)

	s, err := vfs.Open(path, mode)
	if err != nil {
		regs.EAX = 0
		return
	}

	handles.lock.Acquire()
	h := newHandle()
	handles.streams[h] = s
	handles.lock.Release()

	regs.EAX = h
}

// sysFclose closes the stream handle in EBX.
//
//syscall:fclose=3
func sysFclose(regs *idt.Registers) {
	handles.lock.Acquire()
	s, ok := handles.streams[regs.EBX]
	delete(handles.streams, regs.EBX)
	handles.lock.Release()

	if !ok {
		regs.EAX = resultError
		return
	}
	if err := s.Close(); err != nil {
		regs.EAX = resultError
		return
	}
	regs.EAX = resultOK
}

// sysFwrite writes EDX bytes from the buffer at ECX to the stream handle
// in EBX. Handle 1 is the kernel console. Returns the byte count written
// in EAX.
//
//syscall:fwrite=4
func sysFwrite(regs *idt.Registers) {
	data := readUserBytes(uintptr(regs.ECX), regs.EDX)

	if regs.EBX == ConsoleHandle {
		kfmt.Printf("%s", string(data))
		regs.EAX = uint32(len(data))
		return
	}

	handles.lock.Acquire()
	s, ok := handles.streams[regs.EBX]
	handles.lock.Release()

	if !ok {
		regs.EAX = resultError
		return
	}
	n, err := s.Write(data)
	if err != nil {
		regs.EAX = resultError
		return
	}
	regs.EAX = uint32(n)
}

// Mutex subcommands carried in EBX.
const (
	mutexCreate uint32 = iota
	mutexLock
	mutexUnlock
	mutexDestroy
)

// sysMutex multiplexes mutex operations: the subcommand in EBX, the
// mutex handle in EDX (ignored by create, which returns a fresh handle in
// EAX).
//
//syscall:mutex=5
func sysMutex(regs *idt.Registers) {
	switch regs.EBX {
	case mutexCreate:
		handles.lock.Acquire()
		h := newHandle()
		handles.mutexes[h] = &sync.Mutex{}
		handles.lock.Release()
		regs.EAX = h

	case mutexLock, mutexUnlock, mutexDestroy:
		handles.lock.Acquire()
		m, ok := handles.mutexes[regs.EDX]
		handles.lock.Release()
		if !ok {
			regs.EAX = resultError
			return
		}

		switch regs.EBX {
		case mutexLock:
			m.Lock()
		case mutexUnlock:
			m.Unlock()
		case mutexDestroy:
			m.Destroy()
			handles.lock.Acquire()
			delete(handles.mutexes, regs.EDX)
			handles.lock.Release()
		}
		regs.EAX = resultOK

	default:
		regs.EAX = resultError
	}
}

func currentPID() uint32 {
	if p := sched.CurrentProcess(); p != nil {
		return p.ID
	}
	return 0
}
