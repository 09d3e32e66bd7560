package syscall

import (
	"testing"
	"unsafe"

	"ia32kernel/kernel/idt"
	"ia32kernel/kernel/sync"
	"ia32kernel/kernel/vfs"
)

// setupTables resets the handle tables without installing the IDT gate,
// which tests drive by calling dispatch directly.
func setupTables(t *testing.T) {
	t.Helper()
	handles.streams = make(map[uint32]*vfs.Stream)
	handles.mutexes = make(map[uint32]*sync.Mutex)
	handles.next = ConsoleHandle + 1

	if err := vfs.Init(); err != nil {
		t.Fatalf("vfs.Init failed: %v", err)
	}
}

func TestDispatchRejectsUnknownID(t *testing.T) {
	setupTables(t)

	regs := &idt.Registers{EAX: 999}
	dispatch(regs, &idt.Frame{})
	if regs.EAX != resultError {
		t.Errorf("expected resultError in EAX, got %#x", regs.EAX)
	}
}

func TestSysTestReturnsOK(t *testing.T) {
	setupTables(t)

	regs := &idt.Registers{EAX: SysTest}
	dispatch(regs, &idt.Frame{})
	if regs.EAX != resultOK {
		t.Errorf("expected resultOK, got %#x", regs.EAX)
	}
}

func TestFopenFwriteFcloseRoundTrip(t *testing.T) {
	setupTables(t)

	if err := vfs.Create("/scratch", vfs.PermAll); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	path := append([]byte("/scratch"), 0)
	regs := &idt.Registers{
		EAX: SysFopen,
		EBX: uint32(uintptr(unsafe.Pointer(&path[0]))),
		EDX: uint32(vfs.OpenReadWrite),
	}
	dispatch(regs, &idt.Frame{})

	handle := regs.EAX
	if handle == 0 {
		t.Fatalf("fopen returned handle 0")
	}

	payload := []byte("written via int 0x80")
	regs = &idt.Registers{
		EAX: SysFwrite,
		EBX: handle,
		ECX: uint32(uintptr(unsafe.Pointer(&payload[0]))),
		EDX: uint32(len(payload)),
	}
	dispatch(regs, &idt.Frame{})
	if regs.EAX != uint32(len(payload)) {
		t.Fatalf("fwrite returned %#x; want %d", regs.EAX, len(payload))
	}

	regs = &idt.Registers{EAX: SysFclose, EBX: handle}
	dispatch(regs, &idt.Frame{})
	if regs.EAX != resultOK {
		t.Fatalf("fclose returned %#x", regs.EAX)
	}

	// The handle is gone now.
	regs = &idt.Registers{EAX: SysFclose, EBX: handle}
	dispatch(regs, &idt.Frame{})
	if regs.EAX != resultError {
		t.Errorf("expected resultError closing a dead handle, got %#x", regs.EAX)
	}

	// The bytes really landed in the file.
	s, err := vfs.Open("/scratch", vfs.OpenRead)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	got := make([]byte, len(payload))
	if n, err := s.Read(got); err != nil || n != len(payload) {
		t.Fatalf("Read = (%d, %v)", n, err)
	}
	if string(got) != string(payload) {
		t.Errorf("file contains %q; want %q", got, payload)
	}
}

func TestFopenMissingPathReturnsZero(t *testing.T) {
	setupTables(t)

	path := append([]byte("/nope"), 0)
	regs := &idt.Registers{
		EAX: SysFopen,
		EBX: uint32(uintptr(unsafe.Pointer(&path[0]))),
		EDX: uint32(vfs.OpenRead),
	}
	dispatch(regs, &idt.Frame{})
	if regs.EAX != 0 {
		t.Errorf("expected handle 0 for a missing path, got %#x", regs.EAX)
	}
}

func TestMutexSubcommands(t *testing.T) {
	setupTables(t)

	regs := &idt.Registers{EAX: SysMutex, EBX: mutexCreate}
	dispatch(regs, &idt.Frame{})
	handle := regs.EAX
	if handle == 0 || handle == resultError {
		t.Fatalf("mutex create returned %#x", handle)
	}

	// Recursive lock/unlock through the gateway.
	for i := 0; i < 3; i++ {
		regs = &idt.Registers{EAX: SysMutex, EBX: mutexLock, EDX: handle}
		dispatch(regs, &idt.Frame{})
		if regs.EAX != resultOK {
			t.Fatalf("lock %d returned %#x", i, regs.EAX)
		}
	}
	for i := 0; i < 3; i++ {
		regs = &idt.Registers{EAX: SysMutex, EBX: mutexUnlock, EDX: handle}
		dispatch(regs, &idt.Frame{})
		if regs.EAX != resultOK {
			t.Fatalf("unlock %d returned %#x", i, regs.EAX)
		}
	}

	regs = &idt.Registers{EAX: SysMutex, EBX: mutexDestroy, EDX: handle}
	dispatch(regs, &idt.Frame{})
	if regs.EAX != resultOK {
		t.Fatalf("destroy returned %#x", regs.EAX)
	}

	regs = &idt.Registers{EAX: SysMutex, EBX: mutexLock, EDX: handle}
	dispatch(regs, &idt.Frame{})
	if regs.EAX != resultError {
		t.Errorf("expected resultError locking a destroyed handle, got %#x", regs.EAX)
	}
}
