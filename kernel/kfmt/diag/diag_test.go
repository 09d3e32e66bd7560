package diag

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/pprof/profile"
)

func TestDisassembleKnownInstructions(t *testing.T) {
	specs := []struct {
		code []byte
		want string
	}{
		{[]byte{0xCD, 0x80}, "int"},                    // int 0x80
		{[]byte{0xF4}, "hlt"},                          // hlt
		{[]byte{0x0F, 0x22, 0xD8}, "mov"},              // mov cr3, eax
		{[]byte{0x89, 0xE5}, "mov"},                    // mov ebp, esp
		{[]byte{0xFA}, "cli"},                          // cli
	}

	for i, spec := range specs {
		got, ok := Disassemble(spec.code, 0xC0100000)
		if !ok {
			t.Errorf("[spec %d] expected %x to decode", i, spec.code)
			continue
		}
		if !strings.Contains(strings.ToLower(got), spec.want) {
			t.Errorf("[spec %d] disassembly %q does not mention %q", i, got, spec.want)
		}
	}
}

func TestDisassembleRejectsGarbage(t *testing.T) {
	if _, ok := Disassemble([]byte{0xFF, 0xFF, 0xFF, 0xFF}, 0xC0100000); ok {
		t.Error("expected an undecodable byte run to report ok=false")
	}
}

func TestCP437WriterTransliterates(t *testing.T) {
	var out bytes.Buffer
	w := NewCP437Writer(&out)

	in := []byte("frame 0x1000 → in use")
	n, err := w.Write(in)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != len(in) {
		t.Errorf("Write reported %d consumed bytes; want %d", n, len(in))
	}

	// Plain ASCII passes through untouched; the arrow must have become a
	// single substituted byte rather than a multi-byte UTF-8 sequence.
	got := out.Bytes()
	if !bytes.HasPrefix(got, []byte("frame 0x1000 ")) {
		t.Errorf("ASCII prefix mangled: %q", got)
	}
	if len(got) != len("frame 0x1000 ")+1+len(" in use") {
		t.Errorf("expected a 1-byte transliteration of the arrow, got %d total bytes", len(got))
	}
}

func TestWriteSnapshotRoundTrip(t *testing.T) {
	snap := &Snapshot{
		FreeFrames:     1500,
		ReservedFrames: 548,
		HeapArenas:     2,
		RunQueueDepth:  3,
		LiveProcesses:  1,
		IRQCounts:      map[uint8]uint64{0x20: 12345, 0x21: 17},
	}

	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, snap); err != nil {
		t.Fatalf("WriteSnapshot failed: %v", err)
	}

	p, err := profile.Parse(&buf)
	if err != nil {
		t.Fatalf("generated profile does not parse: %v", err)
	}
	if err := p.CheckValid(); err != nil {
		t.Fatalf("generated profile is invalid: %v", err)
	}

	values := map[string]int64{}
	for _, sample := range p.Sample {
		name := sample.Location[0].Line[0].Function.Name
		values[name] = sample.Value[0]
	}

	expect := map[string]int64{
		"pmm/free_frames":       1500,
		"pmm/reserved_frames":   548,
		"heap/arenas":           2,
		"sched/run_queue_depth": 3,
		"sched/live_processes":  1,
		"idt/vector_0x20":       12345,
		"idt/vector_0x21":       17,
	}
	for name, want := range expect {
		if got, ok := values[name]; !ok || got != want {
			t.Errorf("sample %q = %d (present=%v); want %d", name, got, ok, want)
		}
	}
}

func TestDumpFaultSkipsUserAddresses(t *testing.T) {
	called := false
	prev := codeBytesFn
	codeBytesFn = func(eip uintptr) []byte {
		called = true
		return nil
	}
	defer func() { codeBytesFn = prev }()

	DumpFault(0x08048000)
	if called {
		t.Error("expected DumpFault to refuse to read through a user EIP")
	}
}

func TestDumpFaultUsesCannedBytes(t *testing.T) {
	prev := codeBytesFn
	codeBytesFn = func(eip uintptr) []byte {
		return []byte{0xF4} // hlt
	}
	defer func() { codeBytesFn = prev }()

	// Nothing to assert beyond "does not crash": the output lands in
	// kfmt's early ring buffer.
	DumpFault(0xC0100000)
}
