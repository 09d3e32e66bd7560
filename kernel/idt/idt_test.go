package idt

import "testing"

func TestIntidToIRQ(t *testing.T) {
	specs := []struct {
		v     Vector
		line  int
		isIRQ bool
	}{
		{Vector(0x20), 0, true},
		{Vector(0x21), 1, true},
		{Vector(0x27), 7, true},
		{Vector(0x28), 8, true},
		{Vector(0x2F), 15, true},
		{Vector(0x00), 0, false},
		{Vector(0x80), 0, false},
		{Vector(0x1F), 0, false},
		{Vector(0x30), 0, false},
	}

	for _, spec := range specs {
		line, ok := intidToIRQ(spec.v)
		if ok != spec.isIRQ {
			t.Errorf("vector %#x: expected ok=%v; got %v", spec.v, spec.isIRQ, ok)
			continue
		}
		if ok && line != spec.line {
			t.Errorf("vector %#x: expected line %d; got %d", spec.v, spec.line, line)
		}
	}
}

func TestRegisterISRUnmasksIRQLine(t *testing.T) {
	for i := range irqMasked {
		irqMasked[i] = true
	}

	v := irqBase + 3 // IRQ3
	RegisterISR(v, func(*Registers, *Frame) {})

	if irqMasked[3] {
		t.Errorf("expected IRQ3 to be unmasked after RegisterISR")
	}
	if handlers[v] == nil {
		t.Errorf("expected handler to be installed for vector %#x", v)
	}
}

func TestUnregisterISRMasksIRQLineExactlyOnce(t *testing.T) {
	for i := range irqMasked {
		irqMasked[i] = false
	}

	v := irqBaseSlave + 5 // IRQ13
	RegisterISR(v, func(*Registers, *Frame) {})
	UnregisterISR(v)

	if !irqMasked[13] {
		t.Errorf("expected IRQ13 to be masked after UnregisterISR")
	}
	if handlers[v] != nil {
		t.Errorf("expected handler to be cleared for vector %#x", v)
	}

	// a non-IRQ vector must never touch irqMasked.
	for i := range irqMasked {
		irqMasked[i] = false
	}
	RegisterISR(SyscallVector, func(*Registers, *Frame) {})
	UnregisterISR(SyscallVector)
	for line, masked := range irqMasked {
		if masked {
			t.Errorf("unregistering a non-IRQ vector must not mask IRQ line %d", line)
		}
	}
}

func TestSpuriousIRQOnlyFiltersIRQ7And15(t *testing.T) {
	isrFn := func(slave bool) uint8 { return 0 } // nothing in service
	orig := inServiceRegisterFn
	inServiceRegisterFn = isrFn
	defer func() { inServiceRegisterFn = orig }()

	if !spuriousIRQ(7) {
		t.Errorf("expected IRQ7 with a clear ISR bit to be reported spurious")
	}
	if !spuriousIRQ(15) {
		t.Errorf("expected IRQ15 with a clear ISR bit to be reported spurious")
	}
	if spuriousIRQ(3) {
		t.Errorf("IRQ3 is never filtered as spurious")
	}
}
