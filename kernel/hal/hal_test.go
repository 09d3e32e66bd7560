package hal

import "testing"

func TestAtomicExchange(t *testing.T) {
	var v uint32 = 41

	if got := AtomicExchange(&v, 42); got != 41 {
		t.Errorf("expected previous value 41; got %d", got)
	}

	if v != 42 {
		t.Errorf("expected stored value 42; got %d", v)
	}
}
