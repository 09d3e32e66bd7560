package diag

import (
	"io"

	"github.com/google/pprof/profile"
)

// Snapshot is the post-mortem state summary a crash dump carries: the
// occupancy of the core allocators and dispatch queues at the moment the
// panic routine ran. The numbers are gauges, not deltas.
type Snapshot struct {
	FreeFrames     uint64
	ReservedFrames uint64
	HeapArenas     uint64
	RunQueueDepth  uint64
	LiveProcesses  uint64
	IRQCounts      map[uint8]uint64
}

// WriteSnapshot serializes s as a pprof-compatible profile so the host
// toolchain can open a recovered crash dump with `go tool pprof` (or the
// mkdisk snapshot subcommand). Each gauge becomes one sample whose single
// synthetic location names the subsystem it was read from; IRQ counters
// fan out to one sample per vector.
func WriteSnapshot(w io.Writer, s *Snapshot) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "objects", Unit: "count"},
		},
	}

	add := func(name string, value uint64) {
		fn := &profile.Function{
			ID:         uint64(len(p.Function) + 1),
			Name:       name,
			SystemName: name,
		}
		loc := &profile.Location{
			ID:   uint64(len(p.Location) + 1),
			Line: []profile.Line{{Function: fn}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(value)},
		})
	}

	add("pmm/free_frames", s.FreeFrames)
	add("pmm/reserved_frames", s.ReservedFrames)
	add("heap/arenas", s.HeapArenas)
	add("sched/run_queue_depth", s.RunQueueDepth)
	add("sched/live_processes", s.LiveProcesses)

	for vector := 0; vector < 256; vector++ {
		if count, ok := s.IRQCounts[uint8(vector)]; ok {
			add(irqSampleName(uint8(vector)), count)
		}
	}

	return p.Write(w)
}

func irqSampleName(vector uint8) string {
	const hexDigits = "0123456789abcdef"
	return "idt/vector_0x" + string([]byte{hexDigits[vector>>4], hexDigits[vector&0xF]})
}
