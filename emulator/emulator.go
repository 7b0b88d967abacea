// Package emulator replays a generated memory image on a RISC-V CPU model so the pages the
// generator committed can be checked against what the code actually touches.
package emulator

import (
	"fmt"

	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
	"github.com/openhwgroup/force-riscv-sub005/memory"
)

const pagesize = 4096

type Config struct {
	MaxInstructions uint64
	// Timeout in microseconds, 0 for none.
	Timeout uint64
}

// Fault is an access the emulated code made outside the mirrored pages.
type Fault struct {
	Addr  uint64
	Size  int
	Fetch bool
	Write bool
}

func (s Fault) String() string {
	kind := "read"
	if s.Fetch {
		kind = "fetch"
	} else if s.Write {
		kind = "write"
	}
	return fmt.Sprintf("%s 0x%x/%d", kind, s.Addr, s.Size)
}

func hex(val uint64) string {
	return fmt.Sprintf("0x%x", val)
}

// pageSpans returns the page aligned ranges covering segs, merged.
func pageSpans(segs []memory.Segment) []ds.Range {
	cs := ds.NewConstraintSet()
	for _, seg := range segs {
		if len(seg.Data) == 0 {
			continue
		}
		end := seg.Addr + uint64(len(seg.Data)) - 1
		cs.AddRange(seg.Addr&^(pagesize-1), end|(pagesize-1))
	}
	return cs.Ranges()
}
