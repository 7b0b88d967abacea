package elf

import (
	"debug/elf"
	"io"
	"os"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"

	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
	"github.com/openhwgroup/force-riscv-sub005/failure"
	"github.com/openhwgroup/force-riscv-sub005/memory"
	"github.com/openhwgroup/force-riscv-sub005/paging"
)

// reservePage is the granule loaded segments are withheld from the page manager in.
const reservePage = 0x1000

func elfFlagsToPageFlags(in elf.ProgFlag) ds.PageFlags {
	res := ds.PageFlags(0)
	if in&elf.PF_X != 0 {
		res |= ds.X
	}
	if in&elf.PF_R != 0 {
		res |= ds.R
	}
	if in&elf.PF_W != 0 {
		res |= ds.W
	}
	return res
}

// GetSegments returns the loadable segments of e, addressed physically.
func GetSegments(e *elf.File) ([]*ds.MappedRegion, *errors.Error) {
	res := []*ds.MappedRegion{}
	for _, prog := range e.Progs {
		hdr := prog.ProgHeader
		if hdr.Type != elf.PT_LOAD || hdr.Memsz == 0 {
			continue
		}
		if hdr.Filesz > hdr.Memsz || hdr.Paddr+hdr.Memsz-1 < hdr.Paddr {
			return nil, failure.Operand("segment", ds.NewRange(hdr.Paddr, hdr.Paddr+hdr.Memsz-1).String(), "malformed program header")
		}
		data := make([]byte, hdr.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil {
			return nil, errors.Wrap(err, 0)
		}
		region := ds.NewMappedRegion(data, elfFlagsToPageFlags(hdr.Flags), ds.NewRange(hdr.Paddr, hdr.Paddr+hdr.Memsz-1))
		log.WithFields(log.Fields{"range": region.Range, "flags": region.Flags, "filesz": hdr.Filesz}).Debug("ELF Segment")
		res = append(res, region)
	}
	return res, nil
}

// Load opens file and returns its entry point and loadable segments.
func Load(file string) (uint64, []*ds.MappedRegion, *errors.Error) {
	f, err := os.Open(file)
	if err != nil {
		return 0, nil, errors.Wrap(err, 0)
	}
	defer f.Close()
	e, err := elf.NewFile(f)
	if err != nil {
		return 0, nil, errors.Wrap(err, 0)
	}
	if e.Class != elf.ELFCLASS64 || e.Machine != elf.EM_RISCV {
		return 0, nil, failure.Fatal(failure.CodeInvalidArgument, "%s is not a 64-bit RISC-V image (%s %s)", file, e.Class, e.Machine)
	}
	regions, serr := GetSegments(e)
	if serr != nil {
		return 0, nil, serr
	}
	log.WithFields(log.Fields{"file": file, "entry": e.Entry, "segments": len(regions)}).Info("ELF Loaded")
	return e.Entry, regions, nil
}

// ReserveSegments writes the regions into bank as thread's initial memory and withholds the pages
// they touch from ppm so no page table or generated page lands on them. ppm may be nil.
func ReserveSegments(regions []*ds.MappedRegion, bank *memory.MemoryBank, ppm *paging.PhysicalPageManager, thread uint32) *errors.Error {
	for _, region := range regions {
		dataType := memory.DataTypeData
		access := memory.AccessReadWrite
		if region.Flags&ds.X != 0 {
			dataType = memory.DataTypeInstruction
			access = memory.AccessRead
		}
		if err := bank.Initialize(region.Range.From, region.Bytes(), dataType, access, thread); err != nil {
			return err
		}
		if ppm == nil {
			continue
		}
		from := region.Range.From &^ (reservePage - 1)
		to := region.Range.To | (reservePage - 1)
		if err := ppm.ReservePhysicalRange(from, to); err != nil {
			return err
		}
	}
	return nil
}
