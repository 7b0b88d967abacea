package paging

import (
	"github.com/go-errors/errors"

	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
	"github.com/openhwgroup/force-riscv-sub005/failure"
	"github.com/openhwgroup/force-riscv-sub005/memory"
)

// VmMapper is the virtual memory view a generator thread works through.
type VmMapper interface {
	// ApplyUsableConstraint narrows the virtual addresses in cs to those whose backing memory
	// may be used by the access. Unmapped virtual memory is kept; it is checked once mapped.
	ApplyUsableConstraint(dataType memory.MemDataType, access memory.MemAccessType, reuse memory.AddressReuseMode, cs *ds.ConstraintSet) *errors.Error
	VmConstraint(kind VmConstraintType) *ds.ConstraintSet
	IsMapped(va, size uint64) bool
	MapAddressRange(va, size uint64, req *PageRequest) *errors.Error
	Translate(va uint64) (uint64, bool)
	// MarkUsed records an access to [va, va+size) in the backing bank. The range must be mapped.
	MarkUsed(va, size uint64, dataType memory.MemDataType, access memory.MemAccessType) *errors.Error
	ThreadID() uint32
}

// PagingMapper translates through an AddressSpace onto a memory bank.
type PagingMapper struct {
	space *AddressSpace
	bank  *memory.MemoryBank
}

func NewPagingMapper(space *AddressSpace, bank *memory.MemoryBank) *PagingMapper {
	return &PagingMapper{space: space, bank: bank}
}

func (s *PagingMapper) Space() *AddressSpace {
	return s.space
}

func (s *PagingMapper) ThreadID() uint32 {
	return s.space.threadID
}

func (s *PagingMapper) ApplyUsableConstraint(dataType memory.MemDataType, access memory.MemAccessType, reuse memory.AddressReuseMode, cs *ds.ConstraintSet) *errors.Error {
	res := cs.Clone()
	res.SubConstraintSet(s.space.constraints[VmExisting])
	res.SubConstraintSet(s.space.constraints[VmAddressError])
	for _, id := range s.space.byVa {
		page := &s.space.pages[id]
		if !cs.IntersectsRange(page.VaLower, page.VaUpper) {
			continue
		}
		window := cs.Clone()
		window.ApplyRange(page.VaLower, page.VaUpper)
		phys := window.Translate(page.PaLower - page.VaLower)
		if err := s.bank.Constraint().ApplyToConstraintSet(dataType, access, s.space.threadID, reuse, phys); err != nil {
			return err
		}
		res.MergeConstraintSet(phys.Translate(page.VaLower - page.PaLower))
	}
	cs.Clear()
	cs.MergeConstraintSet(res)
	return nil
}

func (s *PagingMapper) VmConstraint(kind VmConstraintType) *ds.ConstraintSet {
	return s.space.VmConstraint(kind)
}

func (s *PagingMapper) IsMapped(va, size uint64) bool {
	return s.space.IsMapped(va, size)
}

func (s *PagingMapper) MapAddressRange(va, size uint64, req *PageRequest) *errors.Error {
	return s.space.MapAddressRange(va, size, req)
}

func (s *PagingMapper) Translate(va uint64) (uint64, bool) {
	return s.space.Translate(va)
}

func (s *PagingMapper) MarkUsed(va, size uint64, dataType memory.MemDataType, access memory.MemAccessType) *errors.Error {
	if size == 0 {
		size = 1
	}
	end := va + size - 1
	cur := va
	for {
		page, ok := s.space.findPage(cur)
		if !ok {
			return failure.Operand("va", hex(cur), "not mapped")
		}
		last := min(page.VaUpper, end)
		if err := s.bank.Constraint().MarkUsed(page.Translate(cur), page.Translate(last), dataType, access, s.space.threadID); err != nil {
			return err
		}
		if last == end {
			return nil
		}
		cur = last + 1
	}
}

// DirectMapper is bare mode: virtual addresses are physical addresses of one bank.
type DirectMapper struct {
	bank     *memory.MemoryBank
	threadID uint32
}

func NewDirectMapper(bank *memory.MemoryBank, threadID uint32) *DirectMapper {
	return &DirectMapper{bank: bank, threadID: threadID}
}

func (s *DirectMapper) ThreadID() uint32 {
	return s.threadID
}

func (s *DirectMapper) ApplyUsableConstraint(dataType memory.MemDataType, access memory.MemAccessType, reuse memory.AddressReuseMode, cs *ds.ConstraintSet) *errors.Error {
	return s.bank.Constraint().ApplyToConstraintSet(dataType, access, s.threadID, reuse, cs)
}

func (s *DirectMapper) VmConstraint(kind VmConstraintType) *ds.ConstraintSet {
	switch kind {
	// bare mode has no privilege checks
	case VmExisting, VmFlatMap, VmUserAccess:
		return s.bank.Ranges()
	case VmAddressError:
		res := ds.NewFullConstraintSet()
		res.SubConstraintSet(s.bank.Ranges())
		return res
	}
	return ds.NewConstraintSet()
}

func (s *DirectMapper) IsMapped(va, size uint64) bool {
	if size == 0 {
		size = 1
	}
	return s.bank.Ranges().ContainsRange(va, va+size-1)
}

func (s *DirectMapper) MapAddressRange(va, size uint64, req *PageRequest) *errors.Error {
	if !s.IsMapped(va, size) {
		return failure.Operand("va", hexRange(va, va+size-1), "outside memory bank %s", s.bank.Name)
	}
	return nil
}

func (s *DirectMapper) Translate(va uint64) (uint64, bool) {
	return va, s.bank.Ranges().ContainsValue(va)
}

func (s *DirectMapper) MarkUsed(va, size uint64, dataType memory.MemDataType, access memory.MemAccessType) *errors.Error {
	if !s.IsMapped(va, size) {
		return failure.Operand("va", hex(va), "outside memory bank %s", s.bank.Name)
	}
	if size == 0 {
		size = 1
	}
	return s.bank.Constraint().MarkUsed(va, va+size-1, dataType, access, s.threadID)
}
