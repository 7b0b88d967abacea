package vagen

import (
	"fmt"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"

	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
	"github.com/openhwgroup/force-riscv-sub005/failure"
	"github.com/openhwgroup/force-riscv-sub005/memory"
	"github.com/openhwgroup/force-riscv-sub005/paging"
	"github.com/openhwgroup/force-riscv-sub005/random"
)

func hex(val uint64) string {
	return fmt.Sprintf("0x%x", val)
}

// PcWindow is the number of bytes before and after the PC that targets avoid.
type PcWindow struct {
	Before uint64
	After  uint64
}

type Options struct {
	// MaxRetries bounds the attempts of one Generate call. 0 means no bound.
	MaxRetries int
	Branch     PcWindow
	NonBranch  PcWindow
}

// AddressRequest describes one virtual address to generate.
type AddressRequest struct {
	Size uint64
	// Align is a power of two; 0 and 1 both mean byte aligned.
	Align uint64
	Page  *paging.PageRequest
	Reuse memory.AddressReuseMode
	// RangeConstraint replaces the full address space as the starting set.
	RangeConstraint *ds.ConstraintSet
	// TargetConstraint restricts the start address. A single value forces it.
	TargetConstraint *ds.ConstraintSet
	// AddressErrorOK admits non-canonical addresses. They are never mapped.
	AddressErrorOK bool
	PC             uint64
	HasPC          bool
	IsBranch       bool
}

func NewDataRequest(size, align uint64, access memory.MemAccessType) *AddressRequest {
	return &AddressRequest{Size: size, Align: align, Page: paging.NewPageRequest(access, false)}
}

func NewInstrRequest(size, align uint64) *AddressRequest {
	return &AddressRequest{Size: size, Align: align, Page: paging.NewPageRequest(memory.AccessRead, true)}
}

func (s *AddressRequest) SetPC(pc uint64, isBranch bool) *AddressRequest {
	s.PC, s.HasPC, s.IsBranch = pc, true, isBranch
	return s
}

func (s *AddressRequest) dataType() memory.MemDataType {
	if s.Page.Instruction {
		return memory.DataTypeInstruction
	}
	return memory.DataTypeData
}

func (s *AddressRequest) writes() bool {
	return s.Page.Access == memory.AccessWrite || s.Page.Access == memory.AccessReadWrite
}

// reuse drops every reuse permission when the page request forces a new address.
func (s *AddressRequest) reuse() memory.AddressReuseMode {
	if s.Page.FlagOr(paging.FlagForceNewAddress, false) {
		return memory.NoReuse
	}
	return s.Reuse
}

func (s *AddressRequest) size() uint64 {
	if s.Size == 0 {
		return 1
	}
	return s.Size
}

func (s *AddressRequest) alignMask() (uint64, *errors.Error) {
	align := s.Align
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return 0, failure.Fatal(failure.CodeInvalidArgument, "alignment %s is not a power of two", hex(align))
	}
	return ^(align - 1), nil
}

// forced returns the single start address the request pins, if any.
func (s *AddressRequest) forced() (uint64, bool) {
	if s.TargetConstraint == nil || s.TargetConstraint.Size() != 1 {
		return 0, false
	}
	return s.TargetConstraint.LowerBound(), true
}

// VaGenerator samples virtual addresses for one hardware thread.
type VaGenerator struct {
	mapper    paging.VmMapper
	regulator AddressFilteringRegulator
	rnd       *random.Random
	opts      Options
	attempts  int
}

func NewVaGenerator(mapper paging.VmMapper, regulator AddressFilteringRegulator, rnd *random.Random, opts Options) *VaGenerator {
	if regulator == nil {
		regulator = DefaultRegulator{}
	}
	return &VaGenerator{mapper: mapper, regulator: regulator, rnd: rnd, opts: opts}
}

// Attempts is the number of selections the last Generate call made.
func (s *VaGenerator) Attempts() int {
	return s.attempts
}

func (s *VaGenerator) pcWindow(req *AddressRequest) PcWindow {
	if req.IsBranch {
		return s.opts.Branch
	}
	return s.opts.NonBranch
}

// candidates is every start address a request may use before anything is mapped for it.
func (s *VaGenerator) candidates(req *AddressRequest, mask uint64) (*ds.ConstraintSet, *errors.Error) {
	var cs *ds.ConstraintSet
	if req.RangeConstraint != nil {
		cs = req.RangeConstraint.Clone()
	} else {
		cs = ds.NewFullConstraintSet()
	}
	addrErr := s.mapper.VmConstraint(paging.VmAddressError)
	addrErr.ApplyConstraintSet(cs)
	if err := s.mapper.ApplyUsableConstraint(req.dataType(), req.Page.Access, req.reuse(), cs); err != nil {
		return nil, err
	}
	if req.AddressErrorOK {
		cs.MergeConstraintSet(addrErr)
	}
	for _, hard := range s.regulator.HardConstraints(req, s.mapper) {
		cs.SubConstraintSet(hard)
	}
	if req.HasPC {
		win := s.pcWindow(req)
		cs.SubRangeWrap(req.PC-win.Before, req.PC+win.After)
	}
	starts, err := cs.AlignedStarts(mask, req.size())
	if err != nil {
		return nil, err
	}
	if req.TargetConstraint != nil {
		starts.ApplyConstraintSet(req.TargetConstraint)
	}
	return starts, nil
}

// verify checks that the whole span is still usable once its pages exist.
func (s *VaGenerator) verify(req *AddressRequest, va uint64) (bool, *errors.Error) {
	end := va + req.size() - 1
	if req.AddressErrorOK && s.mapper.VmConstraint(paging.VmAddressError).IntersectsRange(va, end) {
		return true, nil
	}
	span := ds.NewConstraintSetRange(va, end)
	if err := s.mapper.ApplyUsableConstraint(req.dataType(), req.Page.Access, req.reuse(), span); err != nil {
		return false, err
	}
	if !span.ContainsRange(va, end) {
		return false, nil
	}
	for _, hard := range s.regulator.HardConstraints(req, s.mapper) {
		if hard.IntersectsRange(va, end) {
			return false, nil
		}
	}
	return true, nil
}

// place maps the span of va when needed and checks it afterwards. ok is false when va should
// be given up in favour of another candidate.
func (s *VaGenerator) place(req *AddressRequest, va uint64) (bool, *errors.Error) {
	end := va + req.size() - 1
	nonCanonical := s.mapper.VmConstraint(paging.VmAddressError).IntersectsRange(va, end)
	if !nonCanonical && !s.mapper.IsMapped(va, req.size()) {
		if err := s.mapper.MapAddressRange(va, req.size(), req.Page); err != nil {
			if failure.Retryable(err) {
				log.WithFields(log.Fields{"thread": s.mapper.ThreadID(), "va": hex(va), "error": err.Error()}).Debug("Mapping Failed")
				return false, nil
			}
			return false, err
		}
	}
	return s.verify(req, va)
}

// Generate returns a start address whose span satisfies req, mapping pages on demand.
func (s *VaGenerator) Generate(req *AddressRequest) (uint64, *errors.Error) {
	mask, err := req.alignMask()
	if err != nil {
		return 0, err
	}
	s.attempts = 0
	if target, ok := req.forced(); ok {
		return s.generateForced(req, mask, target)
	}
	blocked := ds.NewConstraintSet()
	for {
		if s.opts.MaxRetries > 0 && s.attempts >= s.opts.MaxRetries {
			log.WithFields(log.Fields{"thread": s.mapper.ThreadID(), "attempts": s.attempts}).Debug("Address Retries Exhausted")
			return 0, failure.Empty("GenerateVirtualAddress")
		}
		s.attempts++
		starts, err := s.candidates(req, mask)
		if err != nil {
			return 0, err
		}
		starts.SubConstraintSet(blocked)
		va, err := starts.ChooseAlignedValue(s.rnd, mask)
		if err != nil {
			return 0, err
		}
		ok, err := s.place(req, va)
		if err != nil {
			return 0, err
		}
		if ok {
			log.WithFields(log.Fields{"thread": s.mapper.ThreadID(), "va": hex(va), "size": hex(req.size()), "attempts": s.attempts}).Debug("Generated Address")
			return va, nil
		}
		log.WithFields(log.Fields{"thread": s.mapper.ThreadID(), "va": hex(va)}).Debug("Address Retry")
		blocked.AddValue(va)
	}
}

func (s *VaGenerator) generateForced(req *AddressRequest, mask, target uint64) (uint64, *errors.Error) {
	s.attempts = 1
	if target&mask != target {
		return 0, failure.Operand("target", hex(target), "not aligned to %s", hex(^mask+1))
	}
	starts, err := s.candidates(req, mask)
	if err != nil {
		return 0, err
	}
	if !starts.ContainsValue(target) {
		return 0, failure.Operand("target", hex(target), "not usable for %s %s access", req.dataType(), req.Page.Access)
	}
	ok, err := s.place(req, target)
	if err != nil {
		if failure.IsFatal(err) {
			return 0, err
		}
		return 0, failure.Operand("target", hex(target), "cannot be mapped: %s", err.Error())
	}
	if !ok {
		return 0, failure.Operand("target", hex(target), "unusable once mapped")
	}
	return target, nil
}
