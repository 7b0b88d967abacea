package arch

import (
	"fmt"

	"github.com/go-errors/errors"

	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
)

type Arch interface {
	Name() string
	GetRegisters() []int
	GetRegStack() int
	GetRegRet() int
	// Paging describes the translation scheme, nil for bare mode.
	Paging() *PagingScheme
	ToUnicornArchDescription() int //RISCV
	ToUnicornModeDescription() int //RV64
}

// values of uc_arch / uc_mode for RISC-V in unicorn.h
const (
	ucArchRiscv   = 8
	ucModeRiscv64 = 1 << 3
)

const (
	regSP = 2
	regA0 = 10
)

type RiscV struct {
	name   string
	paging *PagingScheme
}

func NewRiscV(mode string) (*RiscV, *errors.Error) {
	switch mode {
	case "bare":
		return &RiscV{name: "rv64-bare"}, nil
	case "sv39":
		return &RiscV{name: "rv64-sv39", paging: NewPagingScheme(3)}, nil
	case "sv48":
		return &RiscV{name: "rv64-sv48", paging: NewPagingScheme(4)}, nil
	}
	return nil, errors.Errorf("unknown paging mode %q", mode)
}

func (s *RiscV) Name() string {
	return s.name
}

// GetRegisters lists the allocatable integer registers, x0 excluded.
func (s *RiscV) GetRegisters() []int {
	res := make([]int, 0, 31)
	for i := 1; i < 32; i++ {
		res = append(res, i)
	}
	return res
}

func (s *RiscV) GetRegStack() int {
	return regSP
}

func (s *RiscV) GetRegRet() int {
	return regA0
}

func (s *RiscV) Paging() *PagingScheme {
	return s.paging
}

// SatpMode is the MODE field of satp for this translation scheme.
func (s *RiscV) SatpMode() uint64 {
	if s.paging == nil {
		return 0
	}
	// Sv39 is 8, each extra level adds one
	return uint64(5 + s.paging.Levels)
}

func (s *RiscV) ToUnicornArchDescription() int {
	return ucArchRiscv
}

func (s *RiscV) ToUnicornModeDescription() int {
	return ucModeRiscv64
}

// PTE bits
const (
	PteV uint64 = 1 << iota
	PteR
	PteW
	PteX
	PteU
	PteG
	PteA
	PteD
)

const (
	pageShift  = 12
	indexBits  = 9
	ppnShift   = 10
	rswShift   = 8
	rswMask    = 0x3
	TableSize  = uint64(1) << pageShift
	EntrySize  = uint64(8)
	entryCount = uint64(1) << indexBits
)

// PagingScheme is an Sv39/Sv48 style radix page table: Levels levels of 512 entries, leaves
// allowed at every level.
type PagingScheme struct {
	Levels int
}

func NewPagingScheme(levels int) *PagingScheme {
	return &PagingScheme{Levels: levels}
}

func (s *PagingScheme) String() string {
	return fmt.Sprintf("Sv%d", s.VaBits())
}

func (s *PagingScheme) VaBits() uint {
	return uint(pageShift + indexBits*s.Levels)
}

func (s *PagingScheme) PaBits() uint {
	return 56
}

func (s *PagingScheme) RootLevel() int {
	return s.Levels - 1
}

// PageSize is the size mapped by one leaf at level (0 is the 4K level).
func (s *PagingScheme) PageSize(level int) uint64 {
	return uint64(1) << (pageShift + indexBits*uint(level))
}

// PageSizes lists leaf sizes, smallest first.
func (s *PagingScheme) PageSizes() []uint64 {
	res := make([]uint64, s.Levels)
	for level := 0; level < s.Levels; level++ {
		res[level] = s.PageSize(level)
	}
	return res
}

func (s *PagingScheme) LeafLevel(pageSize uint64) (int, bool) {
	for level := 0; level < s.Levels; level++ {
		if s.PageSize(level) == pageSize {
			return level, true
		}
	}
	return 0, false
}

func (s *PagingScheme) Index(va uint64, level int) uint64 {
	return (va >> (pageShift + indexBits*uint(level))) & (entryCount - 1)
}

// CanonicalRanges is the set of virtual addresses whose upper bits sign extend bit VaBits-1.
func (s *PagingScheme) CanonicalRanges() *ds.ConstraintSet {
	half := uint64(1) << (s.VaBits() - 1)
	res := ds.NewConstraintSetRange(0, half-1)
	res.AddRange(^(half - 1), ^uint64(0))
	return res
}

func (s *PagingScheme) IsCanonical(va uint64) bool {
	top := int64(va) >> (s.VaBits() - 1)
	return top == 0 || top == -1
}

// PteFields are the software chosen fields of a leaf descriptor.
type PteFields struct {
	Flags uint64 // R W X U G A D
	Rsw   uint64
}

func (s *PagingScheme) EncodeLeaf(pa uint64, fields PteFields) uint64 {
	flags := fields.Flags & (PteR | PteW | PteX | PteU | PteG | PteA | PteD)
	return (pa>>pageShift)<<ppnShift | (fields.Rsw&rswMask)<<rswShift | flags | PteV
}

func (s *PagingScheme) EncodeBranch(pa uint64) uint64 {
	return (pa>>pageShift)<<ppnShift | PteV
}

// DecodeAddress returns the physical address a descriptor points at.
func (s *PagingScheme) DecodeAddress(pte uint64) uint64 {
	return ((pte >> ppnShift) & (uint64(1)<<44 - 1)) << pageShift
}

func IsLeaf(pte uint64) bool {
	return pte&PteV != 0 && pte&(PteR|PteW|PteX) != 0
}

// FieldRange is the legal value range of a named descriptor field.
func FieldRange(field string) (*ds.ConstraintSet, bool) {
	switch field {
	case "U", "G", "A", "D":
		return ds.NewConstraintSetRange(0, 1), true
	case "RSW":
		return ds.NewConstraintSetRange(0, rswMask), true
	}
	return nil, false
}

// FieldFlag maps a one bit field name to its descriptor bit.
func FieldFlag(field string) uint64 {
	switch field {
	case "U":
		return PteU
	case "G":
		return PteG
	case "A":
		return PteA
	case "D":
		return PteD
	}
	return 0
}
