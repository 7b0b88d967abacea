package paging

import (
	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
	"github.com/openhwgroup/force-riscv-sub005/memory"
)

type PageRequestFlag uint

const (
	FlagNoDataPageFault PageRequestFlag = iota
	FlagNoInstrPageFault
	FlagCanAlias
	FlagFlatMap
	FlagForceNewAddress
	FlagWritable
	FlagExecutable
)

// PageRequest carries what a caller asks of a new mapping. Options never set are
// unconstrained; they are not treated as false or zero.
type PageRequest struct {
	Access      memory.MemAccessType
	Instruction bool
	// Attributes are memory trait names the backing physical memory must carry, e.g. "WB".
	Attributes []string
	// AttributeConstraints restrict the value of descriptor fields ("A", "D", "U", "G", "RSW").
	AttributeConstraints map[string]*ds.ConstraintSet
	// PhysicalConstraint, when set, bounds the physical addresses of the page.
	PhysicalConstraint *ds.ConstraintSet
	privilege          *uint32
	flags              map[PageRequestFlag]bool
}

func NewPageRequest(access memory.MemAccessType, instruction bool) *PageRequest {
	return &PageRequest{
		Access:               access,
		Instruction:          instruction,
		AttributeConstraints: make(map[string]*ds.ConstraintSet),
		flags:                make(map[PageRequestFlag]bool),
	}
}

func (s *PageRequest) SetFlag(flag PageRequestFlag, val bool) *PageRequest {
	s.flags[flag] = val
	return s
}

// Flag returns the value of flag and whether it was set at all.
func (s *PageRequest) Flag(flag PageRequestFlag) (bool, bool) {
	val, ok := s.flags[flag]
	return val, ok
}

// FlagOr returns flag, or def when it was never set.
func (s *PageRequest) FlagOr(flag PageRequestFlag, def bool) bool {
	if val, ok := s.flags[flag]; ok {
		return val
	}
	return def
}

func (s *PageRequest) SetPrivilege(level uint32) *PageRequest {
	s.privilege = &level
	return s
}

func (s *PageRequest) Privilege() (uint32, bool) {
	if s.privilege == nil {
		return 0, false
	}
	return *s.privilege, true
}

func (s *PageRequest) SetAttributeConstraint(field string, cs *ds.ConstraintSet) *PageRequest {
	s.AttributeConstraints[field] = cs.Clone()
	return s
}

func (s *PageRequest) Clone() *PageRequest {
	res := NewPageRequest(s.Access, s.Instruction)
	res.Attributes = append(res.Attributes, s.Attributes...)
	for field, cs := range s.AttributeConstraints {
		res.AttributeConstraints[field] = cs.Clone()
	}
	if s.PhysicalConstraint != nil {
		res.PhysicalConstraint = s.PhysicalConstraint.Clone()
	}
	if s.privilege != nil {
		res.SetPrivilege(*s.privilege)
	}
	for flag, val := range s.flags {
		res.flags[flag] = val
	}
	return res
}

// AllocationRequest asks a PhysicalPageManager for one page of Size bytes.
type AllocationRequest struct {
	Page *PageRequest
	Size uint64
	// VA is the virtual base of the page; a flat mapped page gets PA == VA.
	VA        uint64
	PageTable bool
}

func (s *AllocationRequest) canAlias() bool {
	return !s.PageTable && s.Page != nil && s.Page.FlagOr(FlagCanAlias, false)
}

func (s *AllocationRequest) flatMap() bool {
	return s.Page != nil && s.Page.FlagOr(FlagFlatMap, false)
}
