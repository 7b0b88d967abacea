package vagen

import (
	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
	"github.com/openhwgroup/force-riscv-sub005/paging"
)

// AddressFilteringRegulator supplies the virtual address sets a request must stay out of.
type AddressFilteringRegulator interface {
	HardConstraints(req *AddressRequest, mapper paging.VmMapper) []*ds.ConstraintSet
}

// DefaultRegulator keeps requests that ask for no page faults away from mappings that would
// fault. Requests without those flags may fault.
type DefaultRegulator struct{}

func (DefaultRegulator) HardConstraints(req *AddressRequest, mapper paging.VmMapper) []*ds.ConstraintSet {
	page := req.Page
	res := []*ds.ConstraintSet{}
	if page.Instruction {
		if !page.FlagOr(paging.FlagNoInstrPageFault, false) {
			return res
		}
		res = append(res, mapper.VmConstraint(paging.VmPageFault), mapper.VmConstraint(paging.VmNoExecute))
	} else {
		if !page.FlagOr(paging.FlagNoDataPageFault, false) {
			return res
		}
		res = append(res, mapper.VmConstraint(paging.VmPageFault))
		if req.writes() {
			res = append(res, mapper.VmConstraint(paging.VmReadOnly))
		}
	}
	if level, ok := page.Privilege(); ok && level == 0 {
		supervisor := mapper.VmConstraint(paging.VmExisting)
		supervisor.SubConstraintSet(mapper.VmConstraint(paging.VmUserAccess))
		res = append(res, supervisor)
	}
	return res
}
