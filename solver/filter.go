package solver

import (
	"fmt"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"

	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
	"github.com/openhwgroup/force-riscv-sub005/failure"
	"github.com/openhwgroup/force-riscv-sub005/random"
)

// RegSP is the stack pointer register.
const RegSP = 2

// spAlign is the stack alignment of the RISC-V calling convention.
const spAlign = 16

type FilterKind uint

const (
	FilterBaseDependence FilterKind = iota
	FilterIndexDependence
	FilterSpAlignment
)

var filterNames = [...]string{"BaseDependence", "IndexDependence", "SpAlignment"}

func (k FilterKind) String() string {
	if int(k) < len(filterNames) {
		return filterNames[k]
	}
	return fmt.Sprintf("FilterKind(%d)", uint(k))
}

// SpAlignmentPolicy is the one stack pointer parity decision of a test.
type SpAlignmentPolicy struct {
	Aligned bool
}

// NewSpAlignmentPolicy decides the policy from weights keyed "aligned" and "unaligned". A non
// empty force ("aligned" or "unaligned") overrides the weights.
func NewSpAlignmentPolicy(weights map[string]uint64, force string, rnd *random.Random) (*SpAlignmentPolicy, *errors.Error) {
	choice := force
	if choice == "" {
		var ok bool
		if choice, ok = rnd.ChooseWeighted(weights); !ok {
			choice = "aligned"
		}
	}
	switch choice {
	case "aligned":
		return &SpAlignmentPolicy{Aligned: true}, nil
	case "unaligned":
		return &SpAlignmentPolicy{Aligned: false}, nil
	}
	return nil, failure.Fatal(failure.CodeInvalidArgument, "unknown sp alignment choice %q", choice)
}

func (s *SpAlignmentPolicy) allows(sp uint64) bool {
	return (sp%spAlign == 0) == s.Aligned
}

// FilterContext carries what the filters of one instruction look at.
type FilterContext struct {
	// BaseDependence and IndexDependence hold the preferred register numbers. nil means no
	// preference.
	BaseDependence  *ds.ConstraintSet
	IndexDependence *ds.ConstraintSet
	Sp              *SpAlignmentPolicy
	// SpHard is a parity the instruction itself demands. It takes precedence over Sp.
	SpHard          *SpAlignmentPolicy
	// SpRequiredAlign is the stack alignment the instruction itself needs, 0 when none.
	SpRequiredAlign uint64
}

// AddressSolutionFilter removes solutions from a candidate list. It never computes new ones.
type AddressSolutionFilter struct {
	Kind FilterKind
}

func (s AddressSolutionFilter) Apply(ctx *FilterContext, sols []*Solution) ([]*Solution, *errors.Error) {
	var res []*Solution
	var err *errors.Error
	switch s.Kind {
	case FilterBaseDependence:
		res, err = filterDependence(ctx.BaseDependence, sols, func(sol *Solution) *Operand { return &sol.A })
	case FilterIndexDependence:
		res, err = filterDependence(ctx.IndexDependence, sols, func(sol *Solution) *Operand { return &sol.B })
	case FilterSpAlignment:
		res, err = filterSpAlignment(ctx, sols)
	default:
		return nil, failure.Fatal(failure.CodeInvalidArgument, "unknown filter %s", s.Kind)
	}
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"filter": s.Kind, "before": len(sols), "after": len(res)}).Debug("Filter Solutions")
	return res, nil
}

// ApplyFilters runs filters in order over sols.
func ApplyFilters(ctx *FilterContext, sols []*Solution, filters ...AddressSolutionFilter) ([]*Solution, *errors.Error) {
	for _, f := range filters {
		var err *errors.Error
		if sols, err = f.Apply(ctx, sols); err != nil {
			return nil, err
		}
	}
	return sols, nil
}

// filterDependence keeps the solutions whose operand register is preferred, or all of them
// when none is.
func filterDependence(preferred *ds.ConstraintSet, sols []*Solution, role func(*Solution) *Operand) ([]*Solution, *errors.Error) {
	if preferred == nil {
		return sols, nil
	}
	if preferred.IsEmpty() {
		return nil, failure.Fatal(failure.CodeEmptyDependence, "dependence constraint is empty")
	}
	res := []*Solution{}
	for _, sol := range sols {
		op := role(sol)
		if op.isRegister() && preferred.ContainsValue(uint64(op.Register)) {
			res = append(res, sol)
		}
	}
	if len(res) == 0 {
		return sols, nil
	}
	return res, nil
}

func filterSpAlignment(ctx *FilterContext, sols []*Solution) ([]*Solution, *errors.Error) {
	policy := ctx.Sp
	if ctx.SpHard != nil {
		policy = ctx.SpHard
	}
	if policy == nil {
		return sols, nil
	}
	if ctx.SpRequiredAlign > 1 && !policy.Aligned {
		return nil, failure.Fatal(failure.CodeSpAlignConflict, "instruction needs sp aligned to %d but sp is kept unaligned", ctx.SpRequiredAlign)
	}
	res := []*Solution{}
	for _, sol := range sols {
		if sol.A.Register == RegSP && !policy.allows(sol.A.Value) {
			continue
		}
		res = append(res, sol)
	}
	return res, nil
}
