package solver

import (
	"fmt"

	"github.com/holiman/uint256"
	log "github.com/sirupsen/logrus"

	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
	"github.com/openhwgroup/force-riscv-sub005/random"
)

const maxUint64 = ^uint64(0)

// maxPicks bounds the values tried when a solution set is only known to be a superset.
const maxPicks = 32

func hex(val uint64) string {
	return fmt.Sprintf("0x%x", val)
}

type StrategyKind uint

const (
	StrategyAddWithCarry StrategyKind = iota
	StrategySubWithCarry
	StrategyMultiply
	StrategyMulAdd
	StrategyDivideUnsigned
	StrategyDivideSigned
)

var strategyNames = [...]string{"AddWithCarry", "SubWithCarry", "Multiply", "MulAdd", "DivideUnsigned", "DivideSigned"}

func (k StrategyKind) String() string {
	if int(k) < len(strategyNames) {
		return strategyNames[k]
	}
	return fmt.Sprintf("StrategyKind(%d)", uint(k))
}

// NoRegister marks an operand that is an immediate.
const NoRegister = -1

// Operand is one input of an address computation. An unknown operand is solved for within
// Constraint; a nil Constraint allows any value.
type Operand struct {
	Name       string
	Register   int
	Known      bool
	Value      uint64
	Constraint *ds.ConstraintSet
}

func UnknownRegister(name string, reg int, cs *ds.ConstraintSet) Operand {
	return Operand{Name: name, Register: reg, Constraint: cs}
}

func KnownRegister(name string, reg int, val uint64) Operand {
	return Operand{Name: name, Register: reg, Known: true, Value: val}
}

func Immediate(name string, val uint64) Operand {
	return Operand{Name: name, Register: NoRegister, Known: true, Value: val}
}

func (s *Operand) values() *ds.ConstraintSet {
	if s.Constraint == nil {
		return ds.NewFullConstraintSet()
	}
	return s.Constraint.Clone()
}

func (s *Operand) allows(val uint64) bool {
	return s.Constraint == nil || s.Constraint.ContainsValue(val)
}

func (s *Operand) set(val uint64) {
	s.Known, s.Value = true, val
}

func (s *Operand) isRegister() bool {
	return s.Register != NoRegister
}

func sameRegister(a, b *Operand) bool {
	return a.isRegister() && b.isRegister() && a.Register == b.Register
}

// Solution is one resolved address computation. Every operand in it is known.
type Solution struct {
	Kind    StrategyKind
	Address uint64
	A, B, C Operand
}

// AddressSolutionStrategy solves one addressing equation backwards from a set of legal
// addresses. The roles of A, B and C depend on Kind:
//
//	AddWithCarry    address = A + B + carry
//	SubWithCarry    address = A - B - 1 + carry
//	Multiply        address = A * B
//	MulAdd          address = A * B + C
//	DivideUnsigned  address = A / B
//	DivideSigned    address = A / B, both signed
//
// Exactly one of A and B is solved for; when both are unknown B is picked first.
type AddressSolutionStrategy struct {
	Kind    StrategyKind
	A, B, C Operand
	CarryIn bool
	// Align is the required address alignment, a power of two. 0 means byte aligned.
	Align  uint64
	Target *ds.ConstraintSet
	// AllowSameRegister lets two operands name one register. Their values must then agree.
	AllowSameRegister bool
	rnd               *random.Random
}

func NewAddressSolutionStrategy(kind StrategyKind, target *ds.ConstraintSet, align uint64, rnd *random.Random) *AddressSolutionStrategy {
	return &AddressSolutionStrategy{Kind: kind, Target: target, Align: align, rnd: rnd}
}

func (s *AddressSolutionStrategy) alignMask() (uint64, bool) {
	align := s.Align
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return 0, false
	}
	return ^(align - 1), true
}

func (s *AddressSolutionStrategy) carry() uint64 {
	if s.CarryIn {
		return 1
	}
	return 0
}

func (s *AddressSolutionStrategy) reject(reason string, args ...interface{}) (*Solution, bool) {
	target := "none"
	if s.Target != nil {
		target = s.Target.String()
	}
	log.WithFields(log.Fields{"strategy": s.Kind, "target": target}).Debugf("Solution Rejected: "+reason, args...)
	return nil, false
}

// Solve returns one solution, or false when none could be found. No solution is an ordinary
// outcome; the caller moves on to its next addressing mode.
func (s *AddressSolutionStrategy) Solve() (*Solution, bool) {
	mask, ok := s.alignMask()
	if !ok {
		return s.reject("alignment %s", hex(s.Align))
	}
	if s.Target == nil || s.Target.IsEmpty() {
		return s.reject("empty target")
	}
	sol := &Solution{Kind: s.Kind, A: s.A, B: s.B, C: s.C}
	if s.Kind == StrategyMultiply {
		sol.C = Immediate("addend", 0)
	}
	if sameRegister(&sol.A, &sol.B) {
		if !s.AllowSameRegister {
			return s.reject("%s and %s share register %d", sol.A.Name, sol.B.Name, sol.A.Register)
		}
		if !s.tie(&sol.A, &sol.B) {
			return s.reject("shared register has no common value")
		}
	}
	// partner is the factor read from the addend's register. An addend tied to a factor
	// that is still unknown is solved together with it.
	var partner *Operand
	if s.Kind == StrategyMulAdd {
		for _, op := range []*Operand{&sol.A, &sol.B} {
			if sameRegister(op, &sol.C) {
				partner = op
				break
			}
		}
	}
	if partner != nil {
		if !s.AllowSameRegister {
			return s.reject("%s and %s share register %d", partner.Name, sol.C.Name, sol.C.Register)
		}
		if (partner.Known || sol.C.Known) && !s.tie(partner, &sol.C) {
			return s.reject("shared register has no common value")
		}
	}
	if s.Kind == StrategyMulAdd && !sol.C.Known && partner == nil {
		if !s.pick(&sol.C) {
			return s.reject("no addend")
		}
	}
	if !sol.A.Known && !sol.B.Known && !s.pick(&sol.B) {
		return s.reject("no value for %s", sol.B.Name)
	}
	if partner != nil && partner.Known && !sol.C.Known && !s.tie(partner, &sol.C) {
		return s.reject("shared register has no common value")
	}

	var solved bool
	switch {
	case sol.A.Known && sol.B.Known:
		addr, ok := s.evaluate(sol.A.Value, sol.B.Value, sol.C.Value)
		sol.Address, solved = addr, ok
	case s.Kind == StrategyAddWithCarry:
		solved = s.solveAdd(sol, mask)
	case s.Kind == StrategySubWithCarry:
		if sol.A.Known {
			solved = s.solveSubtrahend(sol, mask)
		} else {
			solved = s.solveMinuend(sol, mask)
		}
	case s.Kind == StrategyMultiply || s.Kind == StrategyMulAdd:
		solved = s.solveMulAdd(sol, mask)
	case s.Kind == StrategyDivideUnsigned:
		if sol.B.Known {
			solved = s.solveDividend(sol, mask)
		} else {
			solved = s.solveDivisor(sol, mask)
		}
	case s.Kind == StrategyDivideSigned:
		if sol.B.Known {
			solved = s.solveSignedDividend(sol, mask)
		} else {
			solved = s.solveSignedDivisor(sol, mask)
		}
	}
	if !solved {
		return s.reject("no operand value reaches the target")
	}
	if !s.validate(sol, mask) {
		return s.reject("solution %s fails validation", hex(sol.Address))
	}
	log.WithFields(log.Fields{"strategy": s.Kind, "address": hex(sol.Address), sol.A.Name: hex(sol.A.Value), sol.B.Name: hex(sol.B.Value)}).Debug("Address Solved")
	return sol, true
}

// tie makes two operands held in one register agree on its value.
func (s *AddressSolutionStrategy) tie(a, b *Operand) bool {
	switch {
	case a.Known && b.Known:
		return a.Value == b.Value
	case a.Known:
		if !b.allows(a.Value) {
			return false
		}
		b.set(a.Value)
	case b.Known:
		if !a.allows(b.Value) {
			return false
		}
		a.set(b.Value)
	default:
		both := a.values()
		both.ApplyConstraintSet(b.values())
		val, err := both.ChooseValue(s.rnd)
		if err != nil {
			return false
		}
		a.set(val)
		b.set(val)
	}
	return true
}

func (s *AddressSolutionStrategy) pick(op *Operand) bool {
	val, err := op.values().ChooseValue(s.rnd)
	if err != nil {
		return false
	}
	op.set(val)
	return true
}

// evaluate computes the address the way the hardware does: modulo 2^64, with products that
// overflow 64 bits rejected.
func (s *AddressSolutionStrategy) evaluate(a, b, c uint64) (uint64, bool) {
	switch s.Kind {
	case StrategyAddWithCarry:
		return a + b + s.carry(), true
	case StrategySubWithCarry:
		return a - b - 1 + s.carry(), true
	case StrategyMultiply, StrategyMulAdd:
		prod := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
		if !prod.IsUint64() {
			return 0, false
		}
		return new(uint256.Int).Add(prod, uint256.NewInt(c)).Uint64(), true
	case StrategyDivideUnsigned:
		if b == 0 {
			return 0, false
		}
		return a / b, true
	case StrategyDivideSigned:
		if b == 0 {
			return 0, false
		}
		return uint64(int64(a) / int64(b)), true
	}
	return 0, false
}

// chooseAddress picks an aligned member of the target that is also in reachable.
func (s *AddressSolutionStrategy) chooseAddress(reachable *ds.ConstraintSet, mask uint64) (uint64, bool) {
	reachable.ApplyConstraintSet(s.Target)
	addr, err := reachable.ChooseAlignedValue(s.rnd, mask)
	return addr, err == nil
}

func (s *AddressSolutionStrategy) solveAdd(sol *Solution, mask uint64) bool {
	unknown, known := &sol.A, &sol.B
	if sol.A.Known {
		unknown, known = &sol.B, &sol.A
	}
	delta := known.Value + s.carry()
	addr, ok := s.chooseAddress(unknown.values().Translate(delta), mask)
	if !ok {
		return false
	}
	unknown.set(addr - delta)
	sol.Address = addr
	return true
}

// solveMinuend solves A in address = A - B - borrow.
func (s *AddressSolutionStrategy) solveMinuend(sol *Solution, mask uint64) bool {
	delta := sol.B.Value + 1 - s.carry()
	addr, ok := s.chooseAddress(sol.A.values().Translate(-delta), mask)
	if !ok {
		return false
	}
	sol.A.set(addr + delta)
	sol.Address = addr
	return true
}

// solveSubtrahend solves B in address = A - B - borrow.
func (s *AddressSolutionStrategy) solveSubtrahend(sol *Solution, mask uint64) bool {
	top := sol.A.Value - 1 + s.carry()
	addr, ok := s.chooseAddress(sol.B.values().Reflect(top), mask)
	if !ok {
		return false
	}
	sol.B.set(top - addr)
	sol.Address = addr
	return true
}

// solveMulAdd solves the unknown factor of address = A * B + C. The candidates come from
// DivideElements, which drops wrapping products, so every candidate is checked and a solution
// reached only through overflow is never returned. An addend still unknown here shares the
// unknown factor's register, so address = x * (k + 1).
func (s *AddressSolutionStrategy) solveMulAdd(sol *Solution, mask uint64) bool {
	unknown, known := &sol.A, &sol.B
	if sol.A.Known {
		unknown, known = &sol.B, &sol.A
	}
	shared := !sol.C.Known
	scale, addend := known.Value, sol.C.Value
	if shared {
		if scale == maxUint64 {
			return false
		}
		scale, addend = scale+1, 0
	}
	cands := s.Target.Translate(-addend).DivideElements(scale)
	cands.ApplyConstraintSet(unknown.values())
	if shared {
		cands.ApplyConstraintSet(sol.C.values())
	}
	for i := 0; i < maxPicks && !cands.IsEmpty(); i++ {
		x, err := cands.ChooseValue(s.rnd)
		if err != nil {
			return false
		}
		c := sol.C.Value
		if shared {
			c = x
		}
		addr, ok := s.evaluate(x, known.Value, c)
		if ok && addr&mask == addr && s.Target.ContainsValue(addr) {
			unknown.set(x)
			if shared {
				sol.C.set(x)
			}
			sol.Address = addr
			return true
		}
		cands.SubValue(x)
	}
	return false
}

// solveDividend solves A in address = A / B for a known non-zero divisor. The quotients of an
// interval of dividends form an interval, so the reachable addresses are exact.
func (s *AddressSolutionStrategy) solveDividend(sol *Solution, mask uint64) bool {
	d := sol.B.Value
	if d == 0 {
		return false
	}
	dividends := sol.A.values()
	quotients := ds.NewConstraintSet()
	for _, rng := range dividends.Ranges() {
		quotients.AddRange(rng.From/d, rng.To/d)
	}
	addr, ok := s.chooseAddress(quotients, mask)
	if !ok {
		return false
	}
	lo, hi, ok := scaleRange(addr, addr, d)
	if !ok {
		return false
	}
	dividends.ApplyRange(lo, hi)
	val, err := dividends.ChooseValue(s.rnd)
	if err != nil {
		return false
	}
	sol.A.set(val)
	sol.Address = addr
	return true
}

// scaleRange returns [lo*d, hi*d + d-1] clipped to 64 bits; ok is false when lo*d overflows.
func scaleRange(lo, hi, d uint64) (uint64, uint64, bool) {
	from := new(uint256.Int).Mul(uint256.NewInt(lo), uint256.NewInt(d))
	if !from.IsUint64() {
		return 0, 0, false
	}
	to := new(uint256.Int).Mul(uint256.NewInt(hi), uint256.NewInt(d))
	to.Add(to, uint256.NewInt(d-1))
	if !to.IsUint64() {
		return from.Uint64(), maxUint64, true
	}
	return from.Uint64(), to.Uint64(), true
}

// solveDivisor solves B in address = A / B for a known dividend, trying quotients from the
// target until one has a legal divisor.
func (s *AddressSolutionStrategy) solveDivisor(sol *Solution, mask uint64) bool {
	n := sol.A.Value
	quotients := ds.NewConstraintSetRange(0, n)
	quotients.ApplyConstraintSet(s.Target)
	for i := 0; i < maxPicks; i++ {
		q, err := quotients.ChooseAlignedValue(s.rnd, mask)
		if err != nil {
			return false
		}
		divisors := sol.B.values()
		if q == 0 {
			if n == maxUint64 {
				divisors.Clear()
			} else {
				divisors.ApplyRange(n+1, maxUint64)
			}
		} else if lo, hi := n/(q+1)+1, n/q; lo <= hi {
			divisors.ApplyRange(lo, hi)
		} else {
			divisors.Clear()
		}
		divisors.SubValue(0)
		if d, err := divisors.ChooseValue(s.rnd); err == nil {
			sol.B.set(d)
			sol.Address = q
			return true
		}
		quotients.SubValue(q)
	}
	return false
}

func magnitude(v int64) uint64 {
	if v < 0 {
		return ^uint64(v) + 1
	}
	return uint64(v)
}

const signBit = uint64(1) << 63

// addSigned adds the values whose magnitude lies in [lo, hi] with the given sign, using two's
// complement encoding.
func addSigned(cs *ds.ConstraintSet, lo, hi uint64, negative bool) {
	limit := signBit - 1
	if negative {
		limit = signBit
	}
	hi = min(hi, limit)
	if lo > hi {
		return
	}
	if !negative {
		cs.AddRange(lo, hi)
		return
	}
	if lo == 0 {
		cs.AddValue(0)
		lo = 1
	}
	if lo <= hi {
		cs.AddRange(-hi, -lo)
	}
}

// signedDividends is every dividend n with n / d == q under truncating signed division.
func signedDividends(q, d int64) *ds.ConstraintSet {
	res := ds.NewConstraintSet()
	m, qm := magnitude(d), magnitude(q)
	if q == 0 {
		addSigned(res, 0, m-1, false)
		addSigned(res, 0, m-1, true)
		return res
	}
	lo, hi, ok := scaleRange(qm, qm, m)
	if !ok {
		return res
	}
	addSigned(res, lo, hi, (q < 0) != (d < 0))
	return res
}

// signedDivisors is every divisor d with n / d == q under truncating signed division.
func signedDivisors(n, q int64) *ds.ConstraintSet {
	res := ds.NewConstraintSet()
	nm, qm := magnitude(n), magnitude(q)
	switch {
	case nm == 0:
		if q == 0 {
			res.AddRange(1, maxUint64)
		}
	case q == 0:
		addSigned(res, nm+1, signBit, false)
		addSigned(res, nm+1, signBit, true)
	default:
		addSigned(res, nm/(qm+1)+1, nm/qm, (n < 0) != (q < 0))
	}
	return res
}

func (s *AddressSolutionStrategy) solveSignedDividend(sol *Solution, mask uint64) bool {
	d := int64(sol.B.Value)
	if d == 0 {
		return false
	}
	quotients := s.Target.Clone()
	for i := 0; i < maxPicks; i++ {
		q, err := quotients.ChooseAlignedValue(s.rnd, mask)
		if err != nil {
			return false
		}
		dividends := signedDividends(int64(q), d)
		dividends.ApplyConstraintSet(sol.A.values())
		if n, err := dividends.ChooseValue(s.rnd); err == nil {
			sol.A.set(n)
			sol.Address = q
			return true
		}
		quotients.SubValue(q)
	}
	return false
}

func (s *AddressSolutionStrategy) solveSignedDivisor(sol *Solution, mask uint64) bool {
	n := int64(sol.A.Value)
	quotients := s.Target.Clone()
	for i := 0; i < maxPicks; i++ {
		q, err := quotients.ChooseAlignedValue(s.rnd, mask)
		if err != nil {
			return false
		}
		divisors := signedDivisors(n, int64(q))
		divisors.ApplyConstraintSet(sol.B.values())
		if d, err := divisors.ChooseValue(s.rnd); err == nil {
			sol.B.set(d)
			sol.Address = q
			return true
		}
		quotients.SubValue(q)
	}
	return false
}

// validate recomputes the address from the solved operands and checks every rule a solution
// must meet.
func (s *AddressSolutionStrategy) validate(sol *Solution, mask uint64) bool {
	addr, ok := s.evaluate(sol.A.Value, sol.B.Value, sol.C.Value)
	if !ok || addr != sol.Address {
		return false
	}
	if addr&mask != addr || !s.Target.ContainsValue(addr) {
		return false
	}
	ops := []*Operand{&sol.A, &sol.B, &sol.C}
	for _, op := range ops {
		if !op.allows(op.Value) {
			return false
		}
	}
	if s.Kind != StrategyMulAdd {
		ops = ops[:2]
	}
	for i, a := range ops {
		for _, b := range ops[i+1:] {
			if sameRegister(a, b) && a.Value != b.Value {
				return false
			}
		}
	}
	return true
}
