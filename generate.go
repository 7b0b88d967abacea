package main

import (
	"encoding/binary"
	"os"
	"sort"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"

	"github.com/openhwgroup/force-riscv-sub005/arch"
	"github.com/openhwgroup/force-riscv-sub005/config"
	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
	"github.com/openhwgroup/force-riscv-sub005/emulator"
	"github.com/openhwgroup/force-riscv-sub005/failure"
	"github.com/openhwgroup/force-riscv-sub005/image"
	"github.com/openhwgroup/force-riscv-sub005/loader/elf"
	"github.com/openhwgroup/force-riscv-sub005/memory"
	"github.com/openhwgroup/force-riscv-sub005/paging"
	"github.com/openhwgroup/force-riscv-sub005/random"
	"github.com/openhwgroup/force-riscv-sub005/solver"
	"github.com/openhwgroup/force-riscv-sub005/vagen"
)

const (
	instrSize = 4
	// blockInstrs is the length of the code block of one thread, one access per slot and a
	// trailing nop.
	blockInstrs = 16
	opNop       = 0x00000013
	opLoad      = 0x03
	opStore     = 0x23
	// freshBases is how many unassigned registers are offered as base per access.
	freshBases = 3
)

var accessSizes = []uint64{1, 2, 4, 8}

// access is one generated load or store.
type access struct {
	VA    uint64
	Size  uint64
	Write bool
	Base  int
	Imm   uint64
}

func funct3(size uint64) uint32 {
	switch size {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	}
	return 3
}

// encode builds "l{b,h,w,d} x0, imm(base)" or "s{b,h,w,d} x0, imm(base)".
func (s access) encode() uint32 {
	imm := uint32(s.Imm) & 0xfff
	rs1 := uint32(s.Base) << 15
	if s.Write {
		return (imm>>5)<<25 | rs1 | funct3(s.Size)<<12 | (imm&0x1f)<<7 | opStore
	}
	return imm<<20 | rs1 | funct3(s.Size)<<12 | opLoad
}

// threadGenerator builds the code block and the data accesses of one hardware thread.
type threadGenerator struct {
	id       uint32
	arch     *arch.RiscV
	bank     *memory.MemoryBank
	mapper   paging.VmMapper
	gen      *vagen.VaGenerator
	rnd      *random.Random
	sp       *solver.SpAlignmentPolicy
	pc       uint64
	regs     map[int]uint64
	lastBase int
	accesses []access
}

func newThreadGenerator(cfg *config.Config, rv *arch.RiscV, bank *memory.MemoryBank, ppm *paging.PhysicalPageManager, id uint32, rnd *random.Random) (*threadGenerator, *errors.Error) {
	var mapper paging.VmMapper
	if rv.Paging() == nil {
		mapper = paging.NewDirectMapper(bank, id)
	} else {
		space := paging.NewAddressSpace(rv.Paging(), ppm, bank, id, rnd.ForThread(id))
		space.SetPageSizeWeights(cfg.PageSizeWeightsBySize())
		fields, err := cfg.PteFieldConstraints()
		if err != nil {
			return nil, err
		}
		space.SetFieldConstraints(fields)
		mapper = paging.NewPagingMapper(space, bank)
	}
	sp, err := solver.NewSpAlignmentPolicy(cfg.SpAlignment.Weights, cfg.SpAlignment.Force, rnd)
	if err != nil {
		return nil, err
	}
	opts := vagen.Options{
		MaxRetries: cfg.MaxAddressRetries,
		Branch:     vagen.PcWindow(cfg.PcExclusion(true)),
		NonBranch:  vagen.PcWindow(cfg.PcExclusion(false)),
	}
	return &threadGenerator{
		id:       id,
		arch:     rv,
		bank:     bank,
		mapper:   mapper,
		gen:      vagen.NewVaGenerator(mapper, nil, rnd, opts),
		rnd:      rnd,
		sp:       sp,
		regs:     make(map[int]uint64),
		lastBase: -1,
	}, nil
}

func (s *threadGenerator) placeCode() *errors.Error {
	size := uint64(blockInstrs * instrSize)
	req := vagen.NewInstrRequest(size, size)
	req.Page.SetFlag(paging.FlagNoInstrPageFault, true)
	pc, err := s.gen.Generate(req)
	if err != nil {
		return err
	}
	s.pc = pc
	return s.mapper.MarkUsed(pc, size, memory.DataTypeInstruction, memory.AccessRead)
}

// baseCandidates offers every register already holding a value, with the offset left to
// the solver, plus a few unassigned registers with a random offset.
func (s *threadGenerator) baseCandidates(va, size uint64) []*solver.Solution {
	imm := ds.NewConstraintSet()
	imm.AddRangeWrap(^uint64(2047), 2047)
	target := ds.NewConstraintSetValue(va)

	res := []*solver.Solution{}
	try := func(base solver.Operand, offset solver.Operand) {
		strategy := solver.NewAddressSolutionStrategy(solver.StrategyAddWithCarry, target, size, s.rnd)
		strategy.A = base
		strategy.B = offset
		if sol, ok := strategy.Solve(); ok {
			res = append(res, sol)
		}
	}
	assigned := make([]int, 0, len(s.regs))
	for reg := range s.regs {
		assigned = append(assigned, reg)
	}
	sort.Ints(assigned)
	for _, reg := range assigned {
		try(solver.KnownRegister("base", reg, s.regs[reg]), solver.Operand{Name: "offset", Register: solver.NoRegister, Constraint: imm})
	}
	fresh := []int{}
	for _, reg := range s.arch.GetRegisters() {
		if _, ok := s.regs[reg]; !ok {
			fresh = append(fresh, reg)
		}
	}
	for _, i := range s.rnd.Perm(len(fresh))[:min(freshBases, len(fresh))] {
		offset := uint64(int64(s.rnd.Intn(4096) - 2048))
		try(solver.UnknownRegister("base", fresh[i], nil), solver.Immediate("offset", offset))
	}
	return res
}

func (s *threadGenerator) chooseBase(va, size uint64) (*solver.Solution, *errors.Error) {
	ctx := &solver.FilterContext{Sp: s.sp}
	if s.lastBase >= 0 {
		ctx.BaseDependence = ds.NewConstraintSetValue(uint64(s.lastBase))
	}
	sols, err := solver.ApplyFilters(ctx, s.baseCandidates(va, size),
		solver.AddressSolutionFilter{Kind: solver.FilterSpAlignment},
		solver.AddressSolutionFilter{Kind: solver.FilterBaseDependence},
	)
	if err != nil {
		return nil, err
	}
	if len(sols) == 0 {
		return nil, failure.Empty("ChooseBase")
	}
	return sols[s.rnd.Intn(len(sols))], nil
}

func (s *threadGenerator) generateAccess() *errors.Error {
	size := accessSizes[s.rnd.Intn(len(accessSizes))]
	acc := memory.AccessRead
	if s.rnd.Bool() {
		acc = memory.AccessWrite
	}
	req := vagen.NewDataRequest(size, size, acc).SetPC(s.pc, false)
	req.Page.SetFlag(paging.FlagNoDataPageFault, true)
	va, err := s.gen.Generate(req)
	if err != nil {
		return err
	}
	sol, err := s.chooseBase(va, size)
	if err != nil {
		return err
	}
	if err := s.mapper.MarkUsed(va, size, memory.DataTypeData, acc); err != nil {
		return err
	}
	pa, ok := s.mapper.Translate(va)
	if !ok {
		return failure.Fatal(failure.CodeDanglingReference, "generated address %s is not mapped", hex(va))
	}
	if err := s.bank.InitializeRandom(pa, size, memory.DataTypeData, acc, s.id); err != nil {
		return err
	}
	s.regs[sol.A.Register] = sol.A.Value
	s.lastBase = sol.A.Register
	s.accesses = append(s.accesses, access{VA: va, Size: size, Write: acc == memory.AccessWrite, Base: sol.A.Register, Imm: sol.B.Value})
	log.WithFields(log.Fields{"thread": s.id, "va": hex(va), "pa": hex(pa), "size": size, "base": sol.A.Register}).Debug("Generated Access")
	return nil
}

// writeCode stores the encoded block at the thread's pc. The block never crosses a page.
func (s *threadGenerator) writeCode() *errors.Error {
	code := make([]byte, blockInstrs*instrSize)
	for i := 0; i < blockInstrs; i++ {
		word := uint32(opNop)
		if i < len(s.accesses) {
			word = s.accesses[i].encode()
		}
		binary.LittleEndian.PutUint32(code[i*instrSize:], word)
	}
	pa, ok := s.mapper.Translate(s.pc)
	if !ok {
		return failure.Fatal(failure.CodeDanglingReference, "code block %s is not mapped", hex(s.pc))
	}
	return s.bank.Initialize(pa, code, memory.DataTypeInstruction, memory.AccessRead, s.id)
}

func (s *threadGenerator) run(accesses int) *errors.Error {
	if err := s.placeCode(); err != nil {
		return err
	}
	for i := 0; i < min(accesses, blockInstrs-1); i++ {
		if err := s.generateAccess(); err != nil {
			if failure.Retryable(err) {
				log.WithFields(log.Fields{"thread": s.id, "error": err}).Warn("Access Skipped")
				continue
			}
			return err
		}
	}
	return s.writeCode()
}

func (s *threadGenerator) writeImage(w *image.Writer) {
	w.Thread(s.id, s.pc)
	regs := make([]int, 0, len(s.regs))
	for reg := range s.regs {
		regs = append(regs, reg)
	}
	sort.Ints(regs)
	for _, reg := range regs {
		w.Register(s.id, reg, s.regs[reg])
	}
	if mapper, ok := s.mapper.(*paging.PagingMapper); ok {
		if root, ok := mapper.Space().Root(); ok {
			w.Translation(s.id, s.arch.SatpMode(), root)
		}
	}
}

// mirror replays the thread on the CPU model and reports accesses outside initialized memory.
func (s *threadGenerator) mirror(banks []*memory.MemoryBank) *errors.Error {
	if len(s.accesses) == 0 {
		return nil
	}
	em, err := emulator.NewEmulator(s.arch, emulator.Config{MaxInstructions: uint64(len(s.accesses))})
	if err != nil {
		return err
	}
	defer em.Close()
	for _, bank := range banks {
		if err := em.LoadBank(bank); err != nil {
			return err
		}
	}
	for reg, val := range s.regs {
		if err := em.SetRegister(reg, val); err != nil {
			return err
		}
	}
	if err := em.Run(s.pc); err != nil {
		return err
	}
	for _, fault := range em.Faults {
		log.WithFields(log.Fields{"thread": s.id, "fault": fault}).Error("Mirror Fault")
	}
	if len(em.Faults) > 0 {
		return failure.Fatal(failure.CodeDanglingReference, "thread %d touched unmapped memory", s.id)
	}
	return nil
}

func buildMemory(cfg *config.Config) (*memory.MemoryManager, *errors.Error) {
	mgr := memory.NewMemoryManager(cfg.Threads, cfg.Seed)
	for _, bc := range cfg.MemoryBanks {
		kind := memory.MultiThreadConstraint
		if bc.Kind == "single_thread" {
			kind = memory.SingleThreadConstraint
		}
		id := memory.MemoryBankID(bc.ID)
		if err := mgr.DefineBank(id, bc.Name, kind, bc.Owner); err != nil {
			return nil, err
		}
		ranges, err := config.ParseRanges(bc.Ranges)
		if err != nil {
			return nil, err
		}
		for _, rng := range ranges.Ranges() {
			if err := mgr.AddMemoryRange(id, rng.From, rng.To); err != nil {
				return nil, err
			}
		}
	}
	for _, group := range cfg.ExclusiveTraits {
		mgr.AddExclusiveTraits(group...)
	}
	if err := mgr.ConfigureMemoryBanks(); err != nil {
		return nil, err
	}
	for _, bank := range mgr.Banks() {
		for _, trait := range cfg.GlobalTraits {
			ranges, err := config.ParseRanges(trait.Ranges)
			if err != nil {
				return nil, err
			}
			id := bank.Traits().RegisterTrait(trait.Name)
			ranges.ApplyConstraintSet(bank.Ranges())
			for _, rng := range ranges.Ranges() {
				if err := bank.Traits().AddGlobalTrait(id, rng.From, rng.To); err != nil {
					return nil, err
				}
			}
		}
	}
	return mgr, nil
}

// Generate builds a test from cfg, writes its image to cfg.Output and returns the image
// digest.
func Generate(cfg *config.Config, accesses int) (uint64, *errors.Error) {
	rv, err := arch.NewRiscV(cfg.PagingMode)
	if err != nil {
		return 0, err
	}
	rnd := random.NewRandom(cfg.Seed)
	mgr, err := buildMemory(cfg)
	if err != nil {
		return 0, err
	}
	bank, err := mgr.Bank(memory.MemoryBankID(cfg.MemoryBanks[0].ID))
	if err != nil {
		return 0, err
	}

	ppm := paging.NewPhysicalPageManager(bank.Name, bank.Traits(), rnd.ForThread(^uint32(0)))
	if err := ppm.Initialize(bank.Constraint().Usable(), nil); err != nil {
		return 0, err
	}
	exclusion, err := config.ParseRanges(cfg.AliasExclusion)
	if err != nil {
		return 0, err
	}
	ppm.SetAliasExclusion(exclusion)

	if cfg.Elf != "" {
		_, regions, err := elf.Load(cfg.Elf)
		if err != nil {
			return 0, err
		}
		if err := elf.ReserveSegments(regions, bank, ppm, cfg.Threads[0]); err != nil {
			return 0, err
		}
	}

	threads := []*threadGenerator{}
	for _, id := range cfg.Threads {
		tg, err := newThreadGenerator(cfg, rv, bank, ppm, id, rnd.ForThread(id))
		if err != nil {
			return 0, err
		}
		if err := tg.run(accesses); err != nil {
			return 0, err
		}
		threads = append(threads, tg)
	}

	if emulator.Available() && rv.Paging() == nil {
		for _, tg := range threads {
			if err := tg.mirror(mgr.Banks()); err != nil {
				return 0, err
			}
		}
	}

	out, oerr := os.Create(cfg.Output)
	if oerr != nil {
		return 0, errors.Wrap(oerr, 0)
	}
	defer out.Close()
	w := image.NewWriter(out)
	for _, tg := range threads {
		tg.writeImage(w)
	}
	for _, b := range mgr.Banks() {
		w.Bank(b)
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	return w.Digest(), nil
}
