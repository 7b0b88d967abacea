package paging

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/openhwgroup/force-riscv-sub005/arch"
	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
	"github.com/openhwgroup/force-riscv-sub005/failure"
	"github.com/openhwgroup/force-riscv-sub005/memory"
	"github.com/openhwgroup/force-riscv-sub005/random"
)

type VmConstraintType uint

const (
	VmExisting VmConstraintType = iota
	VmReadOnly
	VmNoExecute
	VmUserAccess
	VmFlatMap
	VmPageFault
	VmAddressError
	// VmPageTable holds physical addresses of translation tables.
	VmPageTable
	vmConstraintCount
)

var vmConstraintNames = [...]string{"Existing", "ReadOnly", "NoExecute", "UserAccess", "FlatMap", "PageFault", "AddressError", "PageTable"}

func (t VmConstraintType) String() string {
	if t < vmConstraintCount {
		return vmConstraintNames[t]
	}
	return fmt.Sprintf("VmConstraintType(%d)", uint(t))
}

type PageID int

type TableID int

const noTable TableID = -1

type tableNode struct {
	pa       uint64
	level    int
	children map[uint64]TableID
	leaves   map[uint64]PageID
}

// Page is one leaf mapping.
type Page struct {
	ID             PageID
	VaLower        uint64
	VaUpper        uint64
	PaLower        uint64
	Level          int
	Descriptor     uint64
	DescriptorAddr uint64
	Physical       PhysicalPageID
}

func (s *Page) Size() uint64 {
	return s.VaUpper - s.VaLower + 1
}

func (s *Page) Translate(va uint64) uint64 {
	return s.PaLower + (va - s.VaLower)
}

type WalkRecord struct {
	Level          int
	TableBase      uint64
	Index          uint64
	DescriptorAddr uint64
	Descriptor     uint64
}

type PageInfo struct {
	VaLower    uint64
	VaUpper    uint64
	PaLower    uint64
	PaUpper    uint64
	PageSize   uint64
	Descriptor uint64
	Walk       []WalkRecord
}

// AddressSpace is the translation state of one hardware thread: its page table tree, its leaf
// pages and the virtual memory constraints they produce. Table nodes and pages live in arenas
// and refer to each other by index.
type AddressSpace struct {
	scheme      *arch.PagingScheme
	ppm         *PhysicalPageManager
	bank        *memory.MemoryBank
	threadID    uint32
	rnd         *random.Random
	weights     map[uint64]uint64
	fields      map[string]*ds.ConstraintSet
	tables      []tableNode
	root        TableID
	pages       []Page
	byVa        []PageID
	constraints [vmConstraintCount]*ds.ConstraintSet
}

func NewAddressSpace(scheme *arch.PagingScheme, ppm *PhysicalPageManager, bank *memory.MemoryBank, threadID uint32, rnd *random.Random) *AddressSpace {
	res := &AddressSpace{
		scheme:   scheme,
		ppm:      ppm,
		bank:     bank,
		threadID: threadID,
		rnd:      rnd,
		weights:  map[uint64]uint64{scheme.PageSize(0): 1},
		fields:   make(map[string]*ds.ConstraintSet),
		root:     noTable,
	}
	for i := range res.constraints {
		res.constraints[i] = ds.NewConstraintSet()
	}
	res.constraints[VmAddressError] = ds.NewFullConstraintSet()
	res.constraints[VmAddressError].SubConstraintSet(scheme.CanonicalRanges())
	return res
}

// SetPageSizeWeights sets the choice weights of leaf sizes. Sizes the scheme cannot map are
// ignored.
func (s *AddressSpace) SetPageSizeWeights(weights map[uint64]uint64) {
	s.weights = make(map[uint64]uint64)
	for size, weight := range weights {
		if _, ok := s.scheme.LeafLevel(size); ok {
			s.weights[size] = weight
		}
	}
}

// SetFieldConstraints sets the default constraints of descriptor fields.
func (s *AddressSpace) SetFieldConstraints(fields map[string]*ds.ConstraintSet) {
	s.fields = make(map[string]*ds.ConstraintSet)
	for field, cs := range fields {
		s.fields[field] = cs.Clone()
	}
}

func (s *AddressSpace) Scheme() *arch.PagingScheme {
	return s.scheme
}

func (s *AddressSpace) VmConstraint(kind VmConstraintType) *ds.ConstraintSet {
	return s.constraints[kind].Clone()
}

// Root returns the physical address of the root table, once one exists.
func (s *AddressSpace) Root() (uint64, bool) {
	if s.root == noTable {
		return 0, false
	}
	return s.tables[s.root].pa, true
}

func (s *AddressSpace) IsMapped(va, size uint64) bool {
	if size == 0 {
		size = 1
	}
	return s.constraints[VmExisting].ContainsRange(va, va+size-1)
}

func (s *AddressSpace) findPage(va uint64) (*Page, bool) {
	pos, found := slices.BinarySearchFunc(s.byVa, va, func(e PageID, t uint64) int {
		return cmpUint64(s.pages[e].VaLower, t)
	})
	if found {
		return &s.pages[s.byVa[pos]], true
	}
	if pos == 0 {
		return nil, false
	}
	page := &s.pages[s.byVa[pos-1]]
	if page.VaUpper >= va {
		return page, true
	}
	return nil, false
}

func (s *AddressSpace) Translate(va uint64) (uint64, bool) {
	page, ok := s.findPage(va)
	if !ok {
		return 0, false
	}
	return page.Translate(va), true
}

// Pages lists the leaf pages in virtual address order.
func (s *AddressSpace) Pages() []Page {
	res := make([]Page, len(s.byVa))
	for i, id := range s.byVa {
		res[i] = s.pages[id]
	}
	return res
}

// MapAddressRange maps every page of [va, va+size) that is not mapped yet.
func (s *AddressSpace) MapAddressRange(va, size uint64, req *PageRequest) *errors.Error {
	if size == 0 {
		size = 1
	}
	end := va + size - 1
	if end < va {
		return failure.Operand("va", hexRange(va, end), "range wraps past the end of the address space")
	}
	if s.constraints[VmAddressError].IntersectsRange(va, end) {
		return failure.Operand("va", hexRange(va, end), "not canonical for %s", s.scheme)
	}
	cur := va
	for {
		page, ok := s.findPage(cur)
		if !ok {
			var err *errors.Error
			if page, err = s.mapPage(cur, req); err != nil {
				return err
			}
		}
		if page.VaUpper >= end {
			return nil
		}
		cur = page.VaUpper + 1
	}
}

// pageSizeOrder returns the leaf sizes that can map va without touching existing mappings:
// one picked by weight first, then the rest largest first.
func (s *AddressSpace) pageSizeOrder(va uint64) []uint64 {
	fits := []uint64{}
	for _, size := range s.scheme.PageSizes() {
		base := va & pageMask(size)
		if s.constraints[VmExisting].IntersectsRange(base, base+size-1) {
			continue
		}
		if s.constraints[VmAddressError].IntersectsRange(base, base+size-1) {
			continue
		}
		fits = append(fits, size)
	}
	sort.Slice(fits, func(i, j int) bool { return fits[i] > fits[j] })
	weights := make(map[string]uint64)
	for _, size := range fits {
		if w := s.weights[size]; w > 0 {
			weights[strconv.FormatUint(size, 16)] = w
		}
	}
	key, ok := s.rnd.ChooseWeighted(weights)
	if !ok {
		return fits
	}
	first, _ := strconv.ParseUint(key, 16, 64)
	res := []uint64{first}
	for _, size := range fits {
		if size != first {
			res = append(res, size)
		}
	}
	return res
}

// mapPage maps the page holding va. The tables of the walk exist before the leaf's physical
// page is committed, so a failed table allocation never strands a data page.
func (s *AddressSpace) mapPage(va uint64, req *PageRequest) (*Page, *errors.Error) {
	fields, err := s.chooseFields(req)
	if err != nil {
		return nil, err
	}
	for _, size := range s.pageSizeOrder(va) {
		base := va & pageMask(size)
		level, _ := s.scheme.LeafLevel(size)
		node, err := s.walk(base, level)
		if err != nil {
			return nil, err
		}
		id, pa, ok, err := s.ppm.AllocatePage(&AllocationRequest{Page: req, Size: size, VA: base})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		return s.install(node, level, base, size, pa, id, fields)
	}
	return nil, failure.Empty("MapAddressRange")
}

func (s *AddressSpace) allocTable(level int) (TableID, *errors.Error) {
	_, pa, ok, err := s.ppm.AllocatePage(&AllocationRequest{Size: arch.TableSize, PageTable: true})
	if err != nil {
		return noTable, err
	}
	if !ok {
		return noTable, failure.Empty("page table allocation")
	}
	id := TableID(len(s.tables))
	s.tables = append(s.tables, tableNode{pa: pa, level: level, children: make(map[uint64]TableID), leaves: make(map[uint64]PageID)})
	s.constraints[VmPageTable].AddRange(pa, pa+arch.TableSize-1)
	if s.bank != nil {
		s.bank.Constraint().SubUsable(pa, pa+arch.TableSize-1)
	}
	log.WithFields(log.Fields{"thread": s.threadID, "level": level, "pa": hex(pa)}).Debug("New Page Table")
	return id, nil
}

func (s *AddressSpace) writeDescriptor(addr, val uint64) *errors.Error {
	if s.bank == nil {
		return nil
	}
	buf := make([]byte, arch.EntrySize)
	binary.LittleEndian.PutUint64(buf, val)
	return s.bank.InitializeSystem(addr, buf)
}

// walk returns the table holding the level leaf for base, creating missing tables on the way.
func (s *AddressSpace) walk(base uint64, level int) (TableID, *errors.Error) {
	if s.root == noTable {
		root, err := s.allocTable(s.scheme.RootLevel())
		if err != nil {
			return noTable, err
		}
		s.root = root
	}
	node := s.root
	for l := s.scheme.RootLevel(); l > level; l-- {
		idx := s.scheme.Index(base, l)
		child, ok := s.tables[node].children[idx]
		if !ok {
			if _, leaf := s.tables[node].leaves[idx]; leaf {
				return noTable, failure.Fatal(failure.CodeInvalidArgument, "va %s is already covered by a level %d leaf", hex(base), l)
			}
			var err *errors.Error
			if child, err = s.allocTable(l - 1); err != nil {
				return noTable, err
			}
			s.tables[node].children[idx] = child
			if err := s.writeDescriptor(s.tables[node].pa+idx*arch.EntrySize, s.scheme.EncodeBranch(s.tables[child].pa)); err != nil {
				return noTable, err
			}
		}
		node = child
	}
	return node, nil
}

func (s *AddressSpace) install(node TableID, level int, base, size, pa uint64, phys PhysicalPageID, fields arch.PteFields) (*Page, *errors.Error) {
	idx := s.scheme.Index(base, level)
	desc := s.scheme.EncodeLeaf(pa, fields)
	descAddr := s.tables[node].pa + idx*arch.EntrySize
	if err := s.writeDescriptor(descAddr, desc); err != nil {
		return nil, err
	}
	id := PageID(len(s.pages))
	s.pages = append(s.pages, Page{
		ID:             id,
		VaLower:        base,
		VaUpper:        base + size - 1,
		PaLower:        pa,
		Level:          level,
		Descriptor:     desc,
		DescriptorAddr: descAddr,
		Physical:       phys,
	})
	s.tables[node].leaves[idx] = id
	pos, _ := slices.BinarySearchFunc(s.byVa, base, func(e PageID, t uint64) int {
		return cmpUint64(s.pages[e].VaLower, t)
	})
	s.byVa = slices.Insert(s.byVa, pos, id)
	s.addConstraints(&s.pages[id], fields.Flags)
	log.WithFields(log.Fields{"thread": s.threadID, "va": hex(base), "pa": hex(pa), "size": hex(size), "pte": hex(desc)}).Debug("Map Page")
	return &s.pages[id], nil
}

func (s *AddressSpace) addConstraints(page *Page, flags uint64) {
	lo, hi := page.VaLower, page.VaUpper
	s.constraints[VmExisting].AddRange(lo, hi)
	if flags&arch.PteW == 0 {
		s.constraints[VmReadOnly].AddRange(lo, hi)
	}
	if flags&arch.PteX == 0 {
		s.constraints[VmNoExecute].AddRange(lo, hi)
	}
	if flags&arch.PteU != 0 {
		s.constraints[VmUserAccess].AddRange(lo, hi)
	}
	if page.PaLower == lo {
		s.constraints[VmFlatMap].AddRange(lo, hi)
	}
	if flags&arch.PteA == 0 || (flags&arch.PteW != 0 && flags&arch.PteD == 0) {
		s.constraints[VmPageFault].AddRange(lo, hi)
	}
}

// chooseField picks a value of a descriptor field within its legal range, the space wide
// default and the request's own constraint.
func (s *AddressSpace) chooseField(req *PageRequest, field string, extra *ds.ConstraintSet) (uint64, *errors.Error) {
	cs, _ := arch.FieldRange(field)
	if def, ok := s.fields[field]; ok {
		cs.ApplyConstraintSet(def)
	}
	if hard, ok := req.AttributeConstraints[field]; ok {
		cs.ApplyConstraintSet(hard)
	}
	if extra != nil {
		cs.ApplyConstraintSet(extra)
	}
	val, err := cs.ChooseValue(s.rnd)
	if err != nil {
		return 0, failure.Operand(field, cs.String(), "no legal descriptor value")
	}
	return val, nil
}

func (s *AddressSpace) chooseFields(req *PageRequest) (arch.PteFields, *errors.Error) {
	flags := arch.PteR
	writable := req.Access == memory.AccessWrite || req.Access == memory.AccessReadWrite
	if !writable {
		writable = req.FlagOr(FlagWritable, s.rnd.Bool())
	}
	if writable {
		flags |= arch.PteW
	}
	executable := req.Instruction
	if !executable {
		executable = req.FlagOr(FlagExecutable, s.rnd.Bool())
	}
	if executable {
		flags |= arch.PteX
	}

	one := ds.NewConstraintSetValue(1)
	var needA, needD, needU *ds.ConstraintSet
	if req.Instruction && req.FlagOr(FlagNoInstrPageFault, false) {
		needA = one
	}
	if !req.Instruction && req.FlagOr(FlagNoDataPageFault, false) {
		needA = one
		if writable {
			needD = one
		}
	}
	if level, ok := req.Privilege(); ok {
		needU = ds.NewConstraintSetValue(0)
		if level == 0 {
			needU = one
		}
	}
	for _, f := range []struct {
		name string
		need *ds.ConstraintSet
	}{{"U", needU}, {"G", nil}, {"A", needA}, {"D", needD}} {
		val, err := s.chooseField(req, f.name, f.need)
		if err != nil {
			return arch.PteFields{}, err
		}
		if val == 1 {
			flags |= arch.FieldFlag(f.name)
		}
	}
	rsw, err := s.chooseField(req, "RSW", nil)
	if err != nil {
		return arch.PteFields{}, err
	}
	return arch.PteFields{Flags: flags, Rsw: rsw}, nil
}

// PageInfo describes the mapping of va, including every descriptor on its table walk.
func (s *AddressSpace) PageInfo(va uint64) (*PageInfo, bool) {
	page, ok := s.findPage(va)
	if !ok {
		return nil, false
	}
	res := &PageInfo{
		VaLower:    page.VaLower,
		VaUpper:    page.VaUpper,
		PaLower:    page.PaLower,
		PaUpper:    page.PaLower + page.Size() - 1,
		PageSize:   page.Size(),
		Descriptor: page.Descriptor,
	}
	node := s.root
	for l := s.scheme.RootLevel(); l >= page.Level; l-- {
		idx := s.scheme.Index(va, l)
		rec := WalkRecord{Level: l, TableBase: s.tables[node].pa, Index: idx, DescriptorAddr: s.tables[node].pa + idx*arch.EntrySize}
		if l == page.Level {
			rec.Descriptor = page.Descriptor
			res.Walk = append(res.Walk, rec)
			break
		}
		child := s.tables[node].children[idx]
		rec.Descriptor = s.scheme.EncodeBranch(s.tables[child].pa)
		res.Walk = append(res.Walk, rec)
		node = child
	}
	return res, true
}
