package paging

import (
	"fmt"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
	"github.com/openhwgroup/force-riscv-sub005/failure"
	"github.com/openhwgroup/force-riscv-sub005/memory"
	"github.com/openhwgroup/force-riscv-sub005/random"
)

func hex(val uint64) string {
	return fmt.Sprintf("0x%x", val)
}

func hexRange(from, to uint64) string {
	return fmt.Sprintf("[0x%x, 0x%x]", from, to)
}

func pageMask(size uint64) uint64 {
	return ^(size - 1)
}

// PhysicalPageID indexes the page arena of a PhysicalPageManager.
type PhysicalPageID int

const NoPhysicalPage PhysicalPageID = -1

// PhysicalPage is a committed physical range. Virtual pages refer to it by ID.
type PhysicalPage struct {
	ID        PhysicalPageID
	Lower     uint64
	Upper     uint64
	Traits    *memory.MemoryTraitsRange
	CanAlias  bool
	PageTable bool
	// Aliases counts the extra virtual pages mapped onto this page.
	Aliases int
}

func (s *PhysicalPage) Size() uint64 {
	return s.Upper - s.Lower + 1
}

// PhysicalPageManager hands out page sized, page aligned physical ranges of one memory bank
// and keeps every committed page in an arena.
type PhysicalPageManager struct {
	name           string
	traits         *memory.MemoryTraitsManager
	rnd            *random.Random
	free           *ds.LargeConstraintSet
	allocated      *ds.ConstraintSet
	boundary       *ds.ConstraintSet
	aliasExclusion *ds.ConstraintSet
	// views caches, per page size, the free memory inside the boundary that can hold an
	// aligned page of that size.
	views       map[uint64]*ds.ConstraintSet
	pages       []PhysicalPage
	byAddr      []PhysicalPageID
	initialized bool
}

func NewPhysicalPageManager(name string, traits *memory.MemoryTraitsManager, rnd *random.Random) *PhysicalPageManager {
	return &PhysicalPageManager{
		name:           name,
		traits:         traits,
		rnd:            rnd,
		allocated:      ds.NewConstraintSet(),
		boundary:       ds.NewFullConstraintSet(),
		aliasExclusion: ds.NewConstraintSet(),
		views:          make(map[uint64]*ds.ConstraintSet),
	}
}

// Initialize sets the free physical memory. It must be called exactly once, before the first
// allocation. A nil boundary leaves allocation unbounded.
func (s *PhysicalPageManager) Initialize(free, boundary *ds.ConstraintSet) *errors.Error {
	if s.initialized {
		return failure.Fatal(failure.CodeDoubleInitialize, "physical page manager %s initialized twice", s.name)
	}
	s.free = ds.NewLargeConstraintSet(free)
	if boundary != nil {
		s.boundary = boundary.Clone()
	}
	s.initialized = true
	log.WithFields(log.Fields{"manager": s.name, "free": free.String()}).Info("Physical Page Manager Initialized")
	return nil
}

func (s *PhysicalPageManager) IsInitialized() bool {
	return s.initialized
}

// SetBoundary restricts future allocations. The aligned views are rebuilt on next use.
func (s *PhysicalPageManager) SetBoundary(boundary *ds.ConstraintSet) {
	s.boundary = boundary.Clone()
	s.views = make(map[uint64]*ds.ConstraintSet)
	log.WithFields(log.Fields{"manager": s.name, "boundary": boundary.String()}).Debug("Set Physical Boundary")
}

// SetAliasExclusion names physical ranges that may never be shared between virtual pages.
func (s *PhysicalPageManager) SetAliasExclusion(exclusion *ds.ConstraintSet) {
	s.aliasExclusion = exclusion.Clone()
}

func (s *PhysicalPageManager) Free() *ds.ConstraintSet {
	if s.free == nil {
		return ds.NewConstraintSet()
	}
	return s.free.Clone()
}

func (s *PhysicalPageManager) Allocated() *ds.ConstraintSet {
	return s.allocated.Clone()
}

func (s *PhysicalPageManager) view(size uint64) (*ds.ConstraintSet, *errors.Error) {
	if v, ok := s.views[size]; ok {
		return v, nil
	}
	v := s.free.Clone()
	v.ApplyConstraintSet(s.boundary)
	if err := v.AlignWithSize(pageMask(size), size); err != nil {
		return nil, err
	}
	s.views[size] = v
	return v, nil
}

func (s *PhysicalPageManager) requestedIDs(req *AllocationRequest) []memory.TraitID {
	ids := []memory.TraitID{}
	if req.Page != nil {
		for _, name := range req.Page.Attributes {
			ids = append(ids, s.traits.RegisterTrait(name))
		}
	}
	return ids
}

func (s *PhysicalPageManager) requestedTraits(req *AllocationRequest, from, to uint64) *memory.MemoryTraitsRange {
	return memory.NewUniformMemoryTraitsRange(s.requestedIDs(req), from, to)
}

// AllocatePage finds physical memory for one page: a fresh range first, then, when the
// request allows it, an alias onto a committed page. ok is false when neither works; that is
// an ordinary outcome and the caller should try another target.
func (s *PhysicalPageManager) AllocatePage(req *AllocationRequest) (PhysicalPageID, uint64, bool, *errors.Error) {
	if !s.initialized {
		return NoPhysicalPage, 0, false, failure.Fatal(failure.CodeNotInitialized, "AllocatePage on %s before Initialize", s.name)
	}
	if req.Size == 0 || req.Size&(req.Size-1) != 0 {
		return NoPhysicalPage, 0, false, failure.Fatal(failure.CodeInvalidArgument, "page size %s is not a power of two", hex(req.Size))
	}
	id, pa, err := s.newAllocation(req)
	if err == nil {
		return id, pa, true, nil
	}
	if !failure.Retryable(err) {
		return NoPhysicalPage, 0, false, err
	}
	if req.canAlias() {
		id, pa, err = s.aliasAllocation(req)
		if err == nil {
			return id, pa, true, nil
		}
		if !failure.Retryable(err) {
			return NoPhysicalPage, 0, false, err
		}
	}
	log.WithFields(log.Fields{"manager": s.name, "size": hex(req.Size), "va": hex(req.VA)}).Debug("Physical Allocation Failed")
	return NoPhysicalPage, 0, false, nil
}

// conflictingTraits is every address carrying a trait the request does not ask for. A page
// requesting traits cannot be placed there.
func (s *PhysicalPageManager) conflictingTraits(wanted []memory.TraitID) *ds.ConstraintSet {
	res := ds.NewConstraintSet()
	if len(wanted) == 0 {
		return res
	}
	for _, id := range s.traits.TraitIDs() {
		if !slices.Contains(wanted, id) {
			res.MergeConstraintSet(s.traits.TraitRanges(0, id))
		}
	}
	return res
}

func (s *PhysicalPageManager) newAllocation(req *AllocationRequest) (PhysicalPageID, uint64, *errors.Error) {
	v, err := s.view(req.Size)
	if err != nil {
		return NoPhysicalPage, 0, err
	}
	mask := pageMask(req.Size)
	cand := v.Clone()
	if req.Page != nil && req.Page.PhysicalConstraint != nil {
		cand.ApplyConstraintSet(req.Page.PhysicalConstraint)
	}
	if req.canAlias() {
		cand.SubConstraintSet(s.aliasExclusion)
	}
	cand.SubConstraintSet(s.conflictingTraits(s.requestedIDs(req)))
	starts, err := cand.AlignedStarts(mask, req.Size)
	if err != nil {
		return NoPhysicalPage, 0, err
	}
	if req.flatMap() {
		starts.ApplyRange(req.VA, req.VA)
	}
	for !starts.IsEmpty() {
		pa, err := starts.ChooseAlignedValue(s.rnd, mask)
		if err != nil {
			return NoPhysicalPage, 0, err
		}
		end := pa + req.Size - 1
		want := s.requestedTraits(req, pa, end)
		if !s.traits.GetMemoryTraitsRange(0, pa, end).IsCompatible(want) {
			starts.SubValue(pa)
			continue
		}
		id, err := s.commit(req, pa, want)
		return id, pa, err
	}
	return NoPhysicalPage, 0, failure.Empty("NewAllocation")
}

func (s *PhysicalPageManager) take(from, to uint64) *errors.Error {
	if s.allocated.IntersectsRange(from, to) {
		return failure.Fatal(failure.CodeDuplicateAllocation, "physical range %s of %s is already allocated", hexRange(from, to), s.name)
	}
	s.free.SubRange(from, to)
	s.allocated.AddRange(from, to)
	for size, v := range s.views {
		v.SubRange(from, to)
		if err := v.AlignWithSize(pageMask(size), size); err != nil {
			return err
		}
	}
	return nil
}

func (s *PhysicalPageManager) commit(req *AllocationRequest, pa uint64, want *memory.MemoryTraitsRange) (PhysicalPageID, *errors.Error) {
	end := pa + req.Size - 1
	if err := s.traits.CheckGlobalTraits(want.TraitIDs(), pa, end); err != nil {
		return NoPhysicalPage, err
	}
	if err := s.take(pa, end); err != nil {
		return NoPhysicalPage, err
	}
	for _, id := range want.TraitIDs() {
		if err := s.traits.AddGlobalTrait(id, pa, end); err != nil {
			return NoPhysicalPage, err
		}
	}
	id := PhysicalPageID(len(s.pages))
	s.pages = append(s.pages, PhysicalPage{
		ID:        id,
		Lower:     pa,
		Upper:     end,
		Traits:    s.traits.GetMemoryTraitsRange(0, pa, end),
		CanAlias:  req.canAlias(),
		PageTable: req.PageTable,
	})
	pos, _ := slices.BinarySearchFunc(s.byAddr, pa, func(e PhysicalPageID, t uint64) int {
		return cmpUint64(s.pages[e].Lower, t)
	})
	s.byAddr = slices.Insert(s.byAddr, pos, id)
	log.WithFields(log.Fields{"manager": s.name, "id": id, "pa": hex(pa), "size": hex(req.Size), "table": req.PageTable}).Debug("New Physical Page")
	return id, nil
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (s *PhysicalPageManager) aliasAllocation(req *AllocationRequest) (PhysicalPageID, uint64, *errors.Error) {
	mask := pageMask(req.Size)
	for _, i := range s.rnd.Perm(len(s.pages)) {
		page := &s.pages[i]
		if !page.CanAlias || page.PageTable || page.Size() < req.Size {
			continue
		}
		if s.aliasExclusion.IntersectsRange(page.Lower, page.Upper) {
			continue
		}
		cand := ds.NewConstraintSetRange(page.Lower, page.Upper)
		if req.Page.PhysicalConstraint != nil {
			cand.ApplyConstraintSet(req.Page.PhysicalConstraint)
		}
		starts, err := cand.AlignedStarts(mask, req.Size)
		if err != nil {
			return NoPhysicalPage, 0, err
		}
		if req.flatMap() {
			starts.ApplyRange(req.VA, req.VA)
		}
		pa, err := starts.ChooseAlignedValue(s.rnd, mask)
		if err != nil {
			continue
		}
		end := pa + req.Size - 1
		want := s.requestedTraits(req, pa, end)
		have := page.Traits.Clip(pa, end)
		if !have.IsCompatible(want) || !want.IsCompatible(have) {
			continue
		}
		for _, id := range want.TraitIDs() {
			if err := s.traits.AddGlobalTrait(id, pa, end); err != nil {
				return NoPhysicalPage, 0, err
			}
		}
		page.Traits = page.Traits.Merge(want)
		page.Aliases++
		log.WithFields(log.Fields{"manager": s.name, "id": page.ID, "pa": hex(pa), "size": hex(req.Size)}).Debug("Alias Physical Page")
		return page.ID, pa, nil
	}
	return NoPhysicalPage, 0, failure.Empty("AliasAllocation")
}

// ReservePhysicalRange takes memory already occupied by something outside the page model,
// such as a loaded image, out of the free pool.
func (s *PhysicalPageManager) ReservePhysicalRange(from, to uint64) *errors.Error {
	if !s.initialized {
		return failure.Fatal(failure.CodeNotInitialized, "ReservePhysicalRange on %s before Initialize", s.name)
	}
	reserve := ds.NewConstraintSetRange(from, to)
	reserve.SubConstraintSet(s.allocated)
	for _, rng := range reserve.Ranges() {
		if err := s.take(rng.From, rng.To); err != nil {
			return err
		}
	}
	return nil
}

// Page returns a copy of the arena entry id.
func (s *PhysicalPageManager) Page(id PhysicalPageID) (PhysicalPage, *errors.Error) {
	if id < 0 || int(id) >= len(s.pages) {
		return PhysicalPage{}, failure.Fatal(failure.CodeDanglingReference, "physical page %d does not exist in %s", id, s.name)
	}
	return s.pages[id], nil
}

// FindPage returns the page containing pa.
func (s *PhysicalPageManager) FindPage(pa uint64) (PhysicalPageID, bool) {
	pos, found := slices.BinarySearchFunc(s.byAddr, pa, func(e PhysicalPageID, t uint64) int {
		return cmpUint64(s.pages[e].Lower, t)
	})
	if found {
		return s.byAddr[pos], true
	}
	if pos == 0 {
		return NoPhysicalPage, false
	}
	id := s.byAddr[pos-1]
	if s.pages[id].Upper >= pa {
		return id, true
	}
	return NoPhysicalPage, false
}

// Pages lists committed pages in allocation order.
func (s *PhysicalPageManager) Pages() []PhysicalPage {
	return append([]PhysicalPage(nil), s.pages...)
}
