package memory

import (
	"sort"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"

	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
	"github.com/openhwgroup/force-riscv-sub005/failure"
)

type TraitID uint32

// MemoryTraitsManager records named attributes (cacheability, device, shareability, ...) over
// address ranges, globally and per thread. Traits in the same exclusive group may never
// cover the same address.
type MemoryTraitsManager struct {
	names     []string
	ids       map[string]TraitID
	exclusive map[TraitID]int
	groups    [][]TraitID
	global    map[TraitID]*ds.ConstraintSet
	threads   map[uint32]map[TraitID]*ds.ConstraintSet
}

func NewMemoryTraitsManager() *MemoryTraitsManager {
	return &MemoryTraitsManager{
		ids:       make(map[string]TraitID),
		exclusive: make(map[TraitID]int),
		global:    make(map[TraitID]*ds.ConstraintSet),
		threads:   make(map[uint32]map[TraitID]*ds.ConstraintSet),
	}
}

// RegisterTrait returns the ID of name, creating it on first use. IDs start at 1.
func (s *MemoryTraitsManager) RegisterTrait(name string) TraitID {
	if id, ok := s.ids[name]; ok {
		return id
	}
	s.names = append(s.names, name)
	id := TraitID(len(s.names))
	s.ids[name] = id
	return id
}

func (s *MemoryTraitsManager) TraitID(name string) (TraitID, bool) {
	id, ok := s.ids[name]
	return id, ok
}

func (s *MemoryTraitsManager) TraitName(id TraitID) string {
	if id == 0 || int(id) > len(s.names) {
		return ""
	}
	return s.names[id-1]
}

// TraitIDs lists every registered trait.
func (s *MemoryTraitsManager) TraitIDs() []TraitID {
	res := make([]TraitID, len(s.names))
	for i := range s.names {
		res[i] = TraitID(i + 1)
	}
	return res
}

// AddExclusiveTraits declares a group of mutually exclusive traits.
func (s *MemoryTraitsManager) AddExclusiveTraits(names ...string) {
	group := len(s.groups)
	ids := make([]TraitID, 0, len(names))
	for _, name := range names {
		id := s.RegisterTrait(name)
		s.exclusive[id] = group
		ids = append(ids, id)
	}
	s.groups = append(s.groups, ids)
}

func (s *MemoryTraitsManager) threadTraits(threadID uint32) map[TraitID]*ds.ConstraintSet {
	traits, ok := s.threads[threadID]
	if !ok {
		traits = make(map[TraitID]*ds.ConstraintSet)
		s.threads[threadID] = traits
	}
	return traits
}

func (s *MemoryTraitsManager) checkExclusive(threadID uint32, id TraitID, from, to uint64, includeThreads bool) *errors.Error {
	group, ok := s.exclusive[id]
	if !ok {
		return nil
	}
	for _, peer := range s.groups[group] {
		if peer == id {
			continue
		}
		if rng, ok := s.global[peer]; ok && rng.IntersectsRange(from, to) {
			return failure.Operand(s.TraitName(id), hexRange(from, to), "conflicts with exclusive trait %s", s.TraitName(peer))
		}
		for thread, traits := range s.threads {
			if !includeThreads && thread != threadID {
				continue
			}
			if rng, ok := traits[peer]; ok && rng.IntersectsRange(from, to) {
				return failure.Operand(s.TraitName(id), hexRange(from, to), "conflicts with exclusive trait %s of thread %d", s.TraitName(peer), thread)
			}
		}
	}
	return nil
}

// CheckGlobalTraits reports whether every trait in ids could be added to [from, to] globally.
// Two traits of one exclusive group never can.
func (s *MemoryTraitsManager) CheckGlobalTraits(ids []TraitID, from, to uint64) *errors.Error {
	for i, id := range ids {
		group, ok := s.exclusive[id]
		for _, other := range ids[i+1:] {
			if peer, found := s.exclusive[other]; ok && found && peer == group && other != id {
				return failure.Operand(s.TraitName(id), hexRange(from, to), "conflicts with exclusive trait %s", s.TraitName(other))
			}
		}
		if err := s.checkExclusive(0, id, from, to, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryTraitsManager) AddGlobalTrait(id TraitID, from, to uint64) *errors.Error {
	if err := s.checkExclusive(0, id, from, to, true); err != nil {
		return err
	}
	rng, ok := s.global[id]
	if !ok {
		rng = ds.NewConstraintSet()
		s.global[id] = rng
	}
	rng.AddRange(from, to)
	log.WithFields(log.Fields{"trait": s.TraitName(id), "from": hex(from), "to": hex(to)}).Debug("Add Global Trait")
	return nil
}

func (s *MemoryTraitsManager) AddThreadTrait(threadID uint32, id TraitID, from, to uint64) *errors.Error {
	if err := s.checkExclusive(threadID, id, from, to, false); err != nil {
		return err
	}
	traits := s.threadTraits(threadID)
	rng, ok := traits[id]
	if !ok {
		rng = ds.NewConstraintSet()
		traits[id] = rng
	}
	rng.AddRange(from, to)
	return nil
}

// TraitRanges returns every address carrying id for threadID, global ranges included.
func (s *MemoryTraitsManager) TraitRanges(threadID uint32, id TraitID) *ds.ConstraintSet {
	res := ds.NewConstraintSet()
	if rng, ok := s.global[id]; ok {
		res.MergeConstraintSet(rng)
	}
	if traits, ok := s.threads[threadID]; ok {
		if rng, ok := traits[id]; ok {
			res.MergeConstraintSet(rng)
		}
	}
	return res
}

// HasTrait is true when every address of [from, to] carries id.
func (s *MemoryTraitsManager) HasTrait(threadID uint32, id TraitID, from, to uint64) bool {
	return s.TraitRanges(threadID, id).ContainsRange(from, to)
}

// GetMemoryTraitsRange snapshots the traits of [from, to] for threadID.
func (s *MemoryTraitsManager) GetMemoryTraitsRange(threadID uint32, from, to uint64) *MemoryTraitsRange {
	traits := make(map[TraitID]*ds.ConstraintSet)
	for id := range s.names {
		tid := TraitID(id + 1)
		rng := s.TraitRanges(threadID, tid)
		if rng.IntersectsRange(from, to) {
			traits[tid] = rng
		}
	}
	return NewMemoryTraitsRange(traits, from, to)
}

// MemoryTraitsRange is a snapshot of the traits applying inside one address window, together
// with the part of the window that carries no trait at all.
type MemoryTraitsRange struct {
	from, to uint64
	traits   map[TraitID]*ds.ConstraintSet
	empty    *ds.ConstraintSet
}

// NewMemoryTraitsRange clips the given trait ranges to [from, to].
func NewMemoryTraitsRange(traits map[TraitID]*ds.ConstraintSet, from, to uint64) *MemoryTraitsRange {
	res := &MemoryTraitsRange{from: from, to: to, traits: make(map[TraitID]*ds.ConstraintSet)}
	res.empty = ds.NewConstraintSetRange(from, to)
	for id, rng := range traits {
		clipped := rng.Clone()
		clipped.ApplyRange(from, to)
		if clipped.IsEmpty() {
			continue
		}
		res.traits[id] = clipped
		res.empty.SubConstraintSet(clipped)
	}
	return res
}

// NewUniformMemoryTraitsRange applies every trait of ids to the whole window.
func NewUniformMemoryTraitsRange(ids []TraitID, from, to uint64) *MemoryTraitsRange {
	traits := make(map[TraitID]*ds.ConstraintSet)
	for _, id := range ids {
		traits[id] = ds.NewConstraintSetRange(from, to)
	}
	return NewMemoryTraitsRange(traits, from, to)
}

func (s *MemoryTraitsRange) Window() (uint64, uint64) {
	return s.from, s.to
}

func (s *MemoryTraitsRange) IsEmpty() bool {
	return len(s.traits) == 0
}

func (s *MemoryTraitsRange) TraitIDs() []TraitID {
	res := make([]TraitID, 0, len(s.traits))
	for id := range s.traits {
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

func (s *MemoryTraitsRange) TraitRange(id TraitID) *ds.ConstraintSet {
	if rng, ok := s.traits[id]; ok {
		return rng.Clone()
	}
	return ds.NewConstraintSet()
}

func (s *MemoryTraitsRange) UntaggedRange() *ds.ConstraintSet {
	return s.empty.Clone()
}

// coveredBy checks every trait of s lies, inside other, on that trait or on untagged space.
func (s *MemoryTraitsRange) coveredBy(other *MemoryTraitsRange) bool {
	for id, rng := range s.traits {
		allowed := other.empty.Clone()
		if peer, ok := other.traits[id]; ok {
			allowed.MergeConstraintSet(peer)
		}
		if !allowed.ContainsConstraintSet(rng) {
			return false
		}
	}
	return true
}

// IsCompatible is symmetric: a.IsCompatible(b) == b.IsCompatible(a).
func (s *MemoryTraitsRange) IsCompatible(other *MemoryTraitsRange) bool {
	return s.coveredBy(other) && other.coveredBy(s)
}

// Clip narrows the snapshot to [from, to].
func (s *MemoryTraitsRange) Clip(from, to uint64) *MemoryTraitsRange {
	return NewMemoryTraitsRange(s.traits, from, to)
}

// Merge returns the union of both snapshots over the hull of their windows.
func (s *MemoryTraitsRange) Merge(other *MemoryTraitsRange) *MemoryTraitsRange {
	traits := make(map[TraitID]*ds.ConstraintSet)
	for _, src := range []*MemoryTraitsRange{s, other} {
		for id, rng := range src.traits {
			if cur, ok := traits[id]; ok {
				cur.MergeConstraintSet(rng)
			} else {
				traits[id] = rng.Clone()
			}
		}
	}
	from, to := s.from, s.to
	if other.from < from {
		from = other.from
	}
	if other.to > to {
		to = other.to
	}
	return NewMemoryTraitsRange(traits, from, to)
}
