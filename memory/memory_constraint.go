package memory

import (
	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"

	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
	"github.com/openhwgroup/force-riscv-sub005/failure"
)

// MemoryConstraint tracks, for one memory bank, which addresses are usable for new
// allocations, which are explicitly shared between threads, and which were already used for
// reading or writing.
//
// Usable and shared never overlap. Marking an address used or shared removes it from usable;
// only Unreserve gives it back.
type MemoryConstraint interface {
	// ApplyToConstraintSet narrows cs to the addresses an access of the given kind may use.
	ApplyToConstraintSet(dataType MemDataType, accessType MemAccessType, threadID uint32, reuse AddressReuseMode, cs *ds.ConstraintSet) *errors.Error
	MarkUsed(from, to uint64, dataType MemDataType, accessType MemAccessType, threadID uint32) *errors.Error
	MarkShared(from, to uint64)
	Unreserve(from, to uint64)
	AddUsable(from, to uint64)
	SubUsable(from, to uint64)
	IsUsable(from, to uint64) bool

	Usable() *ds.ConstraintSet
	Shared() *ds.ConstraintSet
	UsedForRead(threadID uint32) (*ds.ConstraintSet, *errors.Error)
	UsedForWrite(threadID uint32) (*ds.ConstraintSet, *errors.Error)
}

type usedSets struct {
	read  *ds.ConstraintSet
	write *ds.ConstraintSet
}

func newUsedSets() *usedSets {
	return &usedSets{read: ds.NewConstraintSet(), write: ds.NewConstraintSet()}
}

func (s *usedSets) sub(from, to uint64) {
	s.read.SubRange(from, to)
	s.write.SubRange(from, to)
}

// reusable returns the previously used addresses that reuse permits for access.
// An address used both ways needs both permissions.
func (s *usedSets) reusable(access MemAccessType, reuse AddressReuseMode) *ds.ConstraintSet {
	afterRead, afterWrite := reuse.reusePermissions(access)
	res := ds.NewConstraintSet()
	if afterRead {
		res.MergeConstraintSet(s.read)
	}
	if afterWrite {
		res.MergeConstraintSet(s.write)
	}
	if !afterRead {
		res.SubConstraintSet(s.read)
	}
	if !afterWrite {
		res.SubConstraintSet(s.write)
	}
	return res
}

type memoryConstraintBase struct {
	name   string
	usable *ds.LargeConstraintSet
	shared *ds.ConstraintSet
	// lookup returns the used sets of a thread, nil when the thread is not tracked.
	lookup func(threadID uint32) (*usedSets, *errors.Error)
	each   func(visit func(*usedSets))
}

func (s *memoryConstraintBase) ApplyToConstraintSet(dataType MemDataType, accessType MemAccessType, threadID uint32, reuse AddressReuseMode, cs *ds.ConstraintSet) *errors.Error {
	if !dataType.IsData() {
		s.usable.ApplyTo(cs)
		return nil
	}
	used, err := s.lookup(threadID)
	if err != nil {
		return err
	}
	allowed := s.usable.Clone()
	allowed.MergeConstraintSet(s.shared)
	if used != nil && reuse != NoReuse {
		allowed.MergeConstraintSet(used.reusable(accessType, reuse))
	}
	cs.ApplyConstraintSet(allowed)
	return nil
}

func (s *memoryConstraintBase) MarkUsed(from, to uint64, dataType MemDataType, accessType MemAccessType, threadID uint32) *errors.Error {
	s.usable.SubRange(from, to)
	if !dataType.IsData() {
		return nil
	}
	used, err := s.lookup(threadID)
	if err != nil {
		return err
	}
	if used == nil {
		return nil
	}
	rng := ds.NewConstraintSetRange(from, to)
	rng.SubConstraintSet(s.shared)
	if accessType != AccessWrite {
		used.read.MergeConstraintSet(rng)
	}
	if accessType != AccessRead {
		used.write.MergeConstraintSet(rng)
	}
	log.WithFields(log.Fields{"bank": s.name, "from": hex(from), "to": hex(to), "access": accessType, "thread": threadID}).Debug("Mark Used")
	return nil
}

func (s *memoryConstraintBase) MarkShared(from, to uint64) {
	s.usable.SubRange(from, to)
	s.shared.AddRange(from, to)
	s.each(func(u *usedSets) { u.sub(from, to) })
	log.WithFields(log.Fields{"bank": s.name, "from": hex(from), "to": hex(to)}).Debug("Mark Shared")
}

func (s *memoryConstraintBase) Unreserve(from, to uint64) {
	s.shared.SubRange(from, to)
	s.each(func(u *usedSets) { u.sub(from, to) })
	s.usable.AddRange(from, to)
}

// AddUsable makes [from, to] usable again, except for the part that is shared.
func (s *memoryConstraintBase) AddUsable(from, to uint64) {
	s.usable.AddRange(from, to)
	s.usable.SubConstraintSet(s.shared)
}

func (s *memoryConstraintBase) SubUsable(from, to uint64) {
	s.usable.SubRange(from, to)
}

func (s *memoryConstraintBase) IsUsable(from, to uint64) bool {
	return s.usable.ContainsRange(from, to)
}

func (s *memoryConstraintBase) Usable() *ds.ConstraintSet {
	return s.usable.Clone()
}

func (s *memoryConstraintBase) Shared() *ds.ConstraintSet {
	return s.shared.Clone()
}

func (s *memoryConstraintBase) UsedForRead(threadID uint32) (*ds.ConstraintSet, *errors.Error) {
	used, err := s.lookup(threadID)
	if err != nil || used == nil {
		return ds.NewConstraintSet(), err
	}
	return used.read.Clone(), nil
}

func (s *memoryConstraintBase) UsedForWrite(threadID uint32) (*ds.ConstraintSet, *errors.Error) {
	used, err := s.lookup(threadID)
	if err != nil || used == nil {
		return ds.NewConstraintSet(), err
	}
	return used.write.Clone(), nil
}

// SingleThreadMemoryConstraint belongs to one thread. Asking it about any other thread is an
// invariant violation.
type SingleThreadMemoryConstraint struct {
	memoryConstraintBase
	threadID uint32
	used     *usedSets
}

func NewSingleThreadMemoryConstraint(name string, threadID uint32, usable *ds.ConstraintSet) *SingleThreadMemoryConstraint {
	res := &SingleThreadMemoryConstraint{threadID: threadID, used: newUsedSets()}
	res.memoryConstraintBase = memoryConstraintBase{
		name:   name,
		usable: ds.NewLargeConstraintSet(usable),
		shared: ds.NewConstraintSet(),
		lookup: res.lookupThread,
		each:   func(visit func(*usedSets)) { visit(res.used) },
	}
	return res
}

func (s *SingleThreadMemoryConstraint) lookupThread(threadID uint32) (*usedSets, *errors.Error) {
	if threadID != s.threadID {
		return nil, failure.Fatal(failure.CodeThreadMismatch, "memory constraint %s belongs to thread %d, queried by thread %d", s.name, s.threadID, threadID)
	}
	return s.used, nil
}

// MultiThreadMemoryConstraint keeps one read/write pair per registered thread. Threads it
// does not know are ignored: their accesses are not recorded and they reuse nothing.
type MultiThreadMemoryConstraint struct {
	memoryConstraintBase
	threads map[uint32]*usedSets
}

func NewMultiThreadMemoryConstraint(name string, threadIDs []uint32, usable *ds.ConstraintSet) *MultiThreadMemoryConstraint {
	res := &MultiThreadMemoryConstraint{threads: make(map[uint32]*usedSets)}
	for _, id := range threadIDs {
		res.threads[id] = newUsedSets()
	}
	res.memoryConstraintBase = memoryConstraintBase{
		name:   name,
		usable: ds.NewLargeConstraintSet(usable),
		shared: ds.NewConstraintSet(),
		lookup: func(threadID uint32) (*usedSets, *errors.Error) { return res.threads[threadID], nil },
		each: func(visit func(*usedSets)) {
			for _, u := range res.threads {
				visit(u)
			}
		},
	}
	return res
}
