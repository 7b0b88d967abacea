package data_structures

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// LargeConstraintSet batches mutations of a big ConstraintSet. Adds and subs are buffered and
// only merged into the set when it is read or when the direction of mutation flips, so long
// runs of small updates pay for one merge instead of many.
//
// At most one of the pending buffers is non-empty at any time.
type LargeConstraintSet struct {
	set        *ConstraintSet
	pendingAdd []Range
	pendingSub []Range
	commits    int
}

func NewLargeConstraintSet(initial *ConstraintSet) *LargeConstraintSet {
	res := &LargeConstraintSet{set: NewConstraintSet()}
	if initial != nil {
		res.set = initial.Clone()
	}
	return res
}

func (s *LargeConstraintSet) AddRange(from, to uint64) {
	if len(s.pendingSub) > 0 {
		s.commit()
	}
	s.pendingAdd = append(s.pendingAdd, NewRange(from, to))
}

func (s *LargeConstraintSet) SubRange(from, to uint64) {
	if len(s.pendingAdd) > 0 {
		s.commit()
	}
	s.pendingSub = append(s.pendingSub, NewRange(from, to))
}

func (s *LargeConstraintSet) AddConstraintSet(other *ConstraintSet) {
	for _, rng := range other.ranges {
		s.AddRange(rng.From, rng.To)
	}
}

func (s *LargeConstraintSet) SubConstraintSet(other *ConstraintSet) {
	for _, rng := range other.ranges {
		s.SubRange(rng.From, rng.To)
	}
}

// toSet sorts a pending buffer into a ConstraintSet in one pass.
func toSet(pending []Range) *ConstraintSet {
	slices.SortFunc(pending, func(a, b Range) int {
		switch {
		case a.From < b.From:
			return -1
		case a.From > b.From:
			return 1
		}
		return 0
	})
	res := &ConstraintSet{ranges: make([]Range, 0, len(pending))}
	for _, rng := range pending {
		if n := len(res.ranges); n > 0 && res.ranges[n-1].Adjacent(rng) {
			res.ranges[n-1].To = max(res.ranges[n-1].To, rng.To)
			continue
		}
		res.ranges = append(res.ranges, rng)
	}
	return res
}

func (s *LargeConstraintSet) commit() {
	if len(s.pendingAdd) == 0 && len(s.pendingSub) == 0 {
		return
	}
	if len(s.pendingAdd) > 0 {
		s.set.MergeConstraintSet(toSet(s.pendingAdd))
		s.pendingAdd = s.pendingAdd[:0]
		s.commits++
	}
	if len(s.pendingSub) > 0 {
		s.set.SubConstraintSet(toSet(s.pendingSub))
		s.pendingSub = s.pendingSub[:0]
		s.commits++
	}
	log.WithFields(log.Fields{"ranges": len(s.set.ranges), "commits": s.commits}).Trace("Large constraint committed")
}

// GetConstraintSet returns the committed set. The result is shared with the
// LargeConstraintSet; Clone it before handing it to another component.
func (s *LargeConstraintSet) GetConstraintSet() *ConstraintSet {
	s.commit()
	return s.set
}

func (s *LargeConstraintSet) Clone() *ConstraintSet {
	return s.GetConstraintSet().Clone()
}

func (s *LargeConstraintSet) ContainsRange(from, to uint64) bool {
	return s.GetConstraintSet().ContainsRange(from, to)
}

func (s *LargeConstraintSet) ContainsValue(val uint64) bool {
	return s.GetConstraintSet().ContainsValue(val)
}

func (s *LargeConstraintSet) IsEmpty() bool {
	return s.GetConstraintSet().IsEmpty()
}

// ApplyTo intersects other with the committed set.
func (s *LargeConstraintSet) ApplyTo(other *ConstraintSet) {
	other.ApplyConstraintSet(s.GetConstraintSet())
}

func (s *LargeConstraintSet) String() string {
	return s.GetConstraintSet().String()
}

// Pending reports the sizes of the add and sub buffers.
func (s *LargeConstraintSet) Pending() (int, int) {
	return len(s.pendingAdd), len(s.pendingSub)
}

// Commits counts the merges performed so far.
func (s *LargeConstraintSet) Commits() int {
	return s.commits
}
