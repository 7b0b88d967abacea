package data_structures

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Range is an inclusive interval [From, To].
type Range struct {
	From, To uint64
}

func (s *Range) Include(addr uint64) bool {
	return s.From <= addr && addr <= s.To
}

func (s *Range) Intersects(from, to uint64) bool {
	upper := min(s.To, to)
	lower := max(s.From, from)
	return lower <= upper
}

func (s *Range) IntersectsRange(other Range) bool {
	return s.Intersects(other.From, other.To)
}

func (s *Range) ContainsRange(other Range) bool {
	return s.From <= other.From && other.To <= s.To
}

// Size is the number of values in the range. The full 64-bit range saturates to MaxUint64.
func (s *Range) Size() uint64 {
	if s.From == 0 && s.To == ^uint64(0) {
		return ^uint64(0)
	}
	return s.To - s.From + 1
}

// Adjacent reports whether the two ranges overlap or touch, so they can merge into one.
func (s *Range) Adjacent(other Range) bool {
	if s.IntersectsRange(other) {
		return true
	}
	if s.To != ^uint64(0) && s.To+1 == other.From {
		return true
	}
	return other.To != ^uint64(0) && other.To+1 == s.From
}

func (s Range) String() string {
	if s.From == s.To {
		return fmt.Sprintf("0x%x", s.From)
	}
	return fmt.Sprintf("0x%x-0x%x", s.From, s.To)
}

func NewRange(from, to uint64) Range {
	if from > to {
		log.WithFields(log.Fields{"from": from, "to": to}).Warning("Range with swaped bounds")
		tmp := to
		to = from
		from = tmp
	}
	return Range{From: from, To: to}
}
