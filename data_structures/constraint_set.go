package data_structures

import (
	"math/bits"
	"sort"
	"strconv"
	"strings"

	"github.com/go-errors/errors"
	"golang.org/x/exp/slices"

	"github.com/openhwgroup/force-riscv-sub005/failure"
	"github.com/openhwgroup/force-riscv-sub005/random"
)

const maxUint64 = ^uint64(0)

// ConstraintSet is an ordered set of disjoint inclusive ranges. Ranges that overlap or touch
// are always merged, so two sets holding the same values have identical range slices.
//
// ConstraintSet is not thread-safe; it is owned by exactly one component and cloned when it
// crosses a component boundary.
type ConstraintSet struct {
	ranges []Range
}

func NewConstraintSet() *ConstraintSet {
	return &ConstraintSet{}
}

func NewConstraintSetRange(from, to uint64) *ConstraintSet {
	res := &ConstraintSet{}
	res.AddRange(from, to)
	return res
}

func NewConstraintSetValue(val uint64) *ConstraintSet {
	return NewConstraintSetRange(val, val)
}

// NewFullConstraintSet holds every 64-bit value.
func NewFullConstraintSet() *ConstraintSet {
	return NewConstraintSetRange(0, maxUint64)
}

// ParseConstraintSet reads the text form produced by String, e.g. "0x1000-0x1fff,0x3000".
// An empty string is the empty set.
func ParseConstraintSet(text string) (*ConstraintSet, *errors.Error) {
	res := NewConstraintSet()
	text = strings.TrimSpace(text)
	if text == "" {
		return res, nil
	}
	for _, item := range strings.Split(text, ",") {
		item = strings.TrimSpace(item)
		bounds := strings.SplitN(item, "-", 2)
		from, err := strconv.ParseUint(strings.TrimSpace(bounds[0]), 0, 64)
		if err != nil {
			return nil, errors.WrapPrefix(err, "constraint "+item, 0)
		}
		to := from
		if len(bounds) == 2 {
			to, err = strconv.ParseUint(strings.TrimSpace(bounds[1]), 0, 64)
			if err != nil {
				return nil, errors.WrapPrefix(err, "constraint "+item, 0)
			}
		}
		if from > to {
			return nil, errors.Errorf("constraint %s has swapped bounds", item)
		}
		res.AddRange(from, to)
	}
	return res, nil
}

// MustParseConstraintSet is ParseConstraintSet for literals known to be well formed.
func MustParseConstraintSet(text string) *ConstraintSet {
	res, err := ParseConstraintSet(text)
	if err != nil {
		panic(err)
	}
	return res
}

func (s *ConstraintSet) String() string {
	parts := make([]string, len(s.ranges))
	for i, rng := range s.ranges {
		parts[i] = rng.String()
	}
	return strings.Join(parts, ",")
}

func (s *ConstraintSet) Clone() *ConstraintSet {
	return &ConstraintSet{ranges: slices.Clone(s.ranges)}
}

func (s *ConstraintSet) Clear() {
	s.ranges = s.ranges[:0]
}

func (s *ConstraintSet) IsEmpty() bool {
	return len(s.ranges) == 0
}

func (s *ConstraintSet) IsFull() bool {
	return len(s.ranges) == 1 && s.ranges[0].From == 0 && s.ranges[0].To == maxUint64
}

// Ranges returns a copy of the ranges in ascending order.
func (s *ConstraintSet) Ranges() []Range {
	return slices.Clone(s.ranges)
}

func (s *ConstraintSet) RangeCount() int {
	return len(s.ranges)
}

// Size is the number of values held, saturating at MaxUint64 for the full set.
func (s *ConstraintSet) Size() uint64 {
	total := uint64(0)
	for _, rng := range s.ranges {
		sz := rng.Size()
		if total+sz < total {
			return maxUint64
		}
		total += sz
	}
	return total
}

// LowerBound and UpperBound return 0 on an empty set.
func (s *ConstraintSet) LowerBound() uint64 {
	if s.IsEmpty() {
		return 0
	}
	return s.ranges[0].From
}

func (s *ConstraintSet) UpperBound() uint64 {
	if s.IsEmpty() {
		return 0
	}
	return s.ranges[len(s.ranges)-1].To
}

func (s *ConstraintSet) Equals(other *ConstraintSet) bool {
	return slices.Equal(s.ranges, other.ranges)
}

func (s *ConstraintSet) AddValue(val uint64) {
	s.AddRange(val, val)
}

func (s *ConstraintSet) AddRange(from, to uint64) {
	if from > to {
		from, to = to, from
	}
	// first range that overlaps or touches [from, to] from below
	i := sort.Search(len(s.ranges), func(i int) bool {
		return from == 0 || s.ranges[i].To >= from-1
	})
	// first range lying strictly above to+1
	j := i + sort.Search(len(s.ranges)-i, func(k int) bool {
		return to != maxUint64 && s.ranges[i+k].From > to+1
	})
	merged := Range{From: from, To: to}
	if i < j {
		merged.From = min(from, s.ranges[i].From)
		merged.To = max(to, s.ranges[j-1].To)
	}
	s.ranges = slices.Replace(s.ranges, i, j, merged)
}

// AddRangeWrap adds [from, to] where to < from means the range wraps past MaxUint64.
func (s *ConstraintSet) AddRangeWrap(from, to uint64) {
	if from <= to {
		s.AddRange(from, to)
		return
	}
	s.AddRange(from, maxUint64)
	s.AddRange(0, to)
}

func (s *ConstraintSet) SubValue(val uint64) {
	s.SubRange(val, val)
}

func (s *ConstraintSet) SubRange(from, to uint64) {
	if from > to {
		from, to = to, from
	}
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].To >= from
	})
	j := i + sort.Search(len(s.ranges)-i, func(k int) bool {
		return s.ranges[i+k].From > to
	})
	if i == j {
		return
	}
	pieces := make([]Range, 0, 2)
	if s.ranges[i].From < from {
		pieces = append(pieces, Range{From: s.ranges[i].From, To: from - 1})
	}
	if s.ranges[j-1].To > to {
		pieces = append(pieces, Range{From: to + 1, To: s.ranges[j-1].To})
	}
	s.ranges = slices.Replace(s.ranges, i, j, pieces...)
}

// SubRangeWrap removes [from, to] where to < from means the range wraps past MaxUint64.
func (s *ConstraintSet) SubRangeWrap(from, to uint64) {
	if from <= to {
		s.SubRange(from, to)
		return
	}
	s.SubRange(from, maxUint64)
	s.SubRange(0, to)
}

// MergeConstraintSet is set union.
func (s *ConstraintSet) MergeConstraintSet(other *ConstraintSet) {
	if other.IsEmpty() {
		return
	}
	if s.IsEmpty() {
		s.ranges = slices.Clone(other.ranges)
		return
	}
	all := make([]Range, 0, len(s.ranges)+len(other.ranges))
	i, j := 0, 0
	for i < len(s.ranges) || j < len(other.ranges) {
		var next Range
		if j >= len(other.ranges) || (i < len(s.ranges) && s.ranges[i].From <= other.ranges[j].From) {
			next = s.ranges[i]
			i++
		} else {
			next = other.ranges[j]
			j++
		}
		if n := len(all); n > 0 && all[n-1].Adjacent(next) {
			all[n-1].To = max(all[n-1].To, next.To)
			continue
		}
		all = append(all, next)
	}
	s.ranges = all
}

// SubConstraintSet is set difference.
func (s *ConstraintSet) SubConstraintSet(other *ConstraintSet) {
	if s.IsEmpty() || other.IsEmpty() {
		return
	}
	res := make([]Range, 0, len(s.ranges))
	j := 0
	for _, rng := range s.ranges {
		cur := rng
		alive := true
		for j < len(other.ranges) && other.ranges[j].To < cur.From {
			j++
		}
		for k := j; alive && k < len(other.ranges) && other.ranges[k].From <= cur.To; k++ {
			cut := other.ranges[k]
			if cut.From > cur.From {
				res = append(res, Range{From: cur.From, To: cut.From - 1})
			}
			if cut.To >= cur.To {
				alive = false
			} else {
				cur.From = cut.To + 1
			}
		}
		if alive {
			res = append(res, cur)
		}
	}
	s.ranges = res
}

// ApplyConstraintSet is set intersection.
func (s *ConstraintSet) ApplyConstraintSet(other *ConstraintSet) {
	res := make([]Range, 0, len(s.ranges))
	i, j := 0, 0
	for i < len(s.ranges) && j < len(other.ranges) {
		a, b := s.ranges[i], other.ranges[j]
		lower := max(a.From, b.From)
		upper := min(a.To, b.To)
		if lower <= upper {
			res = append(res, Range{From: lower, To: upper})
		}
		if a.To < b.To {
			i++
		} else {
			j++
		}
	}
	s.ranges = res
}

// ApplyRange intersects with the single range [from, to]. An inverted range is empty, so it
// clears the set.
func (s *ConstraintSet) ApplyRange(from, to uint64) {
	if from > to {
		s.Clear()
		return
	}
	s.ApplyConstraintSet(NewConstraintSetRange(from, to))
}

// find returns the index of the range holding val, or -1.
func (s *ConstraintSet) find(val uint64) int {
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].To >= val
	})
	if i < len(s.ranges) && s.ranges[i].From <= val {
		return i
	}
	return -1
}

func (s *ConstraintSet) ContainsValue(val uint64) bool {
	return s.find(val) >= 0
}

func (s *ConstraintSet) ContainsRange(from, to uint64) bool {
	if from > to {
		from, to = to, from
	}
	i := s.find(from)
	return i >= 0 && s.ranges[i].To >= to
}

func (s *ConstraintSet) ContainsConstraintSet(other *ConstraintSet) bool {
	for _, rng := range other.ranges {
		if !s.ContainsRange(rng.From, rng.To) {
			return false
		}
	}
	return true
}

func (s *ConstraintSet) Intersects(other *ConstraintSet) bool {
	i, j := 0, 0
	for i < len(s.ranges) && j < len(other.ranges) {
		if s.ranges[i].IntersectsRange(other.ranges[j]) {
			return true
		}
		if s.ranges[i].To < other.ranges[j].To {
			i++
		} else {
			j++
		}
	}
	return false
}

func (s *ConstraintSet) IntersectsRange(from, to uint64) bool {
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].To >= from
	})
	return i < len(s.ranges) && s.ranges[i].From <= to
}

// ChooseValue picks a value with every member equally likely.
func (s *ConstraintSet) ChooseValue(rnd *random.Random) (uint64, *errors.Error) {
	if s.IsEmpty() {
		return 0, failure.Empty("ChooseValue")
	}
	if s.IsFull() {
		return rnd.Uint64(), nil
	}
	pick := rnd.Uint64n(s.Size())
	for _, rng := range s.ranges {
		sz := rng.Size()
		if pick < sz {
			return rng.From + pick, nil
		}
		pick -= sz
	}
	return 0, failure.Fatal(failure.CodeInvalidArgument, "ChooseValue walked past set %s", s)
}

func alignOf(alignMask uint64) (uint64, *errors.Error) {
	low := ^alignMask
	if low&(low+1) != 0 {
		return 0, errors.Errorf("align mask 0x%x is not a contiguous high mask", alignMask)
	}
	return low + 1, nil
}

// ChooseAlignedValue picks one of the values v with v&alignMask == v, every such member
// equally likely.
func (s *ConstraintSet) ChooseAlignedValue(rnd *random.Random, alignMask uint64) (uint64, *errors.Error) {
	align, err := alignOf(alignMask)
	if err != nil {
		return 0, err
	}
	if align == 1 {
		return s.ChooseValue(rnd)
	}
	shift := uint(bits.TrailingZeros64(align))
	type slot struct{ first, count uint64 }
	slots := make([]slot, 0, len(s.ranges))
	total := uint64(0)
	for _, rng := range s.ranges {
		first := (rng.From + (align - 1)) & alignMask
		if first < rng.From {
			continue
		}
		last := rng.To & alignMask
		if first > last {
			continue
		}
		count := (last-first)>>shift + 1
		slots = append(slots, slot{first: first, count: count})
		total += count
	}
	if total == 0 {
		return 0, failure.Empty("ChooseAlignedValue")
	}
	pick := rnd.Uint64n(total)
	for _, sl := range slots {
		if pick < sl.count {
			return sl.first + pick<<shift, nil
		}
		pick -= sl.count
	}
	return 0, failure.Fatal(failure.CodeInvalidArgument, "ChooseAlignedValue walked past set %s", s)
}

// segment is a maximal run of consecutive values, possibly wrapping past MaxUint64.
// It holds the values start, start+1, ..., start+lastOff (mod 2^64).
type segment struct {
	start   uint64
	lastOff uint64
}

func (s *ConstraintSet) segments() []segment {
	n := len(s.ranges)
	res := make([]segment, 0, n)
	lo, hi := 0, n
	if n >= 2 && s.ranges[0].From == 0 && s.ranges[n-1].To == maxUint64 {
		head, tail := s.ranges[0], s.ranges[n-1]
		res = append(res, segment{start: tail.From, lastOff: (maxUint64 - tail.From) + 1 + head.To})
		lo, hi = 1, n-1
	}
	for _, rng := range s.ranges[lo:hi] {
		res = append(res, segment{start: rng.From, lastOff: rng.To - rng.From})
	}
	return res
}

// alignedSpans computes, per segment, the offsets of the first and last aligned start whose
// size-byte span stays inside the segment.
func (s *ConstraintSet) alignedSpans(alignMask, size uint64, visit func(seg segment, firstOff, lastOff uint64)) *errors.Error {
	if _, err := alignOf(alignMask); err != nil {
		return err
	}
	if size == 0 {
		size = 1
	}
	for _, seg := range s.segments() {
		if seg.lastOff < size-1 {
			continue
		}
		maxStartOff := seg.lastOff - (size - 1)
		firstOff := ((seg.start + ^alignMask) & alignMask) - seg.start
		if firstOff > maxStartOff {
			continue
		}
		lastOff := ((seg.start + maxStartOff) & alignMask) - seg.start
		visit(seg, firstOff, lastOff)
	}
	return nil
}

// AlignWithSize keeps, per contiguous segment, the hull from the first to the last address
// covered by an aligned span of size bytes lying completely inside the set. Segments that
// wrap past MaxUint64 are handled as one segment and the result is split at the boundary.
// Applying it twice with the same parameters changes nothing.
func (s *ConstraintSet) AlignWithSize(alignMask, size uint64) *errors.Error {
	if s.IsFull() {
		return nil
	}
	if size == 0 {
		size = 1
	}
	res := NewConstraintSet()
	err := s.alignedSpans(alignMask, size, func(seg segment, firstOff, lastOff uint64) {
		from := seg.start + firstOff
		res.AddRangeWrap(from, from+(lastOff-firstOff)+(size-1))
	})
	if err != nil {
		return err
	}
	s.ranges = res.ranges
	return nil
}

// AlignedStarts returns the aligned start addresses whose size-byte span lies inside the set.
// Each returned range has aligned bounds and only its aligned members are starts; pick with
// ChooseAlignedValue.
func (s *ConstraintSet) AlignedStarts(alignMask, size uint64) (*ConstraintSet, *errors.Error) {
	if s.IsFull() {
		return s.Clone(), nil
	}
	res := NewConstraintSet()
	err := s.alignedSpans(alignMask, size, func(seg segment, firstOff, lastOff uint64) {
		from := seg.start + firstOff
		res.AddRangeWrap(from, from+(lastOff-firstOff))
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Translate adds delta to every member, wrapping modulo 2^64.
func (s *ConstraintSet) Translate(delta uint64) *ConstraintSet {
	res := NewConstraintSet()
	if s.IsFull() {
		return s.Clone()
	}
	for _, rng := range s.ranges {
		res.AddRangeWrap(rng.From+delta, rng.To+delta)
	}
	return res
}

// Reflect maps every member x to val - x, wrapping modulo 2^64.
func (s *ConstraintSet) Reflect(val uint64) *ConstraintSet {
	res := NewConstraintSet()
	if s.IsFull() {
		return s.Clone()
	}
	for _, rng := range s.ranges {
		res.AddRangeWrap(val-rng.To, val-rng.From)
	}
	return res
}

// ShiftRight maps every member x to x >> amount.
func (s *ConstraintSet) ShiftRight(amount uint) *ConstraintSet {
	res := NewConstraintSet()
	for _, rng := range s.ranges {
		res.AddRange(rng.From>>amount, rng.To>>amount)
	}
	return res
}

// ShiftLeft returns every value y with y >> amount in the set. Members whose shifted value
// would lose high bits are dropped, so the result is a subset of the exact scaling.
func (s *ConstraintSet) ShiftLeft(amount uint) *ConstraintSet {
	res := NewConstraintSet()
	if amount >= 64 {
		return res
	}
	limit := maxUint64 >> amount
	low := uint64(1)<<amount - 1
	for _, rng := range s.ranges {
		if rng.From > limit {
			break
		}
		res.AddRange(rng.From<<amount, min(rng.To, limit)<<amount|low)
	}
	return res
}

// DivideElements returns the values x with x*factor in the set and no overflow in the
// product. Products that wrap around 2^64 and land in the set are not reported: the result
// is a sound subset of all solutions, traded for a per-range closed form.
func (s *ConstraintSet) DivideElements(factor uint64) *ConstraintSet {
	res := NewConstraintSet()
	if factor == 0 {
		if s.ContainsValue(0) {
			res.AddRange(0, maxUint64)
		}
		return res
	}
	for _, rng := range s.ranges {
		lower := rng.From / factor
		if rng.From%factor != 0 {
			lower++
		}
		upper := rng.To / factor
		if lower <= upper {
			res.AddRange(lower, upper)
		}
	}
	return res
}
