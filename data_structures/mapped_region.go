package data_structures

import "strings"

type PageFlags uint

const (
	X PageFlags = 1
	R PageFlags = 2
	W PageFlags = 4
)

func (s PageFlags) String() string {
	var sb strings.Builder
	for _, f := range []struct {
		flag PageFlags
		name byte
	}{{R, 'r'}, {W, 'w'}, {X, 'x'}} {
		if s&f.flag != 0 {
			sb.WriteByte(f.name)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// MappedRegion is a loaded image segment. Range covers the whole memory footprint; Data may
// be shorter, the remainder is zero filled.
type MappedRegion struct {
	Data  []byte
	Flags PageFlags
	Range Range
}

func NewMappedRegion(data []byte, flags PageFlags, rng Range) *MappedRegion {
	return &MappedRegion{Data: data, Flags: flags, Range: rng}
}

// Bytes is the full content of the region including the zero fill.
func (s *MappedRegion) Bytes() []byte {
	res := make([]byte, s.Range.Size())
	copy(res, s.Data)
	return res
}
