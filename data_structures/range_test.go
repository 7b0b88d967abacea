package data_structures

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRangeIntersects(t *testing.T) {
	r := NewRange(0x100, 0x1ff)
	assert.True(t, r.Intersects(0x1ff, 0x300))
	assert.True(t, r.Intersects(0x0, 0x100))
	assert.True(t, r.Intersects(0x0, ^uint64(0)))
	assert.False(t, r.Intersects(0x200, 0x300))
	assert.False(t, r.Intersects(0x0, 0xff))

	top := NewRange(0xffffffffffffff00, ^uint64(0))
	assert.True(t, top.IntersectsRange(NewRange(^uint64(0), ^uint64(0))))
	assert.True(t, top.Adjacent(NewRange(0x0, 0xfffffffffffffeff)))
	full := NewRange(0, ^uint64(0))
	assert.Equal(t, ^uint64(0), full.Size())
}
