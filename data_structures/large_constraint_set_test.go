package data_structures

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhwgroup/force-riscv-sub005/random"
)

func TestLargeConstraintSetBuffersOneDirection(t *testing.T) {
	large := NewLargeConstraintSet(NewConstraintSetRange(0x0, 0xffff))
	large.SubRange(0x100, 0x1ff)
	large.SubRange(0x300, 0x3ff)
	adds, subs := large.Pending()
	assert.Equal(t, 0, adds)
	assert.Equal(t, 2, subs)

	large.AddRange(0x180, 0x18f)
	adds, subs = large.Pending()
	assert.Equal(t, 1, adds)
	assert.Equal(t, 0, subs)
	assert.Equal(t, 1, large.Commits())

	assert.Equal(t, "0x0-0xff,0x180-0x18f,0x200-0x2ff,0x400-0xffff", large.String())
	adds, subs = large.Pending()
	assert.Equal(t, 0, adds+subs)
}

func TestLargeConstraintSetMatchesPlainSet(t *testing.T) {
	rnd := random.NewRandom(17)
	for round := 0; round < 50; round++ {
		plain := NewConstraintSetRange(0x1000, 0x8fff)
		large := NewLargeConstraintSet(plain)
		for i := 0; i < 60; i++ {
			from := rnd.Range64(0, 0xa000)
			to := from + rnd.Range64(0, 0x200)
			if rnd.Bool() {
				plain.AddRange(from, to)
				large.AddRange(from, to)
			} else {
				plain.SubRange(from, to)
				large.SubRange(from, to)
			}
			if rnd.Intn(10) == 0 {
				require.True(t, plain.Equals(large.GetConstraintSet()))
			}
		}
		require.True(t, plain.Equals(large.GetConstraintSet()), "%s vs %s", plain, large)
	}
}

func TestLargeConstraintSetCloneIsDetached(t *testing.T) {
	large := NewLargeConstraintSet(nil)
	large.AddRange(0x10, 0x20)
	c := large.Clone()
	large.SubRange(0x10, 0x20)
	assert.True(t, large.IsEmpty())
	assert.Equal(t, "0x10-0x20", c.String())

	target := NewConstraintSetRange(0x0, 0x100)
	large.AddRange(0x40, 0x4f)
	large.ApplyTo(target)
	assert.Equal(t, "0x40-0x4f", target.String())
}
