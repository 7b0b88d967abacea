package paging

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhwgroup/force-riscv-sub005/arch"
	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
	"github.com/openhwgroup/force-riscv-sub005/failure"
	"github.com/openhwgroup/force-riscv-sub005/memory"
	"github.com/openhwgroup/force-riscv-sub005/random"
)

func newSpace(t *testing.T, levels int) (*AddressSpace, *memory.MemoryBank) {
	bank := newBank(t, 0x8000_0000, 0x80ff_ffff)
	ppm := newManager(t, bank, bank.Constraint().Usable())
	space := NewAddressSpace(arch.NewPagingScheme(levels), ppm, bank, 0, random.NewRandom(21))
	return space, bank
}

func noFaultRequest(access memory.MemAccessType) *PageRequest {
	return NewPageRequest(access, false).SetFlag(FlagNoDataPageFault, true)
}

func TestMapAddressRange(t *testing.T) {
	space, bank := newSpace(t, 3)
	require.Nil(t, space.MapAddressRange(0x1000_0ff0, 0x20, noFaultRequest(memory.AccessRead)))

	assert.True(t, space.IsMapped(0x1000_0000, 0x2000))
	assert.False(t, space.IsMapped(0x1000_2000, 1))
	assert.Len(t, space.Pages(), 2)
	assert.Equal(t, "0x10000000-0x10001fff", space.VmConstraint(VmExisting).String())
	assert.True(t, space.VmConstraint(VmPageFault).IsEmpty())

	pa, ok := space.Translate(0x1000_1234)
	require.True(t, ok)
	assert.Equal(t, uint64(0x234), pa&0xfff)
	assert.True(t, bank.Ranges().ContainsValue(pa))

	root, ok := space.Root()
	require.True(t, ok)
	tables := space.VmConstraint(VmPageTable)
	assert.True(t, tables.ContainsRange(root, root+arch.TableSize-1))
	assert.False(t, bank.Constraint().Usable().Intersects(tables))

	// mapping again is a no-op
	require.Nil(t, space.MapAddressRange(0x1000_0000, 0x2000, noFaultRequest(memory.AccessRead)))
	assert.Len(t, space.Pages(), 2)
}

func TestPageInfoWalk(t *testing.T) {
	space, bank := newSpace(t, 3)
	require.Nil(t, space.MapAddressRange(0x4030_4000, 0x10, noFaultRequest(memory.AccessWrite)))

	info, ok := space.PageInfo(0x4030_4008)
	require.True(t, ok)
	assert.Equal(t, uint64(0x4030_4000), info.VaLower)
	assert.Equal(t, uint64(0x4030_4fff), info.VaUpper)
	assert.Equal(t, uint64(0x1000), info.PageSize)
	assert.Equal(t, info.PaLower+0xfff, info.PaUpper)
	assert.True(t, arch.IsLeaf(info.Descriptor))
	assert.NotZero(t, info.Descriptor&arch.PteW)
	assert.NotZero(t, info.Descriptor&arch.PteA)
	assert.NotZero(t, info.Descriptor&arch.PteD)

	require.Len(t, info.Walk, 3)
	root, _ := space.Root()
	assert.Equal(t, root, info.Walk[0].TableBase)
	wantIndex := []uint64{1, 1, 0x104}
	for i, rec := range info.Walk {
		assert.Equal(t, 2-i, rec.Level)
		assert.Equal(t, wantIndex[i], rec.Index)
		assert.Equal(t, rec.TableBase+rec.Index*8, rec.DescriptorAddr)
		raw, ok := bank.ReadBytes(rec.DescriptorAddr, 8)
		require.True(t, ok)
		assert.Equal(t, rec.Descriptor, binary.LittleEndian.Uint64(raw))
		if i+1 < len(info.Walk) {
			assert.Equal(t, info.Walk[i+1].TableBase, space.Scheme().DecodeAddress(rec.Descriptor))
		}
	}
	assert.Equal(t, info.PaLower, space.Scheme().DecodeAddress(info.Walk[2].Descriptor))

	_, ok = space.PageInfo(0x5000_0000)
	assert.False(t, ok)
}

func TestLargePages(t *testing.T) {
	space, _ := newSpace(t, 3)
	space.SetPageSizeWeights(map[uint64]uint64{0x20_0000: 1, 0x4000_0000: 0})
	require.Nil(t, space.MapAddressRange(0x20_1000, 0x10, noFaultRequest(memory.AccessRead)))
	info, ok := space.PageInfo(0x20_1000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x20_0000), info.PageSize)
	assert.Len(t, info.Walk, 2)
	assert.Zero(t, info.PaLower&0x1f_ffff)

	require.Nil(t, space.MapAddressRange(0x40_0000, 1, noFaultRequest(memory.AccessRead)))
	assert.Equal(t, "0x200000-0x5fffff", space.VmConstraint(VmExisting).String())
}

func TestMapRejectsNonCanonical(t *testing.T) {
	space, _ := newSpace(t, 3)
	err := space.MapAddressRange(0x40_0000_0000, 0x10, noFaultRequest(memory.AccessRead))
	require.NotNil(t, err)
	assert.True(t, failure.IsOperandError(err))
	assert.True(t, space.VmConstraint(VmAddressError).ContainsValue(0x40_0000_0000))
}

func TestDescriptorFieldConstraints(t *testing.T) {
	space, _ := newSpace(t, 3)
	space.SetFieldConstraints(map[string]*ds.ConstraintSet{"G": ds.NewConstraintSetValue(1)})

	req := NewPageRequest(memory.AccessWrite, false).SetPrivilege(0)
	req.SetAttributeConstraint("RSW", ds.NewConstraintSetValue(2))
	req.SetAttributeConstraint("A", ds.NewConstraintSetValue(0))
	require.Nil(t, space.MapAddressRange(0x1000, 0x10, req))

	info, ok := space.PageInfo(0x1000)
	require.True(t, ok)
	assert.Equal(t, uint64(2), (info.Descriptor>>8)&3)
	assert.NotZero(t, info.Descriptor&arch.PteU)
	assert.NotZero(t, info.Descriptor&arch.PteG)
	assert.Zero(t, info.Descriptor&arch.PteA)
	assert.True(t, space.VmConstraint(VmUserAccess).ContainsValue(0x1000))
	assert.True(t, space.VmConstraint(VmPageFault).ContainsValue(0x1000))
	assert.False(t, space.VmConstraint(VmReadOnly).ContainsValue(0x1000))

	conflict := noFaultRequest(memory.AccessRead)
	conflict.SetAttributeConstraint("A", ds.NewConstraintSetValue(0))
	err := space.MapAddressRange(0x9000, 0x10, conflict)
	require.NotNil(t, err)
	assert.True(t, failure.IsOperandError(err))
}

func TestFlatMapping(t *testing.T) {
	space, _ := newSpace(t, 4)
	req := noFaultRequest(memory.AccessRead).SetFlag(FlagFlatMap, true)
	require.Nil(t, space.MapAddressRange(0x8000_3000, 0x10, req))
	pa, ok := space.Translate(0x8000_3008)
	require.True(t, ok)
	assert.Equal(t, uint64(0x8000_3008), pa)
	assert.True(t, space.VmConstraint(VmFlatMap).ContainsRange(0x8000_3000, 0x8000_3fff))
}

func TestMappingFailsWhenMemoryRunsOut(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x8000_3fff)
	ppm := newManager(t, bank, bank.Ranges())
	space := NewAddressSpace(arch.NewPagingScheme(3), ppm, bank, 0, random.NewRandom(4))

	// three tables and one data page use all four frames
	require.Nil(t, space.MapAddressRange(0x1000, 1, noFaultRequest(memory.AccessRead)))
	err := space.MapAddressRange(0x2000, 1, noFaultRequest(memory.AccessRead))
	require.NotNil(t, err)
	assert.True(t, failure.IsEmptyConstraint(err))
}

func TestTableShortageLeavesNoDataPage(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x8000_4fff)
	ppm := newManager(t, bank, bank.Ranges())
	space := NewAddressSpace(arch.NewPagingScheme(3), ppm, bank, 0, random.NewRandom(4))

	require.Nil(t, space.MapAddressRange(0x1000, 1, noFaultRequest(memory.AccessRead)))
	// a new leaf table takes the last frame and leaves none for the page
	err := space.MapAddressRange(0x20_0000, 1, noFaultRequest(memory.AccessRead))
	require.NotNil(t, err)
	assert.True(t, failure.IsEmptyConstraint(err))

	data := 0
	for _, page := range ppm.Pages() {
		if !page.PageTable {
			data++
		}
	}
	assert.Equal(t, len(space.Pages()), data)
	assert.Len(t, space.Pages(), 1)
	_, ok := space.Translate(0x20_0000)
	assert.False(t, ok)
}

func TestPagingMapperUsableConstraint(t *testing.T) {
	space, bank := newSpace(t, 3)
	mapper := NewPagingMapper(space, bank)
	require.Nil(t, mapper.MapAddressRange(0x1000_0000, 0x10, noFaultRequest(memory.AccessWrite)))
	pa, ok := mapper.Translate(0x1000_0000)
	require.True(t, ok)
	require.Nil(t, bank.Constraint().MarkUsed(pa, pa+0xf, memory.DataTypeData, memory.AccessWrite, 1))

	cs := ds.NewConstraintSetRange(0x1000_0000, 0x1000_1fff)
	require.Nil(t, mapper.ApplyUsableConstraint(memory.DataTypeData, memory.AccessWrite, memory.AllReuse, cs))
	assert.Equal(t, "0x10000010-0x10001fff", cs.String())

	cs = ds.NewConstraintSetRange(0x3f_ffff_f000, 0x40_0000_0fff)
	require.Nil(t, mapper.ApplyUsableConstraint(memory.DataTypeData, memory.AccessRead, memory.NoReuse, cs))
	assert.Equal(t, "0x3ffffff000-0x3fffffffff", cs.String())
}

func TestDirectMapper(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x80ff_ffff)
	mapper := NewDirectMapper(bank, 1)
	assert.Nil(t, mapper.MapAddressRange(0x8000_0000, 0x100, dataRequest()))
	err := mapper.MapAddressRange(0x7fff_fff0, 0x100, dataRequest())
	assert.True(t, failure.IsOperandError(err))
	pa, ok := mapper.Translate(0x8000_1000)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x8000_1000), pa)
	assert.True(t, mapper.VmConstraint(VmAddressError).ContainsValue(0x1000))
	assert.True(t, mapper.VmConstraint(VmPageFault).IsEmpty())

	require.Nil(t, bank.Constraint().MarkUsed(0x8000_0000, 0x8000_000f, memory.DataTypeData, memory.AccessRead, 1))
	cs := ds.NewConstraintSetRange(0x8000_0000, 0x8000_001f)
	require.Nil(t, mapper.ApplyUsableConstraint(memory.DataTypeData, memory.AccessRead, memory.ReadAfterRead, cs))
	assert.Equal(t, "0x80000000-0x8000001f", cs.String())
}

func TestPagingMapperMarkUsedSpansPages(t *testing.T) {
	space, bank := newSpace(t, 3)
	mapper := NewPagingMapper(space, bank)
	require.Nil(t, mapper.MapAddressRange(0x2000_0ff8, 0x10, noFaultRequest(memory.AccessWrite)))
	require.Nil(t, mapper.MarkUsed(0x2000_0ff8, 0x10, memory.DataTypeData, memory.AccessWrite))

	for _, va := range []uint64{0x2000_0ff8, 0x2000_1007} {
		pa, ok := mapper.Translate(va)
		require.True(t, ok)
		used, err := bank.Constraint().UsedForWrite(0)
		require.Nil(t, err)
		assert.True(t, used.ContainsValue(pa))
	}
	err := mapper.MarkUsed(0x2000_2000, 4, memory.DataTypeData, memory.AccessRead)
	assert.True(t, failure.IsOperandError(err))
}
