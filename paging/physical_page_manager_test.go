package paging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
	"github.com/openhwgroup/force-riscv-sub005/failure"
	"github.com/openhwgroup/force-riscv-sub005/memory"
	"github.com/openhwgroup/force-riscv-sub005/random"
)

func newBank(t *testing.T, from, to uint64) *memory.MemoryBank {
	mgr := memory.NewMemoryManager([]uint32{0, 1}, 3)
	mgr.AddExclusiveTraits("WB", "WT", "NC")
	require.Nil(t, mgr.DefineBank(memory.DefaultBank, "dram", memory.MultiThreadConstraint, 0))
	require.Nil(t, mgr.AddMemoryRange(memory.DefaultBank, from, to))
	require.Nil(t, mgr.ConfigureMemoryBanks())
	bank, err := mgr.Bank(memory.DefaultBank)
	require.Nil(t, err)
	return bank
}

func newManager(t *testing.T, bank *memory.MemoryBank, free *ds.ConstraintSet) *PhysicalPageManager {
	ppm := NewPhysicalPageManager(bank.Name, bank.Traits(), random.NewRandom(11))
	require.Nil(t, ppm.Initialize(free, nil))
	return ppm
}

func dataRequest(attrs ...string) *PageRequest {
	req := NewPageRequest(memory.AccessRead, false)
	req.Attributes = attrs
	return req
}

func TestInitializeOnce(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x80ff_ffff)
	ppm := NewPhysicalPageManager("dram", bank.Traits(), random.NewRandom(1))

	_, _, ok, err := ppm.AllocatePage(&AllocationRequest{Page: dataRequest(), Size: 0x1000})
	assert.False(t, ok)
	require.NotNil(t, err)
	assert.Equal(t, failure.CodeNotInitialized, failure.CodeOf(err))

	require.Nil(t, ppm.Initialize(bank.Ranges(), nil))
	err = ppm.Initialize(bank.Ranges(), nil)
	require.NotNil(t, err)
	assert.Equal(t, failure.CodeDoubleInitialize, failure.CodeOf(err))
}

func TestAllocationsNeverOverlap(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x83ff_ffff)
	ppm := newManager(t, bank, bank.Ranges())
	rnd := random.NewRandom(2)
	seen := ds.NewConstraintSet()
	for i := 0; i < 300; i++ {
		size := uint64(0x1000)
		if rnd.Intn(10) == 0 {
			size = 0x20_0000
		}
		id, pa, ok, err := ppm.AllocatePage(&AllocationRequest{Page: dataRequest(), Size: size})
		require.Nil(t, err)
		if !ok {
			continue
		}
		end := pa + size - 1
		assert.Zero(t, pa&(size-1), "page at %x is not aligned to %x", pa, size)
		assert.False(t, seen.IntersectsRange(pa, end), "page at %x overlaps", pa)
		assert.True(t, bank.Ranges().ContainsRange(pa, end))
		seen.AddRange(pa, end)

		page, err := ppm.Page(id)
		require.Nil(t, err)
		assert.Equal(t, pa, page.Lower)
		found, ok := ppm.FindPage(pa + size/2)
		assert.True(t, ok)
		assert.Equal(t, id, found)
	}
	assert.True(t, ppm.Allocated().Equals(seen))
	assert.False(t, ppm.Free().Intersects(seen))
}

func TestAliasNeedsCompatibleTraits(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x80ff_ffff)
	ppm := newManager(t, bank, ds.NewConstraintSetRange(0x8000_0000, 0x8000_0fff))

	wb := dataRequest("WB").SetFlag(FlagCanAlias, true)
	id, pa, ok, err := ppm.AllocatePage(&AllocationRequest{Page: wb, Size: 0x1000})
	require.Nil(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0x8000_0000), pa)

	nc := dataRequest("NC").SetFlag(FlagCanAlias, true)
	_, _, ok, err = ppm.AllocatePage(&AllocationRequest{Page: nc, Size: 0x1000})
	require.Nil(t, err)
	assert.False(t, ok)

	alias, aliasPa, ok, err := ppm.AllocatePage(&AllocationRequest{Page: wb.Clone(), Size: 0x1000})
	require.Nil(t, err)
	require.True(t, ok)
	assert.Equal(t, id, alias)
	assert.Equal(t, pa, aliasPa)
	page, err := ppm.Page(id)
	require.Nil(t, err)
	assert.Equal(t, 1, page.Aliases)

	_, _, ok, err = ppm.AllocatePage(&AllocationRequest{Page: dataRequest("WB"), Size: 0x1000})
	require.Nil(t, err)
	assert.False(t, ok)
}

func TestExclusiveAttributesAllocateNothing(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x8000_ffff)
	ppm := newManager(t, bank, bank.Ranges())

	_, _, ok, err := ppm.AllocatePage(&AllocationRequest{Page: dataRequest("WB", "NC"), Size: 0x1000})
	require.Nil(t, err)
	assert.False(t, ok)
	assert.True(t, ppm.Allocated().IsEmpty())
	assert.Empty(t, ppm.Pages())
	wb, found := bank.Traits().TraitID("WB")
	require.True(t, found)
	assert.True(t, bank.Traits().TraitRanges(0, wb).IsEmpty())

	_, pa, ok, err := ppm.AllocatePage(&AllocationRequest{Page: dataRequest("WB"), Size: 0x1000})
	require.Nil(t, err)
	require.True(t, ok)
	assert.Equal(t, ds.NewConstraintSetRange(pa, pa+0xfff).String(), ppm.Allocated().String())
	assert.Len(t, ppm.Pages(), 1)
}

func TestAliasExclusion(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x80ff_ffff)
	ppm := newManager(t, bank, ds.NewConstraintSetRange(0x8000_0000, 0x8000_1fff))
	ppm.SetAliasExclusion(ds.NewConstraintSetRange(0x8000_0000, 0x8000_0fff))

	req := dataRequest().SetFlag(FlagCanAlias, true)
	_, pa, ok, err := ppm.AllocatePage(&AllocationRequest{Page: req, Size: 0x1000})
	require.Nil(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0x8000_1000), pa)
}

func TestNewPagesAvoidForeignTraits(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x80ff_ffff)
	dev := bank.Traits().RegisterTrait("Device")
	require.Nil(t, bank.Traits().AddGlobalTrait(dev, 0x8000_0000, 0x8000_7fff))
	ppm := newManager(t, bank, ds.NewConstraintSetRange(0x8000_0000, 0x8000_ffff))

	for i := 0; i < 8; i++ {
		_, pa, ok, err := ppm.AllocatePage(&AllocationRequest{Page: dataRequest("WB"), Size: 0x1000})
		require.Nil(t, err)
		require.True(t, ok)
		assert.GreaterOrEqual(t, pa, uint64(0x8000_8000))
	}
	_, _, ok, err := ppm.AllocatePage(&AllocationRequest{Page: dataRequest("WB"), Size: 0x1000})
	require.Nil(t, err)
	assert.False(t, ok)

	_, pa, ok, err := ppm.AllocatePage(&AllocationRequest{Page: dataRequest("Device"), Size: 0x1000})
	require.Nil(t, err)
	require.True(t, ok)
	assert.Less(t, pa, uint64(0x8000_8000))
}

func TestFlatMapAndPhysicalConstraint(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x80ff_ffff)
	ppm := newManager(t, bank, bank.Ranges())

	flat := dataRequest().SetFlag(FlagFlatMap, true)
	_, pa, ok, err := ppm.AllocatePage(&AllocationRequest{Page: flat, Size: 0x1000, VA: 0x8000_4000})
	require.Nil(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0x8000_4000), pa)

	_, _, ok, err = ppm.AllocatePage(&AllocationRequest{Page: flat, Size: 0x1000, VA: 0x8000_4000})
	require.Nil(t, err)
	assert.False(t, ok)

	bounded := dataRequest()
	bounded.PhysicalConstraint = ds.NewConstraintSetRange(0x8040_0000, 0x8040_1fff)
	_, pa, ok, err = ppm.AllocatePage(&AllocationRequest{Page: bounded, Size: 0x1000})
	require.Nil(t, err)
	require.True(t, ok)
	assert.True(t, pa == 0x8040_0000 || pa == 0x8040_1000)
}

func TestBoundaryAndReserve(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x80ff_ffff)
	ppm := newManager(t, bank, bank.Ranges())

	require.Nil(t, ppm.ReservePhysicalRange(0x8010_0000, 0x8010_7fff))
	ppm.SetBoundary(ds.NewConstraintSetRange(0x8010_0000, 0x8010_ffff))
	for i := 0; i < 8; i++ {
		_, pa, ok, err := ppm.AllocatePage(&AllocationRequest{Page: dataRequest(), Size: 0x1000})
		require.Nil(t, err)
		require.True(t, ok)
		assert.GreaterOrEqual(t, pa, uint64(0x8010_8000))
		assert.LessOrEqual(t, pa, uint64(0x8010_f000))
	}
	_, _, ok, err := ppm.AllocatePage(&AllocationRequest{Page: dataRequest(), Size: 0x1000})
	require.Nil(t, err)
	assert.False(t, ok)

	require.Nil(t, ppm.ReservePhysicalRange(0x8010_0000, 0x8011_0000))
	assert.False(t, ppm.Free().ContainsValue(0x8011_0000))
}

func TestDuplicateAllocationIsFatal(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x80ff_ffff)
	ppm := newManager(t, bank, bank.Ranges())
	_, pa, ok, err := ppm.AllocatePage(&AllocationRequest{Page: dataRequest(), Size: 0x1000})
	require.Nil(t, err)
	require.True(t, ok)

	err = ppm.take(pa+0x10, pa+0x1f)
	require.NotNil(t, err)
	assert.Equal(t, failure.CodeDuplicateAllocation, failure.CodeOf(err))
}

func TestDanglingPageReference(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x80ff_ffff)
	ppm := newManager(t, bank, bank.Ranges())
	_, err := ppm.Page(3)
	require.NotNil(t, err)
	assert.Equal(t, failure.CodeDanglingReference, failure.CodeOf(err))
	_, ok := ppm.FindPage(0x8000_0000)
	assert.False(t, ok)
}
