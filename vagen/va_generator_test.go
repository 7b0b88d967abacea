package vagen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhwgroup/force-riscv-sub005/arch"
	ds "github.com/openhwgroup/force-riscv-sub005/data_structures"
	"github.com/openhwgroup/force-riscv-sub005/failure"
	"github.com/openhwgroup/force-riscv-sub005/memory"
	"github.com/openhwgroup/force-riscv-sub005/paging"
	"github.com/openhwgroup/force-riscv-sub005/random"
)

func newBank(t *testing.T, from, to uint64) *memory.MemoryBank {
	mgr := memory.NewMemoryManager([]uint32{0, 1}, 9)
	require.Nil(t, mgr.DefineBank(memory.DefaultBank, "dram", memory.MultiThreadConstraint, 0))
	require.Nil(t, mgr.AddMemoryRange(memory.DefaultBank, from, to))
	require.Nil(t, mgr.ConfigureMemoryBanks())
	bank, err := mgr.Bank(memory.DefaultBank)
	require.Nil(t, err)
	return bank
}

func newPagingMapper(t *testing.T, bank *memory.MemoryBank, free *ds.ConstraintSet) *paging.PagingMapper {
	ppm := paging.NewPhysicalPageManager(bank.Name, bank.Traits(), random.NewRandom(5))
	require.Nil(t, ppm.Initialize(free, nil))
	space := paging.NewAddressSpace(arch.NewPagingScheme(3), ppm, bank, 0, random.NewRandom(6))
	return paging.NewPagingMapper(space, bank)
}

func noFault(req *AddressRequest) *AddressRequest {
	req.Page.SetFlag(paging.FlagNoDataPageFault, true)
	return req
}

func TestGenerateDirect(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x8000_ffff)
	gen := NewVaGenerator(paging.NewDirectMapper(bank, 0), nil, random.NewRandom(1), Options{MaxRetries: 8})
	for i := 0; i < 200; i++ {
		va, err := gen.Generate(NewDataRequest(8, 8, memory.AccessRead))
		require.Nil(t, err)
		assert.Zero(t, va&7)
		assert.True(t, bank.Ranges().ContainsRange(va, va+7), "va %x", va)
		assert.Equal(t, 1, gen.Attempts())
	}
}

func TestGenerateAvoidsUsedMemory(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x8000_ffff)
	require.Nil(t, bank.Constraint().MarkUsed(0x8000_0000, 0x8000_00ff, memory.DataTypeData, memory.AccessWrite, 1))
	require.Nil(t, bank.Constraint().MarkUsed(0x8000_0110, 0x8000_ffff, memory.DataTypeData, memory.AccessWrite, 1))
	gen := NewVaGenerator(paging.NewDirectMapper(bank, 0), nil, random.NewRandom(2), Options{})
	for i := 0; i < 50; i++ {
		va, err := gen.Generate(NewDataRequest(8, 8, memory.AccessRead))
		require.Nil(t, err)
		assert.Contains(t, []uint64{0x8000_0100, 0x8000_0108}, va)
	}

	_, err := gen.Generate(NewDataRequest(0x20, 8, memory.AccessRead))
	require.NotNil(t, err)
	assert.True(t, failure.IsEmptyConstraint(err))
}

func TestForceNewAddressDropsReuse(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x8000_00ff)
	require.Nil(t, bank.Constraint().MarkUsed(0x8000_0000, 0x8000_00f7, memory.DataTypeData, memory.AccessRead, 0))
	gen := NewVaGenerator(paging.NewDirectMapper(bank, 0), nil, random.NewRandom(3), Options{})

	req := NewDataRequest(8, 8, memory.AccessRead)
	req.Reuse = memory.ReadAfterRead
	req.Page.SetFlag(paging.FlagForceNewAddress, true)
	for i := 0; i < 20; i++ {
		va, err := gen.Generate(req)
		require.Nil(t, err)
		assert.Equal(t, uint64(0x8000_00f8), va)
	}
}

func TestPcExclusionWindow(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x8000_ffff)
	opts := Options{Branch: PcWindow{Before: 0x40, After: 0x40}, NonBranch: PcWindow{Before: 0x10, After: 0x10}}
	gen := NewVaGenerator(paging.NewDirectMapper(bank, 0), nil, random.NewRandom(4), opts)
	for i := 0; i < 200; i++ {
		req := NewDataRequest(4, 4, memory.AccessRead).SetPC(0x8000_0080, false)
		req.RangeConstraint = ds.NewConstraintSetRange(0x8000_0000, 0x8000_00ff)
		va, err := gen.Generate(req)
		require.Nil(t, err)
		assert.False(t, va+3 >= 0x8000_0070 && va <= 0x8000_0090, "va %x inside the pc window", va)

		branch := NewInstrRequest(4, 4).SetPC(0x8000_0080, true)
		branch.RangeConstraint = ds.NewConstraintSetRange(0x8000_0000, 0x8000_00ff)
		va, err = gen.Generate(branch)
		require.Nil(t, err)
		assert.False(t, va+3 >= 0x8000_0040 && va <= 0x8000_00c0, "va %x inside the branch window", va)
	}
}

func TestForcedTarget(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x8000_ffff)
	gen := NewVaGenerator(paging.NewDirectMapper(bank, 0), nil, random.NewRandom(5), Options{})

	req := NewDataRequest(8, 8, memory.AccessWrite)
	req.TargetConstraint = ds.NewConstraintSetValue(0x8000_0040)
	va, err := gen.Generate(req)
	require.Nil(t, err)
	assert.Equal(t, uint64(0x8000_0040), va)
	assert.Equal(t, 1, gen.Attempts())

	req.TargetConstraint = ds.NewConstraintSetValue(0x9000_0000)
	_, err = gen.Generate(req)
	require.NotNil(t, err)
	assert.True(t, failure.IsOperandError(err))

	req.TargetConstraint = ds.NewConstraintSetValue(0x8000_0044)
	_, err = gen.Generate(req)
	require.NotNil(t, err)
	assert.True(t, failure.IsOperandError(err))

	// without a window only the PC itself is excluded
	req.TargetConstraint = ds.NewConstraintSetValue(0x8000_0040)
	req.SetPC(0x8000_0048, false)
	va, err = gen.Generate(req)
	require.Nil(t, err)
	assert.Equal(t, uint64(0x8000_0040), va)

	windowed := NewVaGenerator(paging.NewDirectMapper(bank, 0), nil, random.NewRandom(5), Options{NonBranch: PcWindow{Before: 0x10, After: 0x10}})
	_, err = windowed.Generate(req)
	require.NotNil(t, err)
	assert.True(t, failure.IsOperandError(err))

	req.TargetConstraint = ds.NewConstraintSetValue(0x8000_0060)
	va, err = windowed.Generate(req)
	require.Nil(t, err)
	assert.Equal(t, uint64(0x8000_0060), va)
}

func TestGenerateMapsOnDemand(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x80ff_ffff)
	mapper := newPagingMapper(t, bank, bank.Ranges())
	gen := NewVaGenerator(mapper, nil, random.NewRandom(6), Options{MaxRetries: 16})
	seen := ds.NewConstraintSet()
	for i := 0; i < 100; i++ {
		req := noFault(NewDataRequest(16, 16, memory.AccessWrite))
		req.RangeConstraint = ds.NewConstraintSetRange(0x1000_0000, 0x1000_7fff)
		va, err := gen.Generate(req)
		require.Nil(t, err)
		assert.Zero(t, va&15)
		assert.True(t, mapper.IsMapped(va, 16))
		assert.False(t, seen.IntersectsRange(va, va+15), "va %x reused", va)
		require.Nil(t, mapper.MarkUsed(va, 16, memory.DataTypeData, memory.AccessWrite))
		seen.AddRange(va, va+15)

		info, ok := mapper.Space().PageInfo(va)
		require.True(t, ok)
		assert.NotZero(t, info.Descriptor&arch.PteW)
		assert.NotZero(t, info.Descriptor&arch.PteD)
	}
	assert.True(t, mapper.VmConstraint(paging.VmPageFault).IsEmpty())
}

func TestRetryBound(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x8000_ffff)
	mapper := newPagingMapper(t, bank, ds.NewConstraintSet())
	gen := NewVaGenerator(mapper, nil, random.NewRandom(7), Options{MaxRetries: 3})

	_, err := gen.Generate(NewDataRequest(8, 8, memory.AccessRead))
	require.NotNil(t, err)
	assert.True(t, failure.IsEmptyConstraint(err))
	assert.Equal(t, 3, gen.Attempts())
	assert.True(t, mapper.VmConstraint(paging.VmExisting).IsEmpty())
}

func TestMappedMemoryIsCheckedAgain(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x8000_ffff)
	require.Nil(t, bank.Constraint().MarkUsed(0x8000_0000, 0x8000_ffff, memory.DataTypeData, memory.AccessWrite, 1))
	mapper := newPagingMapper(t, bank, bank.Ranges())
	gen := NewVaGenerator(mapper, nil, random.NewRandom(8), Options{MaxRetries: 5})

	_, err := gen.Generate(NewDataRequest(8, 8, memory.AccessRead))
	require.NotNil(t, err)
	assert.True(t, failure.IsEmptyConstraint(err))
	assert.Equal(t, 5, gen.Attempts())
}

func TestRegulatorExcludesFaultingPages(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x80ff_ffff)
	mapper := newPagingMapper(t, bank, bank.Ranges())
	faulting := paging.NewPageRequest(memory.AccessRead, false)
	faulting.SetAttributeConstraint("A", ds.NewConstraintSetValue(0))
	require.Nil(t, mapper.MapAddressRange(0x1000_0000, 1, faulting))
	gen := NewVaGenerator(mapper, DefaultRegulator{}, random.NewRandom(9), Options{MaxRetries: 4})

	req := noFault(NewDataRequest(8, 8, memory.AccessRead))
	req.RangeConstraint = ds.NewConstraintSetRange(0x1000_0000, 0x1000_0fff)
	_, err := gen.Generate(req)
	require.NotNil(t, err)
	assert.True(t, failure.IsEmptyConstraint(err))

	req = NewDataRequest(8, 8, memory.AccessRead)
	req.RangeConstraint = ds.NewConstraintSetRange(0x1000_0000, 0x1000_0fff)
	va, err := gen.Generate(req)
	require.Nil(t, err)
	assert.True(t, mapper.VmConstraint(paging.VmPageFault).ContainsValue(va))
}

func TestUserPrivilege(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x80ff_ffff)
	mapper := newPagingMapper(t, bank, bank.Ranges())
	kernel := paging.NewPageRequest(memory.AccessRead, false).SetFlag(paging.FlagNoDataPageFault, true).SetPrivilege(1)
	require.Nil(t, mapper.MapAddressRange(0x1000_0000, 1, kernel))
	gen := NewVaGenerator(mapper, nil, random.NewRandom(10), Options{MaxRetries: 8})

	for i := 0; i < 20; i++ {
		req := noFault(NewDataRequest(8, 8, memory.AccessRead))
		req.Page.SetPrivilege(0)
		req.RangeConstraint = ds.NewConstraintSetRange(0x1000_0000, 0x1000_1fff)
		va, err := gen.Generate(req)
		require.Nil(t, err)
		assert.GreaterOrEqual(t, va, uint64(0x1000_1000))
		assert.True(t, mapper.VmConstraint(paging.VmUserAccess).ContainsValue(va))
	}
}

func TestAddressErrorRegion(t *testing.T) {
	bank := newBank(t, 0x8000_0000, 0x80ff_ffff)
	mapper := newPagingMapper(t, bank, bank.Ranges())
	gen := NewVaGenerator(mapper, nil, random.NewRandom(11), Options{MaxRetries: 4})

	req := NewDataRequest(8, 8, memory.AccessRead)
	req.RangeConstraint = ds.NewConstraintSetRange(0x40_0000_0000, 0x40_0000_0fff)
	_, err := gen.Generate(req)
	require.NotNil(t, err)
	assert.True(t, failure.IsEmptyConstraint(err))

	req.AddressErrorOK = true
	va, err := gen.Generate(req)
	require.Nil(t, err)
	assert.True(t, req.RangeConstraint.ContainsValue(va))
	assert.False(t, mapper.IsMapped(va, 8))
}
