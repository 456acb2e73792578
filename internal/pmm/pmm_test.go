package pmm

import (
	"testing"

	"github.com/quantumos/quantum/internal/uapi"
	"github.com/stretchr/testify/require"
)

func newTestBootInfo() *uapi.BootInfo {
	return &uapi.BootInfo{
		Regions: []uapi.MemoryRegion{
			{Base: 0, Length: 0x100000, Type: uapi.MemoryRegionUsable},
			{Base: 0x100000, Length: 16 << 20, Type: uapi.MemoryRegionUsable},
			{Base: 0xFEC00000, Length: 0x1000, Type: uapi.MemoryRegionReserved},
		},
	}
}

func TestNewAllocatorDefaultsTo64MiBFloor(t *testing.T) {
	a, err := NewAllocator(nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(defaultManagedBytes), a.ManagedBytes())
}

func TestNewAllocatorUsesBootInfoHighWaterMark(t *testing.T) {
	info := newTestBootInfo()
	// only usable regions raise the mark; the reserved page at
	// 0xFEC00000 does not.
	info.Regions = append(info.Regions, uapi.MemoryRegion{Base: 128 << 20, Length: 1 << 20, Type: uapi.MemoryRegionUsable})
	a, err := NewAllocator(info, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(129<<20), a.ManagedBytes())
}

func TestAllocatePageNeverReturnsNullPage(t *testing.T) {
	a, err := NewAllocator(newTestBootInfo(), nil)
	require.NoError(t, err)

	seen := map[PhysAddr]bool{}
	for i := 0; i < 64; i++ {
		p, err := a.AllocatePage(false)
		require.NoError(t, err)
		require.NotZero(t, p)
		require.False(t, seen[p], "page handed out twice")
		seen[p] = true
	}
}

func TestFreePageAllowsReuse(t *testing.T) {
	a, err := NewAllocator(newTestBootInfo(), nil)
	require.NoError(t, err)

	p, err := a.AllocatePage(false)
	require.NoError(t, err)
	usedBefore := a.UsedPages()

	a.FreePage(p)
	require.Equal(t, usedBefore-1, a.UsedPages())

	p2, err := a.AllocatePage(false)
	require.NoError(t, err)
	require.Equal(t, p, p2)
}

func TestFreePageDoubleFreeIsIgnored(t *testing.T) {
	a, err := NewAllocator(newTestBootInfo(), nil)
	require.NoError(t, err)

	p, err := a.AllocatePage(false)
	require.NoError(t, err)
	a.FreePage(p)
	used := a.UsedPages()
	a.FreePage(p) // double free
	require.Equal(t, used, a.UsedPages())
}

func TestAllocatePageBelowRespectsBoundary(t *testing.T) {
	a, err := NewAllocator(newTestBootInfo(), nil)
	require.NoError(t, err)

	p, err := a.AllocatePageBelow(PhysAddr(16<<20), 64*1024)
	require.NoError(t, err)
	require.True(t, uint64(p)%(64*1024)+pageSize <= 64*1024)
}

func TestAllocatePageExhaustionReturnsError(t *testing.T) {
	info := &uapi.BootInfo{Regions: []uapi.MemoryRegion{
		{Base: 0, Length: defaultManagedBytes, Type: uapi.MemoryRegionUsable},
	}}
	a, err := NewAllocator(info, nil)
	require.NoError(t, err)

	for {
		_, err := a.AllocatePage(false)
		if err != nil {
			break
		}
	}
	_, err = a.AllocatePage(false)
	require.Error(t, err)
}

func TestReserveRangeThenReleaseRange(t *testing.T) {
	a, err := NewAllocator(newTestBootInfo(), nil)
	require.NoError(t, err)

	before := a.FreePages()
	a.ReserveRange(PhysAddr(2*pageSize), 3*pageSize)
	require.Equal(t, before-3, a.FreePages())

	a.ReleaseRange(PhysAddr(2*pageSize), 3*pageSize)
	require.Equal(t, before, a.FreePages())
}

func TestInitBundlePagesAreSkippedByAllocatePage(t *testing.T) {
	info := newTestBootInfo()
	info.HasInitBundle = true
	info.InitBundleBase = pageSize
	info.InitBundleSize = pageSize * 4

	a, err := NewAllocator(info, nil)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		p, err := a.AllocatePage(false)
		require.NoError(t, err)
		require.False(t, uint64(p) >= info.InitBundleBase && uint64(p) < info.InitBundleBase+info.InitBundleSize)
	}
}

func TestNoBootInfoFreesAllManagedPages(t *testing.T) {
	a, err := NewAllocator(nil, nil)
	require.NoError(t, err)
	require.Greater(t, a.FreePages(), uint32(0))
}
