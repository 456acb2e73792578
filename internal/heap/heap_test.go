package heap

import (
	"testing"

	"github.com/quantumos/quantum/internal/pmm"
	"github.com/quantumos/quantum/internal/vmm"
	"github.com/stretchr/testify/require"
)

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	alloc, err := pmm.NewAllocator(nil, nil)
	require.NoError(t, err)
	mgr := vmm.NewManager(alloc)
	space, err := mgr.NewSpace()
	require.NoError(t, err)
	return New(alloc, space, 16<<20, nil)
}

func TestAllocateReturnsRefWithUsableLength(t *testing.T) {
	h := newTestHeap(t)
	ref, err := h.Allocate(24)
	require.NoError(t, err)
	require.GreaterOrEqual(t, ref.Length, uint32(24))
}

func TestAllocateWritesAndReadsBackThroughBytes(t *testing.T) {
	h := newTestHeap(t)
	ref, err := h.Allocate(32)
	require.NoError(t, err)

	buf := h.Bytes(ref)
	copy(buf, []byte("hello heap"))
	require.Equal(t, "hello heap", string(h.Bytes(ref)[:10]))
}

func TestFreeThenReallocateReusesBlock(t *testing.T) {
	h := newTestHeap(t)
	ref, err := h.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, h.Free(ref))

	ref2, err := h.Allocate(64)
	require.NoError(t, err)
	require.Equal(t, ref.Offset, ref2.Offset)
}

func TestFreePoisonsPayload(t *testing.T) {
	h := newTestHeap(t)
	ref, err := h.Allocate(16)
	require.NoError(t, err)
	require.NoError(t, h.Free(ref))

	h.mu.Lock()
	b := h.mem[ref.Offset]
	h.mu.Unlock()
	require.Equal(t, poisonFreed, b)
}

func TestFreeDetectsCanaryCorruption(t *testing.T) {
	h := newTestHeap(t)
	ref, err := h.Allocate(16)
	require.NoError(t, err)

	// stomp past the declared length into the canary word.
	h.mu.Lock()
	canaryOff := ref.Offset + ref.Length
	h.mem[canaryOff] ^= 0xFF
	h.mu.Unlock()

	err = h.Free(ref)
	require.Error(t, err)
	var corrupt *CorruptionError
	require.ErrorAs(t, err, &corrupt)
}

func TestFreeOutOfRangeOffsetIsRejected(t *testing.T) {
	h := newTestHeap(t)
	err := h.Free(Ref{Offset: 1 << 30, Length: 8})
	require.Error(t, err)
}

func TestFreeZeroRefIsNoOp(t *testing.T) {
	h := newTestHeap(t)
	require.NoError(t, h.Free(Ref{}))
}

func TestAllocateAlignedReturnsAlignedOffset(t *testing.T) {
	h := newTestHeap(t)
	ref, err := h.AllocateAligned(64, 64)
	require.NoError(t, err)
	require.Zero(t, ref.Offset%64)
}

func TestAllocateAlignedFreeRoundTrip(t *testing.T) {
	h := newTestHeap(t)
	ref, err := h.AllocateAligned(32, 32)
	require.NoError(t, err)
	require.NoError(t, h.Free(ref))
}

func TestAllocateAlignedRejectsNonPowerOfTwo(t *testing.T) {
	h := newTestHeap(t)
	_, err := h.AllocateAligned(32, 24)
	require.Error(t, err)
}

func TestSmallAllocationsUseBinClasses(t *testing.T) {
	h := newTestHeap(t)
	r1, err := h.Allocate(10)
	require.NoError(t, err)
	require.NoError(t, h.Free(r1))

	r2, err := h.Allocate(12)
	require.NoError(t, err)
	// both fall in the 16-byte bin; the freed block should be reused.
	require.Equal(t, r1.Offset, r2.Offset)
}

func TestVerifyPassesOnFreshHeap(t *testing.T) {
	h := newTestHeap(t)
	_, err := h.Allocate(16)
	require.NoError(t, err)
	require.NoError(t, h.Verify())
}

func TestGetStateReflectsMappedAndFreeBytes(t *testing.T) {
	h := newTestHeap(t)
	ref, err := h.Allocate(128)
	require.NoError(t, err)
	require.NoError(t, h.Free(ref))

	state := h.GetState()
	require.Greater(t, state.MappedBytes, uint32(0))
	require.Greater(t, state.FreeBlocks, uint32(0))
}

func TestLargeAllocationMapsAdditionalPages(t *testing.T) {
	h := newTestHeap(t)
	_, err := h.Allocate(20000)
	require.NoError(t, err)
	require.GreaterOrEqual(t, h.GetState().MappedBytes, uint32(20000))
}

func TestHeapExhaustionReturnsError(t *testing.T) {
	h := newTestHeap(t)
	h.maxBytes = pageSize * 2
	for i := 0; i < 1000; i++ {
		if _, err := h.Allocate(1024); err != nil {
			require.Error(t, err)
			return
		}
	}
	t.Fatal("expected heap exhaustion")
}
