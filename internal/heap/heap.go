// Package heap implements the kernel heap: a sorted free list plus
// fixed-size bins for small allocations, each live block trailed by a
// canary word and poisoned on both allocate and free, ported from
// Heap::Allocate/Free/AllocateAligned/VerifyHeap. Raw C pointers
// become heap.Ref offsets into a Go-owned byte arena that grows page
// by page through vmm/pmm, per the spec's pervasive-raw-pointers
// redesign.
package heap

import (
	"encoding/binary"
	"sync"

	"github.com/quantumos/quantum/internal/logging"
	"github.com/quantumos/quantum/internal/pmm"
	"github.com/quantumos/quantum/internal/vmm"
)

const (
	pageSize        = vmm.PageSize
	canaryValue     = uint32(0xDEADC0DE)
	poisonAllocated = byte(0xAA)
	poisonFreed     = byte(0x55)
	alignedMagic    = uint32(0xA11612ED)

	// blockHeaderSize is {size uint32, next uint32} stored inline in
	// the arena ahead of each block's payload.
	blockHeaderSize  = 8
	noneOffset       = ^uint32(0)
	guardPagesBefore = 1
	guardPagesAfter  = 1
)

var binSizes = [4]uint32{16, 32, 64, 128}

// Ref names a live allocation: a byte range within the heap's arena.
// It stands in for the raw pointers Heap::Allocate returned, since Go
// code has no business holding unsafe.Pointers into a simulated
// physical heap.
type Ref struct {
	Offset uint32
	Length uint32
}

// IsZero reports whether r is the zero Ref (never a valid allocation,
// since the canary reserves the tail of every block).
func (r Ref) IsZero() bool { return r.Length == 0 && r.Offset == 0 }

type alignedMetadata struct {
	magic         uint32
	blockOffset   uint32
	payloadOffset uint32
}

const alignedMetadataSize = 12

// Heap is one kernel heap instance, normally the single process-wide
// heap mapped at vmm.KernelHeapBase.
type Heap struct {
	mu sync.Mutex

	mem         []byte
	mappedBytes uint32
	maxBytes    uint32

	freeListHead uint32
	binFreeLists [len(binSizes)]uint32

	requiredTailPages uint32
	loggedCorruption  bool

	alloc *pmm.Allocator
	space *vmm.Space
	log   *logging.Logger
}

// New creates a Heap bounded to maxBytes, lazily mapping pages from
// alloc/space as allocations demand them.
func New(alloc *pmm.Allocator, space *vmm.Space, maxBytes uint32, log *logging.Logger) *Heap {
	if log == nil {
		log = logging.Default()
	}
	h := &Heap{
		alloc:        alloc,
		space:        space,
		maxBytes:     maxBytes,
		log:          log,
		freeListHead: noneOffset,
	}
	for i := range h.binFreeLists {
		h.binFreeLists[i] = noneOffset
	}
	return h
}

func alignUp(v, align uint32) uint32   { return (v + align - 1) &^ (align - 1) }
func alignDown(v, align uint32) uint32 { return v &^ (align - 1) }

func (h *Heap) blockSize(off uint32) uint32 {
	return binary.LittleEndian.Uint32(h.mem[off : off+4])
}
func (h *Heap) setBlockSize(off, size uint32) {
	binary.LittleEndian.PutUint32(h.mem[off:off+4], size)
}
func (h *Heap) blockNext(off uint32) uint32 {
	return binary.LittleEndian.Uint32(h.mem[off+4 : off+8])
}
func (h *Heap) setBlockNext(off, next uint32) {
	binary.LittleEndian.PutUint32(h.mem[off+4:off+8], next)
}
func (h *Heap) payloadOffset(blockOff uint32) uint32 { return blockOff + blockHeaderSize }

func (h *Heap) setCanary(blockOff uint32) {
	size := h.blockSize(blockOff)
	if size < 4 {
		panic(newHeapPanic("Heap.setCanary", "free block too small for canary"))
	}
	payload := h.payloadOffset(blockOff)
	usable := size - 4
	binary.LittleEndian.PutUint32(h.mem[payload+usable:payload+usable+4], canaryValue)
}

func (h *Heap) canaryOK(blockOff uint32) bool {
	size := h.blockSize(blockOff)
	if size < 4 {
		return false
	}
	payload := h.payloadOffset(blockOff)
	usable := size - 4
	return binary.LittleEndian.Uint32(h.mem[payload+usable:payload+usable+4]) == canaryValue
}

func newHeapPanic(op, msg string) error {
	return &CorruptionError{Op: op, Msg: msg}
}

// CorruptionError reports heap metadata that failed a sanity check,
// the Go analogue of the original's PANIC("Heap ...") calls. Callers
// that want the original kernel-panic escalation should recover and
// re-raise through quantum.Panic at the syscall dispatch boundary.
type CorruptionError struct {
	Op  string
	Msg string
}

func (e *CorruptionError) Error() string { return "heap: " + e.Op + ": " + e.Msg }

// mapNextPage grows the arena by one page, simulating
// Heap::MapNextHeapPage by extending the backing slice and, if a
// vmm.Space is attached, installing the mapping.
func (h *Heap) mapNextPage() error {
	if h.mappedBytes+pageSize > h.maxBytes {
		return newHeapPanic("Heap.mapNextPage", "kernel heap region exhausted")
	}
	phys, err := h.alloc.AllocatePage(true)
	if err != nil {
		return err
	}
	if h.space != nil {
		virt := vmm.KernelHeapBase + h.mappedBytes
		if err := h.space.MapPage(virt, phys, vmm.PageFlags{Writable: true, Global: true}); err != nil {
			return err
		}
	}
	h.mem = append(h.mem, make([]byte, pageSize)...)
	h.mappedBytes += pageSize
	return nil
}

func (h *Heap) insertFreeBlockSorted(blockOff uint32) {
	if h.freeListHead == noneOffset || blockOff < h.freeListHead {
		h.setBlockNext(blockOff, h.freeListHead)
		h.freeListHead = blockOff
	} else {
		cur := h.freeListHead
		for h.blockNext(cur) != noneOffset && h.blockNext(cur) < blockOff {
			cur = h.blockNext(cur)
		}
		h.setBlockNext(blockOff, h.blockNext(cur))
		h.setBlockNext(cur, blockOff)
	}
	h.coalesceAdjacentFreeBlocks()
}

func (h *Heap) coalesceAdjacentFreeBlocks() {
	cur := h.freeListHead
	for cur != noneOffset && h.blockNext(cur) != noneOffset {
		next := h.blockNext(cur)
		end := cur + blockHeaderSize + h.blockSize(cur)
		if end == next {
			h.setBlockSize(cur, h.blockSize(cur)+blockHeaderSize+h.blockSize(next))
			h.setBlockNext(cur, h.blockNext(next))
		} else {
			cur = next
		}
	}
	cur = h.freeListHead
	for cur != noneOffset {
		h.setCanary(cur)
		cur = h.blockNext(cur)
	}
}

func (h *Heap) allocateFromFreeList(needed uint32) (uint32, bool) {
	var prev uint32 = noneOffset
	cur := h.freeListHead
	for cur != noneOffset {
		total := h.blockSize(cur) + blockHeaderSize
		if total >= needed {
			if total >= needed+blockHeaderSize+8 {
				newBlockOff := cur + needed
				newSize := total - needed - blockHeaderSize
				h.setBlockSize(newBlockOff, newSize)
				h.setBlockNext(newBlockOff, h.blockNext(cur))
				h.setCanary(newBlockOff)

				h.setBlockSize(cur, needed-blockHeaderSize)
				h.setBlockNext(cur, noneOffset)

				if prev != noneOffset {
					h.setBlockNext(prev, newBlockOff)
				} else {
					h.freeListHead = newBlockOff
				}
			} else {
				if prev != noneOffset {
					h.setBlockNext(prev, h.blockNext(cur))
				} else {
					h.freeListHead = h.blockNext(cur)
				}
			}
			return h.payloadOffset(cur), true
		}
		prev = cur
		cur = h.blockNext(cur)
	}
	return 0, false
}

func binIndexForSize(size uint32) int {
	for i, s := range binSizes {
		if size <= s {
			return i
		}
	}
	return -1
}

func payloadSizeFromBlock(blockSize uint32) uint32 {
	if blockSize <= 4 {
		return 0
	}
	return alignDown(blockSize-4, 8)
}

func (h *Heap) allocateFromBin(binSize, neededWithHeader uint32) (uint32, bool) {
	idx := binIndexForSize(binSize)
	if idx < 0 {
		return 0, false
	}
	if h.binFreeLists[idx] != noneOffset {
		blockOff := h.binFreeLists[idx]
		h.binFreeLists[idx] = h.blockNext(blockOff)
		total := h.blockSize(blockOff) + blockHeaderSize
		if total < neededWithHeader {
			h.insertFreeBlockSorted(blockOff)
			return h.allocateFromFreeList(neededWithHeader)
		}
		return h.payloadOffset(blockOff), true
	}
	return h.allocateFromFreeList(neededWithHeader)
}

func (h *Heap) insertIntoBinOrFreeList(blockOff uint32) {
	payloadSize := payloadSizeFromBlock(h.blockSize(blockOff))
	idx := -1
	if payloadSize > 0 {
		idx = binIndexForSize(payloadSize)
	}
	if idx >= 0 {
		h.setBlockNext(blockOff, h.binFreeLists[idx])
		h.binFreeLists[idx] = blockOff
		h.setCanary(blockOff)
	} else {
		h.insertFreeBlockSorted(blockOff)
	}
}

// Allocate reserves size bytes (8-byte aligned), poisons the payload
// with 0xAA, and trails it with a 0xDEADC0DE canary word, mirroring
// Heap::Allocate.
func (h *Heap) Allocate(size uint32) (Ref, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	requested := alignUp(size, 8)
	binIndex := binIndexForSize(requested)
	binSize := requested
	if binIndex >= 0 {
		binSize = binSizes[binIndex]
	}
	payloadSize := alignUp(binSize+4, 8)
	needed := payloadSize + blockHeaderSize
	pagesNeeded := (needed + pageSize - 1) / pageSize
	if pagesNeeded > h.requiredTailPages {
		h.requiredTailPages = pagesNeeded
	}

	for {
		var payloadOff uint32
		var ok bool
		if binIndex >= 0 {
			payloadOff, ok = h.allocateFromBin(binSize, needed)
		} else {
			payloadOff, ok = h.allocateFromFreeList(needed)
		}
		if ok {
			blockOff := payloadOff - blockHeaderSize
			blockSize := h.blockSize(blockOff)
			if blockSize < 4 {
				return Ref{}, newHeapPanic("Heap.Allocate", "block too small for canary")
			}
			usable := blockSize - 4
			for i := uint32(0); i < usable; i++ {
				h.mem[payloadOff+i] = poisonAllocated
			}
			h.setCanary(blockOff)
			return Ref{Offset: payloadOff, Length: usable}, nil
		}

		pagesToMap := (needed + pageSize - 1) / pageSize
		if pagesToMap == 0 {
			pagesToMap = 1
		}
		firstPageOff := h.mappedBytes
		for i := uint32(0); i < pagesToMap; i++ {
			if err := h.mapNextPage(); err != nil {
				return Ref{}, err
			}
		}
		totalBytes := pagesToMap * pageSize
		h.setBlockSize(firstPageOff, totalBytes-blockHeaderSize)
		h.setBlockNext(firstPageOff, noneOffset)
		h.setCanary(firstPageOff)
		h.insertFreeBlockSorted(firstPageOff)
	}
}

// AllocateAligned reserves size bytes at the given power-of-two
// alignment, recording an alignedMetadata header immediately before
// the returned payload so Free can recover the backing block.
func (h *Heap) AllocateAligned(size, alignment uint32) (Ref, error) {
	if alignment <= 8 {
		return h.Allocate(size)
	}
	if alignment&(alignment-1) != 0 {
		return Ref{}, newHeapPanic("Heap.AllocateAligned", "alignment must be power of two")
	}

	padding := alignment + alignedMetadataSize
	raw, err := h.Allocate(size + padding)
	if err != nil {
		return Ref{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rawAddr := raw.Offset
	alignedAddr := (rawAddr + alignment - 1) &^ (alignment - 1)
	metaOff := alignedAddr - alignedMetadataSize
	blockOff := raw.Offset - blockHeaderSize

	binary.LittleEndian.PutUint32(h.mem[metaOff:metaOff+4], alignedMagic)
	binary.LittleEndian.PutUint32(h.mem[metaOff+4:metaOff+8], blockOff)
	payloadOffsetFromBlock := alignedAddr - raw.Offset
	binary.LittleEndian.PutUint32(h.mem[metaOff+8:metaOff+12], payloadOffsetFromBlock)

	blockSize := h.blockSize(blockOff)
	usable := blockSize - payloadOffsetFromBlock
	if usable < 4 {
		return Ref{}, newHeapPanic("Heap.AllocateAligned", "block too small for canary")
	}
	usable -= 4
	for i := uint32(0); i < usable; i++ {
		h.mem[alignedAddr+i] = poisonAllocated
	}
	binary.LittleEndian.PutUint32(h.mem[alignedAddr+usable:alignedAddr+usable+4], canaryValue)

	return Ref{Offset: alignedAddr, Length: usable}, nil
}

// Bytes materializes the live slice backing ref. The slice aliases
// the heap's arena; callers must not retain it past a Free of ref.
func (h *Heap) Bytes(ref Ref) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mem[ref.Offset : ref.Offset+ref.Length]
}

// Free releases ref, verifying its canary first. A corrupted canary
// or an out-of-range offset is reported as a CorruptionError, the
// analogue of Heap::Free's PANIC calls.
func (h *Heap) Free(ref Ref) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ref.IsZero() {
		return nil
	}
	if ref.Offset >= h.mappedBytes || ref.Offset < blockHeaderSize {
		return newHeapPanic("Heap.Free", "pointer out of range")
	}

	blockOff := ref.Offset - blockHeaderSize
	payload := h.payloadOffset(blockOff)

	// recover the backing block from aligned-allocation metadata when
	// the 12 bytes before ref carry a record that points back at ref.
	if ref.Offset >= blockHeaderSize+alignedMetadataSize {
		metaOff := ref.Offset - alignedMetadataSize
		if metaOff >= blockHeaderSize && metaOff+alignedMetadataSize <= uint32(len(h.mem)) {
			magic := binary.LittleEndian.Uint32(h.mem[metaOff : metaOff+4])
			if magic == alignedMagic {
				candidateBlockOff := binary.LittleEndian.Uint32(h.mem[metaOff+4 : metaOff+8])
				payloadOffsetFromBlock := binary.LittleEndian.Uint32(h.mem[metaOff+8 : metaOff+12])
				if candidateBlockOff < h.mappedBytes && h.payloadOffset(candidateBlockOff)+payloadOffsetFromBlock == ref.Offset {
					blockOff = candidateBlockOff
					payload = ref.Offset
					// clear the record so a stale one is never matched again.
					binary.LittleEndian.PutUint32(h.mem[metaOff:metaOff+4], 0)
				}
			}
		}
	}

	if blockOff >= h.mappedBytes {
		return newHeapPanic("Heap.Free", "block pointer invalid")
	}

	blockSize := h.blockSize(blockOff)
	blockPayload := h.payloadOffset(blockOff)
	blockEnd := blockPayload + blockSize
	if blockEnd > h.mappedBytes {
		return newHeapPanic("Heap.Free", "block overruns mapped region")
	}
	if blockSize < 4 {
		return newHeapPanic("Heap.Free", "block too small for canary")
	}

	var offset uint32
	if payload > blockPayload {
		offset = payload - blockPayload
	}
	if offset >= blockSize {
		return newHeapPanic("Heap.Free", "offset beyond block size")
	}
	usable := blockSize - offset
	if usable < 4 {
		return newHeapPanic("Heap.Free", "block too small for canary")
	}
	usable -= 4

	canaryOff := payload + usable
	if binary.LittleEndian.Uint32(h.mem[canaryOff:canaryOff+4]) != canaryValue {
		return newHeapPanic("Heap.Free", "canary corrupted")
	}

	for i := uint32(0); i < usable; i++ {
		h.mem[payload+i] = poisonFreed
	}

	h.insertIntoBinOrFreeList(blockOff)
	return nil
}

// State summarizes the heap's bookkeeping, matching Heap::HeapState.
type State struct {
	MappedBytes uint32
	FreeBytes   uint32
	FreeBlocks  uint32
}

// GetState walks the free list, mirroring Heap::GetHeapState.
func (h *Heap) GetState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateLocked()
}

func (h *Heap) stateLocked() State {
	var freeBytes, blocks uint32
	cur := h.freeListHead
	for cur != noneOffset {
		freeBytes += h.blockSize(cur)
		blocks++
		cur = h.blockNext(cur)
	}
	return State{MappedBytes: h.mappedBytes, FreeBytes: freeBytes, FreeBlocks: blocks}
}

// Verify walks the free list checking bounds, strict ordering, and
// canaries, mirroring Heap::VerifyHeap.
func (h *Heap) Verify() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var last uint32 = noneOffset
	cur := h.freeListHead
	for cur != noneOffset {
		blockEnd := h.payloadOffset(cur) + h.blockSize(cur)
		if blockEnd > h.mappedBytes {
			return newHeapPanic("Heap.Verify", "free block out of bounds")
		}
		if last != noneOffset && cur <= last {
			return newHeapPanic("Heap.Verify", "free list not strictly increasing")
		}
		last = cur
		cur = h.blockNext(cur)
	}

	cur = h.freeListHead
	for cur != noneOffset {
		if h.blockSize(cur) < 4 {
			return newHeapPanic("Heap.Verify", "free block too small for canary")
		}
		if !h.canaryOK(cur) {
			return newHeapPanic("Heap.Verify", "free block canary corrupted")
		}
		cur = h.blockNext(cur)
	}
	return nil
}
