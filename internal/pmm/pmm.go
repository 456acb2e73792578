// Package pmm implements the physical frame allocator: a bitmap over
// page-sized frames, initialized from a boot memory map the way
// PhysicalAllocator::Initialize walks BootInfo's region table.
package pmm

import (
	"fmt"
	"sync"

	"github.com/quantumos/quantum/internal/logging"
	"github.com/quantumos/quantum/internal/uapi"
)

// PhysAddr is a physical byte address in the simulated address space.
type PhysAddr uint64

const pageSize = 4096
const defaultManagedBytes = 64 << 20
const maxManagedBytes = uint64(1) << 32

func alignUp(v, align uint64) uint64   { return (v + align - 1) &^ (align - 1) }
func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }

// Allocator is a bitmap-backed physical frame allocator. One bit per
// page: 1 means used, 0 means free, matching the on-disk convention
// PhysicalAllocator uses.
type Allocator struct {
	mu sync.Mutex

	bitmap     []uint32
	pageCount  uint32
	usedPages  uint32
	managedBytes uint64

	initBundleStartPage uint32
	initBundleEndPage   uint32
	loggedBundleSkip    bool

	log *logging.Logger
}

// NewAllocator builds an Allocator from a boot memory map, reserving
// frame 0, the low protected-mode stack window (0x80000-0x90000), and
// (if present) the init bundle's pages. reservedRanges additionally
// reserves caller-supplied [start, end) spans. The bitmap lives in
// Go-managed memory and the simulator has no kernel image of its own,
// so no bitmap or kernel-image frames are reserved unless a caller
// passes them here; CreateAndBoot passes none.
func NewAllocator(bootInfo *uapi.BootInfo, log *logging.Logger, reservedRanges ...[2]PhysAddr) (*Allocator, error) {
	if log == nil {
		log = logging.Default()
	}

	var maxUsable uint64 = defaultManagedBytes
	if bootInfo != nil {
		for _, r := range bootInfo.Regions {
			if r.Type != uapi.MemoryRegionUsable || r.Length == 0 {
				continue
			}
			end := r.Base + r.Length
			if end < r.Base {
				continue // overflow guard
			}
			if end > maxUsable {
				maxUsable = end
			}
		}
	}

	if maxUsable > maxManagedBytes {
		maxUsable = maxManagedBytes
	}
	if maxUsable < defaultManagedBytes {
		maxUsable = defaultManagedBytes
	}

	managedBytes := alignUp(maxUsable, pageSize)
	pageCount := uint32(managedBytes / pageSize)
	words := (pageCount + 31) / 32

	a := &Allocator{
		bitmap:       make([]uint32, words),
		pageCount:    pageCount,
		managedBytes: managedBytes,
		log:          log,
	}

	// default all pages used, then free usable regions.
	for i := range a.bitmap {
		a.bitmap[i] = 0xFFFFFFFF
	}

	freedAny := false
	if bootInfo != nil {
		for _, r := range bootInfo.Regions {
			if r.Type != uapi.MemoryRegionUsable || r.Length == 0 {
				continue
			}
			base, length := r.Base, r.Length
			end := base + length
			if end < base || base >= maxManagedBytes {
				continue
			}
			if end > maxManagedBytes {
				end = maxManagedBytes
			}
			startPage := uint32(base / pageSize)
			endPage := uint32((end + pageSize - 1) / pageSize)
			if startPage >= pageCount {
				continue
			}
			if endPage > pageCount {
				endPage = pageCount
			}
			for p := startPage; p < endPage; p++ {
				a.clearPageUsed(p)
				freedAny = true
			}
		}
	} else {
		for p := uint32(0); p < pageCount; p++ {
			a.clearPageUsed(p)
		}
		freedAny = pageCount > 0
	}

	if !freedAny {
		log.Warn("boot memory map unusable, falling back to default map")
		for p := uint32(0); p < pageCount; p++ {
			a.clearPageUsed(p)
		}
	}

	for _, rr := range reservedRanges {
		a.ReserveRange(rr[0], uint64(rr[1]-rr[0]))
	}

	// never hand out the null page or the low stack window.
	a.setPageUsed(0)
	a.ReserveRange(PhysAddr(0x80000), 0x10000)

	if bootInfo != nil && bootInfo.HasInitBundle && bootInfo.InitBundleSize > 0 {
		a.ReserveRange(PhysAddr(bootInfo.InitBundleBase), bootInfo.InitBundleSize)
		bundleStart := alignDown(bootInfo.InitBundleBase, pageSize)
		bundleEnd := alignUp(bootInfo.InitBundleBase+bootInfo.InitBundleSize, pageSize)
		a.initBundleStartPage = uint32(bundleStart / pageSize)
		a.initBundleEndPage = uint32(bundleEnd / pageSize)
		log.Debug("reserved init bundle pages",
			"start", a.initBundleStartPage, "end", a.initBundleEndPage)
	}

	a.recountUsed()

	return a, nil
}

func (a *Allocator) bitMask(bit uint32) uint32       { return 1 << (bit % 32) }
func (a *Allocator) wordIndex(bit uint32) uint32     { return bit / 32 }
func (a *Allocator) setPageUsed(page uint32)         { a.bitmap[a.wordIndex(page)] |= a.bitMask(page) }
func (a *Allocator) clearPageUsed(page uint32)       { a.bitmap[a.wordIndex(page)] &^= a.bitMask(page) }
func (a *Allocator) pageFree(page uint32) bool {
	return a.bitmap[a.wordIndex(page)]&a.bitMask(page) == 0
}

func (a *Allocator) recountUsed() {
	used := uint32(0)
	for p := uint32(0); p < a.pageCount; p++ {
		if !a.pageFree(p) {
			used++
		}
	}
	a.usedPages = used
}

func findFirstZeroBit(word uint32) int {
	if word == 0xFFFFFFFF {
		return -1
	}
	for i := 0; i < 32; i++ {
		if word&(1<<uint(i)) == 0 {
			return i
		}
	}
	return -1
}

// AllocatePage returns the first free page, marking it used. If zero
// is true the caller is promising (by convention) to treat the page
// as zero-filled; pmm does not itself own backing storage to zero.
// vmm.Space.ReadPage returns zeros for any page not yet written.
func (a *Allocator) AllocatePage(zero bool) (PhysAddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for wordIndex := uint32(0); wordIndex < uint32(len(a.bitmap)); wordIndex++ {
		word := a.bitmap[wordIndex]
		for {
			bit := findFirstZeroBit(word)
			if bit < 0 {
				break
			}
			pageIndex := wordIndex*32 + uint32(bit)
			if pageIndex >= a.pageCount {
				break
			}
			if a.initBundleEndPage > a.initBundleStartPage &&
				pageIndex >= a.initBundleStartPage && pageIndex < a.initBundleEndPage {
				a.setPageUsed(pageIndex)
				a.usedPages++
				if !a.loggedBundleSkip {
					a.log.Warn("AllocatePage: skipping init-bundle page", "page", pageIndex)
					a.loggedBundleSkip = true
				}
				word = a.bitmap[wordIndex]
				continue
			}
			a.setPageUsed(pageIndex)
			a.usedPages++
			return PhysAddr(uint64(pageIndex) * pageSize), nil
		}
	}

	return 0, fmt.Errorf("pmm: out of physical memory")
}

// AllocatePageBelow returns a free page below maxAddr, optionally
// constrained not to cross a boundaryBytes-aligned boundary (DMA
// buffers below 16 MiB must not straddle a 64 KiB boundary).
func (a *Allocator) AllocatePageBelow(maxAddr PhysAddr, boundaryBytes uint64) (PhysAddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if maxAddr == 0 {
		return 0, fmt.Errorf("pmm: zero max address")
	}

	maxPage := uint32(uint64(maxAddr) / pageSize)
	if maxPage > a.pageCount {
		maxPage = a.pageCount
	}

	for pageIndex := uint32(0); pageIndex < maxPage; pageIndex++ {
		if !a.pageFree(pageIndex) {
			continue
		}
		physical := uint64(pageIndex) * pageSize
		if boundaryBytes != 0 {
			offset := physical % boundaryBytes
			if offset+pageSize > boundaryBytes {
				continue
			}
		}
		a.setPageUsed(pageIndex)
		a.usedPages++
		return PhysAddr(physical), nil
	}

	return 0, fmt.Errorf("pmm: no free page below %#x satisfying boundary", maxAddr)
}

// FreePage releases a previously allocated page. Double-frees and
// out-of-range addresses are logged and otherwise ignored, matching
// FreePage's defensive posture.
func (a *Allocator) FreePage(addr PhysAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint64(addr)%pageSize != 0 {
		a.log.Warn("FreePage: non-aligned address", "addr", addr)
		return
	}
	index := uint32(uint64(addr) / pageSize)
	if index >= a.pageCount {
		a.log.Warn("FreePage: out-of-range page", "addr", addr)
		return
	}
	if a.pageFree(index) {
		a.log.Warn("FreePage: double free detected", "addr", addr)
		return
	}
	a.clearPageUsed(index)
	if a.usedPages > 0 {
		a.usedPages--
	}
}

// ReserveRange marks every page overlapping [addr, addr+length) used,
// without double-counting already-used pages.
func (a *Allocator) ReserveRange(addr PhysAddr, length uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserveRangeLocked(addr, length)
}

func (a *Allocator) reserveRangeLocked(addr PhysAddr, length uint64) {
	start := alignDown(uint64(addr), pageSize)
	end := alignUp(uint64(addr)+length, pageSize)
	startPage := uint32(start / pageSize)
	endPage := uint32(end / pageSize)
	if endPage > a.pageCount {
		endPage = a.pageCount
	}
	for p := startPage; p < endPage; p++ {
		if a.pageFree(p) {
			a.setPageUsed(p)
			a.usedPages++
		}
	}
}

// ReleaseRange frees every page overlapping [addr, addr+length).
func (a *Allocator) ReleaseRange(addr PhysAddr, length uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := alignDown(uint64(addr), pageSize)
	end := alignUp(uint64(addr)+length, pageSize)
	startPage := uint32(start / pageSize)
	endPage := uint32(end / pageSize)
	if endPage > a.pageCount {
		endPage = a.pageCount
	}
	for p := startPage; p < endPage; p++ {
		if !a.pageFree(p) {
			a.clearPageUsed(p)
			if a.usedPages > 0 {
				a.usedPages--
			}
		}
	}
}

// TotalPages returns the total number of page frames managed.
func (a *Allocator) TotalPages() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pageCount
}

// UsedPages returns the number of currently allocated page frames.
func (a *Allocator) UsedPages() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usedPages
}

// FreePages returns the number of currently free page frames.
func (a *Allocator) FreePages() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pageCount - a.usedPages
}

// ManagedBytes returns the total span of physical memory tracked.
func (a *Allocator) ManagedBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.managedBytes
}
