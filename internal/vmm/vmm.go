// Package vmm simulates IA32 two-level paging: a page directory of
// page tables, each holding present/writable/user/global flags,
// modeled on AddressSpace::Create/MapPage/Destroy. Directories and
// tables are Go maps rather than physical-memory arrays addressed via
// the recursive self-map, since this is a host-side simulator with no
// real MMU to program; the virtual-address arithmetic and flag
// semantics are kept identical to the original.
package vmm

import (
	"fmt"
	"sync"

	"github.com/quantumos/quantum/internal/pmm"
)

const (
	PageSize          = 4096
	KernelVirtualBase = 0xC0000000
	KernelHeapBase    = 0xC2000000
	KernelHeapBytes   = 512 << 20
	UserStackTop      = 0xBFE00000
	RecursiveBase     = 0xFFC00000
	RecursiveSlot     = 1023
	DirectoryEntries  = 1024
)

// PageFlags mirrors the IA32 PTE/PDE present/writable/user/global
// bits that MapPage sets.
type PageFlags struct {
	Writable bool
	User     bool
	Global   bool
}

type pageTableEntry struct {
	phys  pmm.PhysAddr
	flags PageFlags
}

// Space is one page directory's worth of mappings: an independent
// user address space that shares the kernel's upper-half mappings.
type Space struct {
	mu      sync.RWMutex
	tables  map[uint32]map[uint32]pageTableEntry // dirIndex -> tableIndex -> entry
	kernel  bool
	alloc   *pmm.Allocator
	content map[uint32][]byte // page-aligned vaddr -> page bytes, lazily allocated
}

// kernelSpace holds the mappings every Space inherits above
// KernelVirtualBase, simulating the shared upper-half page tables
// every AddressSpace::Create copies by reference.
type kernelSpace struct {
	mu     sync.RWMutex
	tables map[uint32]map[uint32]pageTableEntry
}

// Manager owns the shared kernel mappings and mints per-task Spaces.
type Manager struct {
	alloc  *pmm.Allocator
	kernel kernelSpace
}

// NewManager creates a vmm.Manager backed by the given physical
// allocator. Page tables here are Go maps, not physical frames:
// mapping a page never allocates a table frame from alloc, so
// pmm.Allocator's used/free counters do not include paging overhead.
func NewManager(alloc *pmm.Allocator) *Manager {
	return &Manager{
		alloc: alloc,
		kernel: kernelSpace{tables: make(map[uint32]map[uint32]pageTableEntry)},
	}
}

func dirIndex(virt uint32) uint32   { return (virt >> 22) & 0x3FF }
func tableIndex(virt uint32) uint32 { return (virt >> 12) & 0x3FF }

// MapKernelPage installs a mapping visible to every address space,
// the way pages above kernelVirtualBase are shared across directories.
func (m *Manager) MapKernelPage(virt uint32, phys pmm.PhysAddr, flags PageFlags) error {
	if virt < KernelVirtualBase {
		return fmt.Errorf("vmm: MapKernelPage: address %#x below kernel base", virt)
	}
	m.kernel.mu.Lock()
	defer m.kernel.mu.Unlock()
	di, ti := dirIndex(virt), tableIndex(virt)
	table, ok := m.kernel.tables[di]
	if !ok {
		table = make(map[uint32]pageTableEntry)
		m.kernel.tables[di] = table
	}
	table[ti] = pageTableEntry{phys: phys, flags: flags}
	return nil
}

// NewSpace creates a new, independent address space inheriting the
// manager's kernel mappings, the way AddressSpace::Create copies the
// kernel's page directory entries into a freshly allocated directory.
func (m *Manager) NewSpace() (*Space, error) {
	s := &Space{
		tables:  make(map[uint32]map[uint32]pageTableEntry),
		alloc:   m.alloc,
		content: make(map[uint32][]byte),
	}
	m.kernel.mu.RLock()
	for di, table := range m.kernel.tables {
		copied := make(map[uint32]pageTableEntry, len(table))
		for ti, e := range table {
			copied[ti] = e
		}
		s.tables[di] = copied
	}
	m.kernel.mu.RUnlock()
	return s, nil
}

// MapPage maps one page in this space, allocating bookkeeping as
// needed. virtualAddress and physicalAddress must be page aligned.
func (s *Space) MapPage(virt uint32, phys pmm.PhysAddr, flags PageFlags) error {
	if virt%PageSize != 0 {
		return fmt.Errorf("vmm: MapPage: unaligned virtual address %#x", virt)
	}
	if uint64(phys)%PageSize != 0 {
		return fmt.Errorf("vmm: MapPage: unaligned physical address %#x", phys)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	di, ti := dirIndex(virt), tableIndex(virt)
	table, ok := s.tables[di]
	if !ok {
		table = make(map[uint32]pageTableEntry)
		s.tables[di] = table
	}
	table[ti] = pageTableEntry{phys: phys, flags: flags}
	return nil
}

// UnmapPage removes a mapping. The caller is responsible for freeing
// the backing physical page via pmm, mirroring Paging::UnmapPage's
// division of labor.
func (s *Space) UnmapPage(virt uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	di, ti := dirIndex(virt), tableIndex(virt)
	if table, ok := s.tables[di]; ok {
		delete(table, ti)
	}
	delete(s.content, virt&^(PageSize-1))
}

// WritePage copies data (at most one page) into the page-aligned vaddr's
// backing store. The page must already be mapped; this stands in for a
// real CPU's store-through-the-MMU since the simulator keeps no literal
// physical memory array behind pmm.PhysAddr.
func (s *Space) WritePage(vaddr uint32, data []byte) error {
	if vaddr%PageSize != 0 {
		return fmt.Errorf("vmm: WritePage: unaligned address %#x", vaddr)
	}
	if len(data) > PageSize {
		return fmt.Errorf("vmm: WritePage: payload exceeds page size")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	di, ti := dirIndex(vaddr), tableIndex(vaddr)
	table, ok := s.tables[di]
	if !ok {
		return fmt.Errorf("vmm: WritePage: %#x not mapped", vaddr)
	}
	if _, ok := table[ti]; !ok {
		return fmt.Errorf("vmm: WritePage: %#x not mapped", vaddr)
	}
	page := make([]byte, PageSize)
	copy(page, data)
	s.content[vaddr] = page
	return nil
}

// ReadPage returns the page-aligned vaddr's backing bytes, a page of
// zeros if nothing was ever written to it.
func (s *Space) ReadPage(vaddr uint32) ([]byte, error) {
	if vaddr%PageSize != 0 {
		return nil, fmt.Errorf("vmm: ReadPage: unaligned address %#x", vaddr)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	di, ti := dirIndex(vaddr), tableIndex(vaddr)
	table, ok := s.tables[di]
	if !ok {
		return nil, fmt.Errorf("vmm: ReadPage: %#x not mapped", vaddr)
	}
	if _, ok := table[ti]; !ok {
		return nil, fmt.Errorf("vmm: ReadPage: %#x not mapped", vaddr)
	}
	if page, ok := s.content[vaddr]; ok {
		return append([]byte(nil), page...), nil
	}
	return make([]byte, PageSize), nil
}

// Translate resolves a virtual address to its backing physical
// address, returning ok=false on a miss (the fault case).
func (s *Space) Translate(virt uint32) (phys pmm.PhysAddr, flags PageFlags, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	di, ti := dirIndex(virt), tableIndex(virt)
	table, present := s.tables[di]
	if !present {
		return 0, PageFlags{}, false
	}
	entry, present := table[ti]
	if !present {
		return 0, PageFlags{}, false
	}
	offset := pmm.PhysAddr(virt % PageSize)
	return entry.phys + offset, entry.flags, true
}

// Destroy releases every non-global user-space physical page this
// Space owns, the way AddressSpace::Destroy walks the directory and
// frees everything below kernelVirtualBase that isn't global.
func (s *Space) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for di, table := range s.tables {
		if di >= KernelVirtualBase>>22 {
			continue // shared kernel table, not owned by this space
		}
		for _, entry := range table {
			if entry.flags.Global {
				continue
			}
			s.alloc.FreePage(entry.phys)
		}
	}
	s.tables = nil
	s.content = nil
}

// FaultError describes why HandlePageFault could not resolve a fault,
// equivalent to escalating from Paging::HandlePageFault to a kernel
// panic or a segmentation signal to the owning task.
type FaultError struct {
	Address uint32
	Write   bool
	User    bool
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("vmm: unhandled page fault at %#x (write=%v user=%v)", e.Address, e.Write, e.User)
}

// HandlePageFault is invoked when a translation misses. The simulator
// has no demand paging or copy-on-write today, so every fault is
// unresolvable and returned as a FaultError for the scheduler to turn
// into a task-fault or kernel panic.
func (s *Space) HandlePageFault(addr uint32, write, user bool) error {
	if _, _, ok := s.Translate(addr & ^uint32(PageSize-1)); ok {
		return nil
	}
	return &FaultError{Address: addr, Write: write, User: user}
}
