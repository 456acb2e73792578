package loader

import (
	"fmt"

	"github.com/quantumos/quantum/internal/pmm"
	"github.com/quantumos/quantum/internal/sched"
	"github.com/quantumos/quantum/internal/uapi"
	"github.com/quantumos/quantum/internal/vmm"
)

const pageSize = vmm.PageSize

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uint32) uint32 {
	return v &^ (align - 1)
}

// loadedImage is the outcome of mapping a program's segments into a
// fresh address space.
type loadedImage struct {
	entry    uint32
	imageEnd uint32
}

// loadLegacyImage maps payload as a flat raw image: the first 4 bytes
// give the entry offset relative to programBase, an optional next 4
// bytes (if within bounds) give an explicit image byte count,
// mirroring InitBundle.cpp's LoadLegacyImage fallback for payloads
// that aren't valid ELF.
func loadLegacyImage(alloc *pmm.Allocator, space *vmm.Space, payload []byte, programBase, stackTop uint32) (loadedImage, error) {
	if len(payload) < 4 {
		return loadedImage{}, fmt.Errorf("loader: legacy image too small")
	}

	entryOffset := leUint32(payload[0:4])
	imageBytes := uint32(len(payload))
	maxImageBytes := stackTop - programBase

	if len(payload) >= 8 {
		reported := leUint32(payload[4:8])
		if reported >= uint32(len(payload)) && reported <= maxImageBytes {
			imageBytes = reported
		}
	}
	if entryOffset >= uint32(len(payload)) {
		return loadedImage{}, fmt.Errorf("loader: legacy entry offset out of range")
	}

	pages := alignUp(imageBytes, pageSize) / pageSize
	for i := uint32(0); i < pages; i++ {
		phys, err := alloc.AllocatePage(true)
		if err != nil {
			return loadedImage{}, err
		}
		vaddr := programBase + i*pageSize
		if err := space.MapPage(vaddr, phys, vmm.PageFlags{Writable: true, User: true}); err != nil {
			return loadedImage{}, err
		}

		start := i * pageSize
		end := start + pageSize
		if end > imageBytes {
			end = imageBytes
		}
		if start < end && start < uint32(len(payload)) {
			srcEnd := end
			if srcEnd > uint32(len(payload)) {
				srcEnd = uint32(len(payload))
			}
			if err := space.WritePage(vaddr, payload[start:srcEnd]); err != nil {
				return loadedImage{}, err
			}
		}
	}

	return loadedImage{entry: programBase + entryOffset, imageEnd: programBase + imageBytes}, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// loadELFImage maps every PT_LOAD segment of an ELF32 image into
// space, mirroring ELF::LoadUserImage's per-page zero-then-copy loop.
func loadELFImage(alloc *pmm.Allocator, space *vmm.Space, image []byte) (loadedImage, error) {
	elf, err := ParseELF32(image)
	if err != nil {
		return loadedImage{}, err
	}

	var imageEnd uint32
	for _, seg := range elf.Segments() {
		segStart := seg.VirtAddr
		segEnd := seg.VirtAddr + seg.MemSize
		pageStart := alignDown(segStart, pageSize)
		pageEnd := alignUp(segEnd, pageSize)

		for vaddr := pageStart; vaddr < pageEnd; vaddr += pageSize {
			phys, err := alloc.AllocatePage(true)
			if err != nil {
				return loadedImage{}, err
			}
			if err := space.MapPage(vaddr, phys, vmm.PageFlags{Writable: seg.Writable, User: true}); err != nil {
				return loadedImage{}, err
			}

			dest := make([]byte, pageSize)
			copyStart := vaddr
			if copyStart < segStart {
				copyStart = segStart
			}
			copyEnd := vaddr + pageSize
			fileEnd := segStart + seg.FileSize
			if copyEnd > fileEnd {
				copyEnd = fileEnd
			}
			if copyStart < copyEnd {
				copyBytes := copyEnd - copyStart
				srcOffset := seg.FileOffset + (copyStart - segStart)
				destOffset := copyStart - vaddr
				copy(dest[destOffset:destOffset+copyBytes], image[srcOffset:srcOffset+copyBytes])
			}
			if err := space.WritePage(vaddr, dest); err != nil {
				return loadedImage{}, err
			}
		}

		if segEnd > imageEnd {
			imageEnd = segEnd
		}
	}

	return loadedImage{entry: elf.Entry, imageEnd: imageEnd}, nil
}

func loadBundleImage(alloc *pmm.Allocator, space *vmm.Space, payload []byte, programBase, stackTop uint32) (loadedImage, error) {
	if img, err := loadELFImage(alloc, space, payload); err == nil {
		return img, nil
	}
	return loadLegacyImage(alloc, space, payload, programBase, stackTop)
}

// SpawnedTask carries everything the scheduler and syscall dispatcher
// need about a freshly loaded user task.
type SpawnedTask struct {
	Task         *sched.Task
	Thread       *sched.Thread
	HeapBase     uint32
	HeapLimit    uint32
	UserStackTop uint32
}

const (
	userProgramBase = 0x08000000
	userStackTop    = vmm.UserStackTop
	userStackBytes  = 0x4000
)

// SpawnTask loads a named bundle entry's payload into a fresh address
// space and creates its user thread, mirroring
// InitBundle::SpawnImage/LaunchCoordinatorTask.
func SpawnTask(alloc *pmm.Allocator, vmgr *vmm.Manager, scheduler *sched.Scheduler, bundle *Bundle, name string) (*SpawnedTask, error) {
	entry, ok := bundle.Find(name)
	if !ok {
		return nil, fmt.Errorf("loader: entry %q not found", name)
	}
	return spawnEntry(alloc, vmgr, scheduler, bundle.Payload(entry))
}

// SpawnCoordinator loads the bundle's BundleEntryCoordinator entry.
func SpawnCoordinator(alloc *pmm.Allocator, vmgr *vmm.Manager, scheduler *sched.Scheduler, bundle *Bundle) (*SpawnedTask, error) {
	entry, ok := bundle.Coordinator()
	if !ok {
		return nil, fmt.Errorf("loader: no coordinator entry in bundle")
	}
	return spawnEntry(alloc, vmgr, scheduler, bundle.Payload(entry))
}

func spawnEntry(alloc *pmm.Allocator, vmgr *vmm.Manager, scheduler *sched.Scheduler, payload []byte) (*SpawnedTask, error) {
	space, err := vmgr.NewSpace()
	if err != nil {
		return nil, fmt.Errorf("loader: create address space: %w", err)
	}

	loaded, err := loadBundleImage(alloc, space, payload, userProgramBase, userStackTop)
	if err != nil {
		space.Destroy()
		return nil, fmt.Errorf("loader: load image: %w", err)
	}

	stackBytes := alignUp(userStackBytes, pageSize)
	stackBase := userStackTop - stackBytes
	stackPages := stackBytes / pageSize
	for i := uint32(0); i < stackPages; i++ {
		phys, err := alloc.AllocatePage(true)
		if err != nil {
			space.Destroy()
			return nil, fmt.Errorf("loader: map user stack: %w", err)
		}
		vaddr := stackBase + i*pageSize
		if err := space.MapPage(vaddr, phys, vmm.PageFlags{Writable: true, User: true}); err != nil {
			space.Destroy()
			return nil, err
		}
	}

	heapBase := alignUp(loaded.imageEnd, pageSize)
	heapLimit := stackBase

	task := scheduler.NewTask(space)
	th := scheduler.CreateUserThread(task, func(self *sched.Thread) {
		// A real trap frame would transfer control to loaded.entry in
		// ring 3 here; the host simulation has no ring 3 to enter, so
		// user code runs as the entry closure supplied by the caller
		// that ultimately owns this thread (cmd/quantumd's trap loop).
	}, loaded.entry, userStackTop, userStackBytes)

	return &SpawnedTask{
		Task:         task,
		Thread:       th,
		HeapBase:     heapBase,
		HeapLimit:    heapLimit,
		UserStackTop: userStackTop,
	}, nil
}

// BootInfoToBundle is a convenience wrapper tying a parsed uapi.BootInfo's
// init-bundle location to the raw bundle bytes, for callers
// that don't need to keep the BootInfo around afterward.
func BootInfoToBundle(data []byte, info *uapi.BootInfo) (*Bundle, error) {
	if !info.HasInitBundle {
		return nil, fmt.Errorf("loader: boot info has no init bundle")
	}
	b := Open(data)
	if err := b.Parse(); err != nil {
		return nil, err
	}
	return b, nil
}
