package hostio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Arena is an anonymous mmap'd region of host memory. Its one user is
// DMAWindow; internal/pmm and internal/vmm do not use it (pmm only
// keeps a bitmap, and vmm keeps page contents in Go maps). Using a
// real mmap (instead of a plain make([]byte,...))
// means the DMA window can be page-aligned and independently
// munmap'd, the same way the teacher's queue runner mmaps descriptor
// arrays and anonymous I/O buffers instead of just slicing a Go
// slice.
type Arena struct {
	mem []byte
}

// NewArena mmaps an anonymous, page-aligned region of the given size
// in bytes.
func NewArena(size int) (*Arena, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("hostio: mmap arena of %d bytes: %w", size, err)
	}
	return &Arena{mem: mem}, nil
}

// Size returns the arena's size in bytes.
func (a *Arena) Size() int { return len(a.mem) }

// Frame returns a slice view of one page-sized frame at the given
// byte offset. The offset must be page-aligned and in range; Frame
// does not check either.
func (a *Arena) Frame(offset, pageSize int) []byte {
	return a.mem[offset : offset+pageSize]
}

// Bytes returns a slice view of an arbitrary byte range, used by the
// DMA window to expose a contiguous buffer that spans several frames.
func (a *Arena) Bytes(offset, length int) []byte {
	return a.mem[offset : offset+length]
}

// Close unmaps the arena. Any outstanding slices obtained from Frame
// or Bytes become invalid.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}
