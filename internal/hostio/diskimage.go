package hostio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DiskImage is a file-backed block device. It flock's the image the
// way a real driver exclusively owns its device node, so two
// quantumd instances can't corrupt the same image concurrently.
type DiskImage struct {
	f    *os.File
	size int64
}

// OpenDiskImage opens (and flocks) a disk image file for exclusive
// use. readOnly controls whether the file is opened O_RDWR or
// O_RDONLY; a read-only image still takes a shared lock.
func OpenDiskImage(path string, readOnly bool) (*DiskImage, error) {
	flag := os.O_RDWR
	lockType := unix.LOCK_EX
	if readOnly {
		flag = os.O_RDONLY
		lockType = unix.LOCK_SH
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("hostio: open disk image %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), lockType|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("hostio: flock disk image %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("hostio: stat disk image %s: %w", path, err)
	}

	return &DiskImage{f: f, size: info.Size()}, nil
}

// CreateDiskImage creates a new zero-filled disk image of the given
// size and opens it for exclusive read-write use.
func CreateDiskImage(path string, size int64) (*DiskImage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("hostio: create disk image %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("hostio: truncate disk image %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("hostio: flock new disk image %s: %w", path, err)
	}
	return &DiskImage{f: f, size: size}, nil
}

// ReadAt implements io.ReaderAt.
func (d *DiskImage) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

// WriteAt implements io.WriterAt.
func (d *DiskImage) WriteAt(p []byte, off int64) (int, error) {
	return d.f.WriteAt(p, off)
}

// Size returns the disk image size in bytes.
func (d *DiskImage) Size() int64 { return d.size }

// Flush fsyncs the underlying file.
func (d *DiskImage) Flush() error {
	return d.f.Sync()
}

// Close releases the flock and closes the file.
func (d *DiskImage) Close() error {
	unix.Flock(int(d.f.Fd()), unix.LOCK_UN)
	return d.f.Close()
}
