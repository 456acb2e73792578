// Package loader parses the init bundle and ELF32 program images it
// carries, and spawns the resulting task through internal/sched.
// Ground truth spec.md §4.8; the bundle wire layout is bit-exact with
// internal/uapi's BundleHeader/BundleEntry, hand-marshaled the way the
// teacher's internal/uapi hand-marshals ublk's control structures.
package loader

import (
	"fmt"

	"github.com/quantumos/quantum/internal/uapi"
)

// Bundle is an opened, parsed init bundle backed by a raw byte slice
// (mmap'd by quantumd, or an in-memory slice in tests).
type Bundle struct {
	data    []byte
	header  *uapi.BundleHeader
	entries []uapi.BundleEntry
}

// Open wraps data without parsing it yet.
func Open(data []byte) *Bundle {
	return &Bundle{data: data}
}

// Parse validates the magic and decodes the entry table.
func (b *Bundle) Parse() error {
	if len(b.data) < uapi.BundleHeaderSize {
		return fmt.Errorf("loader: bundle too small for header")
	}
	header, err := uapi.UnmarshalBundleHeader(b.data[:uapi.BundleHeaderSize])
	if err != nil {
		return fmt.Errorf("loader: %w", err)
	}

	entries := make([]uapi.BundleEntry, 0, header.EntryCount)
	off := int(header.TableOffset)
	for i := 0; i < int(header.EntryCount); i++ {
		end := off + uapi.BundleEntrySize
		if end > len(b.data) {
			return fmt.Errorf("loader: bundle entry table truncated at entry %d", i)
		}
		entry, err := uapi.UnmarshalBundleEntry(b.data[off:end])
		if err != nil {
			return fmt.Errorf("loader: entry %d: %w", i, err)
		}
		entries = append(entries, *entry)
		off = end
	}

	b.header = header
	b.entries = entries
	return nil
}

// Find looks up an entry by name.
func (b *Bundle) Find(name string) (uapi.BundleEntry, bool) {
	for _, e := range b.entries {
		if e.NameString() == name {
			return e, true
		}
	}
	return uapi.BundleEntry{}, false
}

// Coordinator returns the bundle's BundleEntryCoordinator entry, if
// any — the kernel spawns this one first.
func (b *Bundle) Coordinator() (uapi.BundleEntry, bool) {
	for _, e := range b.entries {
		if e.Type == uapi.BundleEntryCoordinator {
			return e, true
		}
	}
	return uapi.BundleEntry{}, false
}

// Payload returns the raw bytes for an entry.
func (b *Bundle) Payload(e uapi.BundleEntry) []byte {
	return b.data[e.Offset : e.Offset+e.Size]
}

// Entries returns every parsed entry, for diagnostics and tests.
func (b *Bundle) Entries() []uapi.BundleEntry {
	return b.entries
}
