// Package uapi defines the wire-format structures the boot protocol
// exchanges with the kernel: the BootInfo memory map, the init-bundle
// header/entry table, and the fixed IRQ message shape, hand-marshaled
// the way the teacher's internal/uapi hand-marshals ublk's kernel-ABI
// structs.
package uapi

// MemoryRegionType is the BootInfo region type tag. Only Usable
// regions are handed to the physical allocator.
type MemoryRegionType uint32

const (
	MemoryRegionReserved MemoryRegionType = 0
	MemoryRegionUsable   MemoryRegionType = 1
)

// MemoryRegion mirrors one boot memory-map entry:
// {baseLow, baseHigh, lengthLow, lengthHigh, type}.
type MemoryRegion struct {
	Base   uint64
	Length uint64
	Type   MemoryRegionType
}

// MaxBootEntries bounds how many memory-map entries BootInfo carries.
const MaxBootEntries = 32

// BootDriveMagic occupies the upper 16 bits of BootInfo.Reserved; the
// lower 8 bits hold the BIOS drive number. Preserved bit-for-bit per
// spec.md §9's note on this field's sparse documentation.
const BootDriveMagic = 0xB007

// BootInfo is the record handed off by the bootloader: a memory map
// plus the init-bundle location and the boot-drive encoding.
type BootInfo struct {
	Regions           []MemoryRegion
	Reserved          uint32
	InitBundleBase    uint64
	InitBundleSize    uint64
	HasInitBundle     bool
}

// BootDrive extracts the BIOS drive number from Reserved, returning
// ok=false if the magic nibble isn't present.
func (b *BootInfo) BootDrive() (drive uint8, ok bool) {
	if b.Reserved>>16 != BootDriveMagic {
		return 0, false
	}
	return uint8(b.Reserved & 0xFF), true
}

// BundleMagic is the fixed 8-byte magic at offset 0 of an init bundle.
var BundleMagic = [8]byte{'I', 'N', 'I', 'T', 'B', 'N', 'D', 0}

// BundleHeaderSize is the byte size of the fixed-layout bundle header
// prefix (magic, version, entry count, padding, table offset).
const BundleHeaderSize = 16

// BundleEntrySize is the byte size of one on-disk bundle entry record.
const BundleEntrySize = 41

// BundleEntryType tags what an entry's payload is.
type BundleEntryType uint8

const (
	BundleEntryProgram     BundleEntryType = 0
	BundleEntryCoordinator BundleEntryType = 1
)

// BundleHeader is the 16-byte on-disk header.
type BundleHeader struct {
	Magic       [8]byte
	Version     uint8
	EntryCount  uint8
	TableOffset uint32
}

// BundleEntry is one 41-byte on-disk entry record.
type BundleEntry struct {
	Type   BundleEntryType
	Name   [32]byte
	Offset uint32
	Size   uint32
}

// NameString returns the entry's NUL-padded name as a Go string.
func (e BundleEntry) NameString() string {
	n := 0
	for n < len(e.Name) && e.Name[n] != 0 {
		n++
	}
	return string(e.Name[:n])
}

// IRQMessageOp is the fixed op code for synthesized IRQ messages.
const IRQMessageOp = 0

// IRQMessage is the tiny fixed-shape message the IRQ router delivers
// on a hardware interrupt.
type IRQMessage struct {
	Op          uint32
	IRQLine     uint8
	PortID      uint32
	ReplyPortID uint32
	Data        uint32
}
