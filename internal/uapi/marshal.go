package uapi

import "encoding/binary"

// MarshalError reports a wire-format decode failure.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

const (
	ErrInsufficientData MarshalError = "uapi: insufficient data for unmarshal"
	ErrBadMagic         MarshalError = "uapi: bad bundle magic"
	ErrTooManyRegions   MarshalError = "uapi: too many memory-map regions"
)

// memoryRegionSize is the on-disk size of one BootInfo memory-map
// entry: baseLow, baseHigh, lengthLow, lengthHigh, type, each u32.
const memoryRegionSize = 20

// MarshalMemoryRegion encodes one {baseLow, baseHigh, lengthLow,
// lengthHigh, type} record.
func MarshalMemoryRegion(r MemoryRegion) []byte {
	buf := make([]byte, memoryRegionSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Base))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Base>>32))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(r.Length))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(r.Length>>32))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(r.Type))
	return buf
}

// UnmarshalMemoryRegion decodes one memory-map entry.
func UnmarshalMemoryRegion(data []byte) (MemoryRegion, error) {
	if len(data) < memoryRegionSize {
		return MemoryRegion{}, ErrInsufficientData
	}
	baseLow := binary.LittleEndian.Uint32(data[0:4])
	baseHigh := binary.LittleEndian.Uint32(data[4:8])
	lenLow := binary.LittleEndian.Uint32(data[8:12])
	lenHigh := binary.LittleEndian.Uint32(data[12:16])
	typ := binary.LittleEndian.Uint32(data[16:20])
	return MemoryRegion{
		Base:   uint64(baseHigh)<<32 | uint64(baseLow),
		Length: uint64(lenHigh)<<32 | uint64(lenLow),
		Type:   MemoryRegionType(typ),
	}, nil
}

// MarshalBootInfo encodes a BootInfo as the reserved word followed by
// entryCount (u32) and the region table, the layout spec.md §6
// describes the bootloader handing off.
func MarshalBootInfo(b *BootInfo) ([]byte, error) {
	if len(b.Regions) > MaxBootEntries {
		return nil, ErrTooManyRegions
	}
	buf := make([]byte, 8+len(b.Regions)*memoryRegionSize)
	binary.LittleEndian.PutUint32(buf[0:4], b.Reserved)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(b.Regions)))
	off := 8
	for _, r := range b.Regions {
		copy(buf[off:off+memoryRegionSize], MarshalMemoryRegion(r))
		off += memoryRegionSize
	}
	return buf, nil
}

// UnmarshalBootInfo decodes a BootInfo memory map. InitBundleBase,
// InitBundleSize and HasInitBundle are set separately by the loader,
// since the bootloader hands those off out-of-band.
func UnmarshalBootInfo(data []byte) (*BootInfo, error) {
	if len(data) < 8 {
		return nil, ErrInsufficientData
	}
	reserved := binary.LittleEndian.Uint32(data[0:4])
	count := binary.LittleEndian.Uint32(data[4:8])
	if count > MaxBootEntries {
		return nil, ErrTooManyRegions
	}
	need := 8 + int(count)*memoryRegionSize
	if len(data) < need {
		return nil, ErrInsufficientData
	}
	regions := make([]MemoryRegion, 0, count)
	off := 8
	for i := uint32(0); i < count; i++ {
		r, err := UnmarshalMemoryRegion(data[off : off+memoryRegionSize])
		if err != nil {
			return nil, err
		}
		regions = append(regions, r)
		off += memoryRegionSize
	}
	return &BootInfo{Regions: regions, Reserved: reserved}, nil
}

// MarshalBundleHeader encodes the 16-byte bundle header prefix.
func MarshalBundleHeader(h *BundleHeader) []byte {
	buf := make([]byte, BundleHeaderSize)
	copy(buf[0:8], h.Magic[:])
	buf[8] = h.Version
	buf[9] = h.EntryCount
	// buf[10:12] is padding, left zero.
	binary.LittleEndian.PutUint32(buf[12:16], h.TableOffset)
	return buf
}

// UnmarshalBundleHeader decodes and validates the bundle header magic.
func UnmarshalBundleHeader(data []byte) (*BundleHeader, error) {
	if len(data) < BundleHeaderSize {
		return nil, ErrInsufficientData
	}
	var h BundleHeader
	copy(h.Magic[:], data[0:8])
	if h.Magic != BundleMagic {
		return nil, ErrBadMagic
	}
	h.Version = data[8]
	h.EntryCount = data[9]
	h.TableOffset = binary.LittleEndian.Uint32(data[12:16])
	return &h, nil
}

// MarshalBundleEntry encodes one 41-byte bundle entry record.
func MarshalBundleEntry(e *BundleEntry) []byte {
	buf := make([]byte, BundleEntrySize)
	buf[0] = byte(e.Type)
	copy(buf[1:33], e.Name[:])
	binary.LittleEndian.PutUint32(buf[33:37], e.Offset)
	binary.LittleEndian.PutUint32(buf[37:41], e.Size)
	return buf
}

// UnmarshalBundleEntry decodes one bundle entry record.
func UnmarshalBundleEntry(data []byte) (*BundleEntry, error) {
	if len(data) < BundleEntrySize {
		return nil, ErrInsufficientData
	}
	var e BundleEntry
	e.Type = BundleEntryType(data[0])
	copy(e.Name[:], data[1:33])
	e.Offset = binary.LittleEndian.Uint32(data[33:37])
	e.Size = binary.LittleEndian.Uint32(data[37:41])
	return &e, nil
}

// irqMessageSize is the on-disk size of an IRQMessage: op, irqLine
// (padded to u32), portID, replyPortID, data.
const irqMessageSize = 20

// MarshalIRQMessage encodes an IRQMessage for delivery over a port.
func MarshalIRQMessage(m *IRQMessage) []byte {
	buf := make([]byte, irqMessageSize)
	binary.LittleEndian.PutUint32(buf[0:4], m.Op)
	buf[4] = m.IRQLine
	binary.LittleEndian.PutUint32(buf[8:12], m.PortID)
	binary.LittleEndian.PutUint32(buf[12:16], m.ReplyPortID)
	binary.LittleEndian.PutUint32(buf[16:20], m.Data)
	return buf
}

// UnmarshalIRQMessage decodes an IRQMessage.
func UnmarshalIRQMessage(data []byte) (*IRQMessage, error) {
	if len(data) < irqMessageSize {
		return nil, ErrInsufficientData
	}
	return &IRQMessage{
		Op:          binary.LittleEndian.Uint32(data[0:4]),
		IRQLine:     data[4],
		PortID:      binary.LittleEndian.Uint32(data[8:12]),
		ReplyPortID: binary.LittleEndian.Uint32(data[12:16]),
		Data:        binary.LittleEndian.Uint32(data[16:20]),
	}, nil
}
