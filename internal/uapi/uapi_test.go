package uapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBootInfoRoundTrip(t *testing.T) {
	info := &BootInfo{
		Reserved: BootDriveMagic<<16 | 0x80,
		Regions: []MemoryRegion{
			{Base: 0x0, Length: 0x9FC00, Type: MemoryRegionUsable},
			{Base: 0x100000, Length: 0x1FF00000, Type: MemoryRegionUsable},
			{Base: 0xFEC00000, Length: 0x1000, Type: MemoryRegionReserved},
		},
	}

	buf, err := MarshalBootInfo(info)
	require.NoError(t, err)
	require.Len(t, buf, 8+3*memoryRegionSize)

	decoded, err := UnmarshalBootInfo(buf)
	require.NoError(t, err)
	require.Equal(t, info.Reserved, decoded.Reserved)
	require.Equal(t, info.Regions, decoded.Regions)

	drive, ok := decoded.BootDrive()
	require.True(t, ok)
	require.Equal(t, uint8(0x80), drive)
}

func TestBootInfoRejectsTooManyRegions(t *testing.T) {
	info := &BootInfo{Regions: make([]MemoryRegion, MaxBootEntries+1)}
	_, err := MarshalBootInfo(info)
	require.ErrorIs(t, err, ErrTooManyRegions)
}

func TestBootInfoUnmarshalInsufficientData(t *testing.T) {
	_, err := UnmarshalBootInfo([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestBootDriveWithoutMagicIsNotOK(t *testing.T) {
	info := &BootInfo{Reserved: 0x1234}
	_, ok := info.BootDrive()
	require.False(t, ok)
}

func TestBundleHeaderRoundTrip(t *testing.T) {
	h := &BundleHeader{
		Magic:       BundleMagic,
		Version:     1,
		EntryCount:  2,
		TableOffset: 16,
	}
	buf := MarshalBundleHeader(h)
	require.Len(t, buf, BundleHeaderSize)

	decoded, err := UnmarshalBundleHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, decoded)
}

func TestBundleHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, BundleHeaderSize)
	copy(buf, "NOTINIT\x00")
	_, err := UnmarshalBundleHeader(buf)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestBundleHeaderInsufficientData(t *testing.T) {
	_, err := UnmarshalBundleHeader(make([]byte, 4))
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestBundleEntryRoundTrip(t *testing.T) {
	e := &BundleEntry{
		Type:   BundleEntryCoordinator,
		Offset: 128,
		Size:   4096,
	}
	copy(e.Name[:], "coordinator")

	buf := MarshalBundleEntry(e)
	require.Len(t, buf, BundleEntrySize)

	decoded, err := UnmarshalBundleEntry(buf)
	require.NoError(t, err)
	require.Equal(t, e, decoded)
	require.Equal(t, "coordinator", decoded.NameString())
}

func TestBundleEntryNameStringTruncatesAtNUL(t *testing.T) {
	var e BundleEntry
	copy(e.Name[:], "short")
	require.Equal(t, "short", e.NameString())
}

func TestBundleEntryInsufficientData(t *testing.T) {
	_, err := UnmarshalBundleEntry(make([]byte, 10))
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestIRQMessageRoundTrip(t *testing.T) {
	m := &IRQMessage{Op: IRQMessageOp, IRQLine: 6, PortID: 3, ReplyPortID: 4, Data: 0xDEAD}
	buf := MarshalIRQMessage(m)
	require.Len(t, buf, irqMessageSize)

	decoded, err := UnmarshalIRQMessage(buf)
	require.NoError(t, err)
	require.Equal(t, m, decoded)
}

func TestIRQMessageInsufficientData(t *testing.T) {
	_, err := UnmarshalIRQMessage(make([]byte, 4))
	require.ErrorIs(t, err, ErrInsufficientData)
}
