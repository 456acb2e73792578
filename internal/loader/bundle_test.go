package loader

import (
	"testing"

	"github.com/quantumos/quantum/internal/uapi"
	"github.com/stretchr/testify/require"
)

func nameBytes(s string) [32]byte {
	var n [32]byte
	copy(n[:], s)
	return n
}

func buildBundle(t *testing.T, entries []uapi.BundleEntry, payloads [][]byte) []byte {
	t.Helper()
	require.Equal(t, len(entries), len(payloads))

	headerSize := uapi.BundleHeaderSize
	tableSize := len(entries) * uapi.BundleEntrySize
	dataOffset := headerSize + tableSize

	data := make([]byte, dataOffset)
	for i := range entries {
		entries[i].Offset = uint32(len(data))
		entries[i].Size = uint32(len(payloads[i]))
		data = append(data, payloads[i]...)
	}

	header := uapi.BundleHeader{
		Magic:       uapi.BundleMagic,
		Version:     1,
		EntryCount:  uint8(len(entries)),
		TableOffset: uint32(headerSize),
	}
	buf := uapi.MarshalBundleHeader(&header)
	for _, e := range entries {
		buf = append(buf, uapi.MarshalBundleEntry(&e)...)
	}
	buf = append(buf, data[dataOffset:]...)
	return buf
}

func TestBundleParseFindsEntriesByName(t *testing.T) {
	entries := []uapi.BundleEntry{
		{Type: uapi.BundleEntryCoordinator, Name: nameBytes("coordinator")},
		{Type: uapi.BundleEntryProgram, Name: nameBytes("shell")},
	}
	raw := buildBundle(t, entries, [][]byte{[]byte("coord-bytes"), []byte("shell-bytes")})

	b := Open(raw)
	require.NoError(t, b.Parse())

	e, ok := b.Find("shell")
	require.True(t, ok)
	require.Equal(t, []byte("shell-bytes"), b.Payload(e))

	_, ok = b.Find("missing")
	require.False(t, ok)
}

func TestBundleCoordinatorReturnsCoordinatorEntry(t *testing.T) {
	entries := []uapi.BundleEntry{
		{Type: uapi.BundleEntryProgram, Name: nameBytes("shell")},
		{Type: uapi.BundleEntryCoordinator, Name: nameBytes("coordinator")},
	}
	raw := buildBundle(t, entries, [][]byte{[]byte("shell-bytes"), []byte("coord-bytes")})

	b := Open(raw)
	require.NoError(t, b.Parse())

	e, ok := b.Coordinator()
	require.True(t, ok)
	require.Equal(t, "coordinator", e.NameString())
}

func TestBundleParseRejectsTruncatedHeader(t *testing.T) {
	b := Open([]byte{1, 2, 3})
	require.Error(t, b.Parse())
}

func TestBundleParseRejectsBadMagic(t *testing.T) {
	raw := make([]byte, uapi.BundleHeaderSize)
	copy(raw, "NOTINITB")
	b := Open(raw)
	require.Error(t, b.Parse())
}

func TestBundleParseRejectsTruncatedEntryTable(t *testing.T) {
	header := uapi.BundleHeader{
		Magic:       uapi.BundleMagic,
		Version:     1,
		EntryCount:  1,
		TableOffset: uint32(uapi.BundleHeaderSize),
	}
	raw := uapi.MarshalBundleHeader(&header)
	b := Open(raw)
	require.Error(t, b.Parse())
}
