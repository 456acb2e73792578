package loader

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildELF32 constructs a minimal valid ELF32/LSB/386 image with one
// PT_LOAD segment whose file bytes are payload and whose memory size
// is memSize (memSize >= len(payload) allows a bss tail).
func buildELF32(t *testing.T, virtAddr uint32, payload []byte, memSize uint32, writable bool) []byte {
	t.Helper()
	const phOff = elfHeaderSize
	fileOffset := uint32(phOff + progHeaderSize)

	header := make([]byte, elfHeaderSize)
	copy(header[0:4], elfMagic[:])
	header[4] = elfClass32
	header[5] = elfData2LSB
	binary.LittleEndian.PutUint32(header[24:28], virtAddr+4) // entry point, inside segment
	binary.LittleEndian.PutUint32(header[28:32], uint32(phOff))
	binary.LittleEndian.PutUint16(header[42:44], uint16(progHeaderSize))
	binary.LittleEndian.PutUint16(header[44:46], 1)

	ph := make([]byte, progHeaderSize)
	binary.LittleEndian.PutUint32(ph[0:4], ptLoad)
	binary.LittleEndian.PutUint32(ph[4:8], fileOffset)
	binary.LittleEndian.PutUint32(ph[8:12], virtAddr)
	binary.LittleEndian.PutUint32(ph[16:20], uint32(len(payload)))
	binary.LittleEndian.PutUint32(ph[20:24], memSize)
	if writable {
		binary.LittleEndian.PutUint32(ph[24:28], pfWrite)
	}

	image := append(header, ph...)
	image = append(image, payload...)
	return image
}

func TestParseELF32ValidImage(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}
	image := buildELF32(t, 0x08000000, payload, uint32(len(payload))+4096, true)

	elf, err := ParseELF32(image)
	require.NoError(t, err)
	require.Equal(t, uint32(0x08000004), elf.Entry)
	require.Len(t, elf.Segments(), 1)
	require.True(t, elf.Segments()[0].Writable)
	require.Equal(t, uint32(len(payload))+4096, elf.Segments()[0].MemSize)
}

func TestParseELF32RejectsBadMagic(t *testing.T) {
	image := buildELF32(t, 0x08000000, []byte{1, 2, 3}, 4096, false)
	image[0] = 'X'
	_, err := ParseELF32(image)
	require.Error(t, err)
}

func TestParseELF32RejectsTruncatedHeader(t *testing.T) {
	_, err := ParseELF32([]byte{0x7F, 'E', 'L', 'F'})
	require.Error(t, err)
}

func TestParseELF32RejectsProgramHeaderTableOutOfRange(t *testing.T) {
	image := buildELF32(t, 0x08000000, []byte{1, 2, 3}, 4096, false)
	binary.LittleEndian.PutUint16(image[44:46], 50) // claim 50 entries, far past image size
	_, err := ParseELF32(image)
	require.Error(t, err)
}

func TestParseELF32SkipsZeroMemSizeSegments(t *testing.T) {
	image := buildELF32(t, 0x08000000, []byte{1, 2, 3}, 0, false)
	_, err := ParseELF32(image)
	require.Error(t, err) // no PT_LOAD segments survive
}
