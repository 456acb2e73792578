package hostio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDMAWindowAllocateWithinBoundary(t *testing.T) {
	w, err := NewDMAWindow(64*1024, 4096, 64*1024)
	require.NoError(t, err)
	defer w.Close()

	buf, err := w.Allocate(8192)
	require.NoError(t, err)
	require.Equal(t, 8192, buf.Len())
}

func TestDMAWindowFreeAllowsReuse(t *testing.T) {
	w, err := NewDMAWindow(16*1024, 4096, 64*1024)
	require.NoError(t, err)
	defer w.Close()

	buf, err := w.Allocate(4096)
	require.NoError(t, err)
	w.Free(buf)

	buf2, err := w.Allocate(4096)
	require.NoError(t, err)
	require.Equal(t, buf.Offset, buf2.Offset)
}

func TestDMAWindowExhaustionReturnsError(t *testing.T) {
	w, err := NewDMAWindow(8192, 4096, 64*1024)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Allocate(4096)
	require.NoError(t, err)
	_, err = w.Allocate(4096)
	require.NoError(t, err)
	_, err = w.Allocate(4096)
	require.Error(t, err)
}

func TestDMAWindowNeverStraddlesBoundary(t *testing.T) {
	w, err := NewDMAWindow(128*1024, 4096, 64*1024)
	require.NoError(t, err)
	defer w.Close()

	// Force the first boundary window almost full, then request an
	// allocation that must skip ahead into the second window rather
	// than straddle.
	for i := 0; i < 15; i++ {
		_, err := w.Allocate(4096)
		require.NoError(t, err)
	}
	buf, err := w.Allocate(8192)
	require.NoError(t, err)
	require.Equal(t, uint32(64*1024), buf.Offset)
}
