package ring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitThenTryCQEReturnsCompletion(t *testing.T) {
	r, err := NewRing(Config{Entries: 4})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Submit(42, 0))
	c, ok := r.TryCQE()
	require.True(t, ok)
	require.Equal(t, uint64(42), c.UserData)
}

func TestTryCQEOnEmptyRingReturnsFalse(t *testing.T) {
	r, err := NewRing(Config{Entries: 4})
	require.NoError(t, err)
	defer r.Close()

	_, ok := r.TryCQE()
	require.False(t, ok)
}

func TestSubmitRejectsWhenRingFull(t *testing.T) {
	r, err := NewRing(Config{Entries: 2})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Submit(1, 0))
	require.NoError(t, r.Submit(2, 0))
	require.ErrorIs(t, r.Submit(3, 0), ErrRingFull)
}

func TestWaitCQEBlocksUntilSubmit(t *testing.T) {
	r, err := NewRing(Config{Entries: 4})
	require.NoError(t, err)
	defer r.Close()

	done := make(chan Completion, 1)
	go func() {
		c, err := r.WaitCQE(0)
		require.NoError(t, err)
		done <- c
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Submit(7, 1))

	select {
	case c := <-done:
		require.Equal(t, uint64(7), c.UserData)
		require.Equal(t, int32(1), c.Res)
	case <-time.After(time.Second):
		t.Fatal("WaitCQE never returned")
	}
}

func TestWaitCQETimesOut(t *testing.T) {
	r, err := NewRing(Config{Entries: 4})
	require.NoError(t, err)
	defer r.Close()

	c, err := r.WaitCQE(10 * time.Millisecond)
	require.NoError(t, err)
	require.Zero(t, c)
}

func TestOperationsAfterCloseReturnErrClosed(t *testing.T) {
	r, err := NewRing(Config{Entries: 4})
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close()) // idempotent

	require.ErrorIs(t, r.Submit(1, 0), ErrClosed)
}

func TestFIFOOrderingOfCompletions(t *testing.T) {
	r, err := NewRing(Config{Entries: 4})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Submit(1, 0))
	require.NoError(t, r.Submit(2, 0))
	require.NoError(t, r.Submit(3, 0))

	c1, _ := r.TryCQE()
	c2, _ := r.TryCQE()
	c3, _ := r.TryCQE()
	require.Equal(t, []uint64{1, 2, 3}, []uint64{c1.UserData, c2.UserData, c3.UserData})
}
