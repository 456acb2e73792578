package quantum

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStructuredError(t *testing.T) {
	err := NewError("IPC_Send", ErrCodeQueueFull, "port queue full")

	require.Equal(t, "IPC_Send", err.Op)
	require.Equal(t, ErrCodeQueueFull, err.Code)
	require.Equal(t, "quantum: port queue full (op=IPC_Send)", err.Error())
}

func TestTaskError(t *testing.T) {
	err := NewTaskError("Task_GrantIOAccess", 7, ErrCodePrivilege, "coordinator only")

	require.EqualValues(t, 7, err.TaskID)
	require.Equal(t, "quantum: coordinator only (op=Task_GrantIOAccess task=7)", err.Error())
}

func TestObjectError(t *testing.T) {
	err := NewObjectError("Block_Read", 3, ErrCodeNotFound, "no such device")

	require.EqualValues(t, 3, err.Object)
	require.Equal(t, "quantum: no such device (op=Block_Read obj=3)", err.Error())
}

func TestWrapErrorPreservesCode(t *testing.T) {
	inner := NewError("Heap.Allocate", ErrCodeOutOfMemory, "heap exhausted")
	wrapped := WrapError("Memory_ExpandHeap", inner)

	require.Equal(t, ErrCodeOutOfMemory, wrapped.Code)
	require.Equal(t, "Memory_ExpandHeap", wrapped.Op)
}

func TestWrapErrorWrapsPlainError(t *testing.T) {
	wrapped := WrapError("Block_Read", errors.New("disk offline"))

	require.Equal(t, ErrCodeIOError, wrapped.Code)
	require.ErrorContains(t, wrapped, "disk offline")
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	a := NewError("IPC_Send", ErrCodeQueueFull, "full")
	b := &Error{Code: ErrCodeQueueFull}

	require.True(t, errors.Is(a, b))
}

func TestIsCode(t *testing.T) {
	err := NewError("IPC_ReceiveTimeout", ErrCodeTimeout, "timed out")

	require.True(t, IsCode(err, ErrCodeTimeout))
	require.False(t, IsCode(err, ErrCodeIOError))
	require.False(t, IsCode(nil, ErrCodeTimeout))
}

func TestPanicRecover(t *testing.T) {
	func() {
		defer func() {
			err := Recover(recover())
			require.Error(t, err)
			var kp *KernelPanic
			require.True(t, errors.As(err, &kp))
			require.Equal(t, "Heap free: canary corrupted", kp.Msg)
		}()
		Panic("Heap.Free", "Heap free: canary corrupted")
	}()
}
