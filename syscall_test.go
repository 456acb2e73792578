package quantum

import (
	"testing"

	"github.com/quantumos/quantum/internal/config"
	"github.com/quantumos/quantum/internal/ipc"
	"github.com/quantumos/quantum/internal/loader"
	"github.com/quantumos/quantum/internal/pmm"
	"github.com/quantumos/quantum/internal/uapi"
	"github.com/quantumos/quantum/internal/vmm"
	"github.com/stretchr/testify/require"
)

const testUserProgramBase = 0x08000000

func bootWithCoordinator(t *testing.T) (*Kernel, uint32) {
	t.Helper()
	k, err := CreateAndBoot(config.DefaultBootConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { k.Shutdown() })

	payload := []byte{0, 0, 0, 0, 1, 2, 3, 4}
	entry := uapi.BundleEntry{Type: uapi.BundleEntryCoordinator, Name: nameBytes("coordinator")}
	headerSize := uapi.BundleHeaderSize
	entry.Offset = uint32(headerSize + uapi.BundleEntrySize)
	entry.Size = uint32(len(payload))
	header := uapi.BundleHeader{Magic: uapi.BundleMagic, Version: 1, EntryCount: 1, TableOffset: uint32(headerSize)}
	raw := uapi.MarshalBundleHeader(&header)
	raw = append(raw, uapi.MarshalBundleEntry(&entry)...)
	raw = append(raw, payload...)

	bundle := loader.Open(raw)
	require.NoError(t, bundle.Parse())

	spawned, err := k.SpawnCoordinator(bundle)
	require.NoError(t, err)
	return k, spawned.Task.ID
}

func TestDispatchUnknownSyscallReturnsZero(t *testing.T) {
	k, caller := bootWithCoordinator(t)
	res, err := k.Dispatch(SyscallID(9999), 0, 0, 0, caller)
	require.NoError(t, err)
	require.Equal(t, uint32(0), res)
}

func TestDispatchConsoleWriteReadsUserMemory(t *testing.T) {
	k, caller := bootWithCoordinator(t)
	ts, ok := k.taskState(caller)
	require.True(t, ok)

	require.NoError(t, ts.Task.Space.WritePage(testUserProgramBase, []byte("hello")))

	_, err := k.Dispatch(Console_Write, testUserProgramBase, 5, 0, caller)
	require.NoError(t, err)
}

func TestDispatchTaskExitReturnsSentinel(t *testing.T) {
	k, caller := bootWithCoordinator(t)
	_, err := k.Dispatch(Task_Exit, 7, 0, 0, caller)
	require.ErrorIs(t, err, ErrTaskExited)

	ts, _ := k.taskState(caller)
	require.True(t, ts.Exited)
	require.Equal(t, int32(7), ts.ExitCode)
}

func TestDispatchIPCSendReceiveRoundTrip(t *testing.T) {
	k, caller := bootWithCoordinator(t)
	ts, _ := k.taskState(caller)

	portHandle, err := k.Dispatch(IPC_CreatePort, 4, 0, 0, caller)
	require.NoError(t, err)

	msgPtr := uint32(testUserProgramBase + 4096)
	require.NoError(t, ts.Task.Space.MapPage(msgPtr, mustAllocPage(t, k), vmm.PageFlags{Writable: true, User: true}))
	require.NoError(t, ts.Task.Space.WritePage(msgPtr, []byte("ping")))

	res, err := k.Dispatch(IPC_Send, portHandle, msgPtr, 4, caller)
	require.NoError(t, err)
	require.Equal(t, uint32(0), res)

	recvPtr := uint32(testUserProgramBase + 2*4096)
	require.NoError(t, ts.Task.Space.MapPage(recvPtr, mustAllocPage(t, k), vmm.PageFlags{Writable: true, User: true}))

	res, err = k.Dispatch(IPC_TryReceive, portHandle, recvPtr, 0, caller)
	require.NoError(t, err)
	require.Equal(t, uint32(0), res)

	got, err := readUserBytes(ts.Task.Space, recvPtr, 4)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), got)
}

func mustAllocPage(t *testing.T, k *Kernel) pmm.PhysAddr {
	t.Helper()
	p, err := k.PMM.AllocatePage(true)
	require.NoError(t, err)
	return p
}

func TestDispatchMemoryExpandHeapMapsPages(t *testing.T) {
	k, caller := bootWithCoordinator(t)
	ts, _ := k.taskState(caller)
	before := ts.HeapEnd

	prevEnd, err := k.Dispatch(Memory_ExpandHeap, 100, 0, 0, caller)
	require.NoError(t, err)
	require.Equal(t, before, prevEnd)
	require.Equal(t, before+100, ts.HeapEnd)
}

func TestDispatchHandleDupRestrictsRights(t *testing.T) {
	k, caller := bootWithCoordinator(t)

	portHandle, err := k.Dispatch(IPC_CreatePort, 1, 0, 0, caller)
	require.NoError(t, err)

	dup, err := k.Dispatch(Handle_Dup, portHandle, uint32(1), 0, caller) // RightRead only
	require.NoError(t, err)
	require.NotEqual(t, portHandle, dup)

	ts, ok := k.taskState(caller)
	require.True(t, ok)
	h, ok := ts.getHandle(dup)
	require.True(t, ok)
	require.Equal(t, ipc.RightRead, h.Rights)
}

func TestDispatchUnknownCallerFails(t *testing.T) {
	k, _ := bootWithCoordinator(t)
	_, err := k.Dispatch(Task_Yield, 0, 0, 0, 99999)
	require.Error(t, err)
}
