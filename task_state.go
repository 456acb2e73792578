package quantum

import (
	"sync"

	"github.com/quantumos/quantum/internal/ipc"
	"github.com/quantumos/quantum/internal/loader"
	"github.com/quantumos/quantum/internal/sched"
	"github.com/quantumos/quantum/internal/waitqueue"
)

// TaskState is the kernel's bookkeeping for one user task beyond what
// sched.Task tracks: its handle table, user heap window, and
// I/O-access grant. The original keeps this inline on
// TaskControlBlock; here it lives keyed by task id since sched.Task
// is owned by internal/sched and shouldn't know about IPC handles.
type TaskState struct {
	mu sync.Mutex

	Task   *sched.Task
	Thread *sched.Thread

	HeapEnd   uint32
	HeapLimit uint32

	IOAccess bool
	ExitCode int32
	Exited   bool

	handles    map[uint32]ipc.Handle
	nextHandle uint32
	sleepQueue waitqueue.Queue
}

func newTaskState(spawned *loader.SpawnedTask) *TaskState {
	return &TaskState{
		Task:      spawned.Task,
		Thread:    spawned.Thread,
		HeapEnd:   spawned.HeapBase,
		HeapLimit: spawned.HeapLimit,
		handles:   make(map[uint32]ipc.Handle),
	}
}

func (ts *TaskState) addHandle(h ipc.Handle) uint32 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.nextHandle++
	id := ts.nextHandle
	ts.handles[id] = h
	return id
}

func (ts *TaskState) getHandle(id uint32) (ipc.Handle, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	h, ok := ts.handles[id]
	return h, ok
}

func (ts *TaskState) closeHandle(id uint32) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, ok := ts.handles[id]; !ok {
		return false
	}
	delete(ts.handles, id)
	return true
}

// registerTaskState records bookkeeping for a freshly spawned task so
// Dispatch can find it by caller task id.
func (k *Kernel) registerTaskState(spawned *loader.SpawnedTask) *TaskState {
	ts := newTaskState(spawned)
	k.tasksMu.Lock()
	k.tasks[spawned.Task.ID] = ts
	k.tasksMu.Unlock()
	return ts
}

func (k *Kernel) taskState(id uint32) (*TaskState, bool) {
	k.tasksMu.Lock()
	defer k.tasksMu.Unlock()
	ts, ok := k.tasks[id]
	return ts, ok
}
