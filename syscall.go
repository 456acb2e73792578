package quantum

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/quantumos/quantum/internal/devices"
	"github.com/quantumos/quantum/internal/ipc"
	"github.com/quantumos/quantum/internal/vmm"
)

const tickDuration = 10 * time.Millisecond

const (
	blockInfoWireSize    = 21
	blockRequestWireSize = 20
	inputEventWireSize   = 21
)

func encodeBlockInfo(info devices.BlockInfo) []byte {
	buf := make([]byte, blockInfoWireSize)
	buf[0] = byte(info.Type)
	binary.LittleEndian.PutUint32(buf[1:5], info.SectorSize)
	binary.LittleEndian.PutUint64(buf[5:13], info.SectorCount)
	binary.LittleEndian.PutUint32(buf[13:17], uint32(info.Flags))
	binary.LittleEndian.PutUint32(buf[17:21], info.Index)
	return buf
}

func decodeBlockInfo(b []byte) devices.BlockInfo {
	return devices.BlockInfo{
		Type:        devices.DeviceType(b[0]),
		SectorSize:  binary.LittleEndian.Uint32(b[1:5]),
		SectorCount: binary.LittleEndian.Uint64(b[5:13]),
		Flags:       devices.DeviceFlags(binary.LittleEndian.Uint32(b[13:17])),
		Index:       binary.LittleEndian.Uint32(b[17:21]),
	}
}

// blockRequestArgs is the user-space wire shape behind Block_Read/
// Write's single pointer argument: deviceID, lba, count, bufPtr.
type blockRequestArgs struct {
	DeviceID uint32
	LBA      uint64
	Count    uint32
	BufPtr   uint32
}

func decodeBlockRequest(ts *TaskState, ptr uint32) blockRequestArgs {
	raw, err := readUserBytes(ts.Task.Space, ptr, blockRequestWireSize)
	if err != nil {
		return blockRequestArgs{}
	}
	return blockRequestArgs{
		DeviceID: binary.LittleEndian.Uint32(raw[0:4]),
		LBA:      binary.LittleEndian.Uint64(raw[4:12]),
		Count:    binary.LittleEndian.Uint32(raw[12:16]),
		BufPtr:   binary.LittleEndian.Uint32(raw[16:20]),
	}
}

func encodeInputEvent(ev devices.Event) []byte {
	buf := make([]byte, inputEventWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], ev.Type)
	binary.LittleEndian.PutUint32(buf[4:8], ev.DeviceID)
	binary.LittleEndian.PutUint32(buf[8:12], ev.KeyCode)
	binary.LittleEndian.PutUint32(buf[12:16], ev.Modifiers)
	buf[16] = ev.ASCII
	binary.LittleEndian.PutUint32(buf[17:21], uint32(ev.Unicode))
	return buf
}

func decodeInputEvent(b []byte) devices.Event {
	return devices.Event{
		Type:      binary.LittleEndian.Uint32(b[0:4]),
		DeviceID:  binary.LittleEndian.Uint32(b[4:8]),
		KeyCode:   binary.LittleEndian.Uint32(b[8:12]),
		Modifiers: binary.LittleEndian.Uint32(b[12:16]),
		ASCII:     b[16],
		Unicode:   rune(binary.LittleEndian.Uint32(b[17:21])),
	}
}

// SyscallID identifies one trap-vector-0x80 operation, register A in
// the calling convention spec.md §6 describes.
type SyscallID uint32

const (
	Task_Exit SyscallID = iota + 1
	Task_Yield
	Task_GrantIOAccess
	Task_SleepTicks

	Console_Write
	Console_WriteLine

	InitBundle_GetInfo
	InitBundle_SpawnTask

	IPC_CreatePort
	IPC_OpenPort
	IPC_DestroyPort
	IPC_CloseHandle
	IPC_Send
	IPC_Receive
	IPC_TryReceive
	IPC_ReceiveTimeout
	IPC_SendHandle
	IPC_TryGetHandleMessage

	IO_In8
	IO_In16
	IO_In32
	IO_Out8
	IO_Out16
	IO_Out32

	Block_GetCount
	Block_GetInfo
	Block_Register
	Block_UpdateInfo
	Block_Open
	Block_Read
	Block_Write
	Block_Bind
	Block_AllocateDMABuffer

	Input_GetCount
	Input_GetInfo
	Input_Register
	Input_UpdateInfo
	Input_Open
	Input_ReadEvent
	Input_ReadEventTimeout
	Input_PushEvent

	IRQ_Register
	IRQ_Unregister
	IRQ_Enable
	IRQ_Disable

	Memory_ExpandHeap

	Handle_Close
	Handle_Dup
	Handle_Query

	FileSystem_RegisterService
	FileSystem_Dispatch
)

// ErrTaskExited is returned by Dispatch for Task_Exit: the caller's
// trap loop should stop pumping syscalls and let the thread's entry
// function return, which hands control back to the scheduler.
var ErrTaskExited = fmt.Errorf("quantum: task exited")

// readUserBytes copies length bytes starting at vaddr out of space,
// one page at a time, standing in for a real trap handler's
// copy-from-user.
func readUserBytes(space *vmm.Space, vaddr uint32, length uint32) ([]byte, error) {
	out := make([]byte, 0, length)
	for uint32(len(out)) < length {
		pageBase := vaddr &^ (vmm.PageSize - 1)
		offset := vaddr - pageBase
		page, err := space.ReadPage(pageBase)
		if err != nil {
			return nil, err
		}
		n := vmm.PageSize - offset
		remaining := length - uint32(len(out))
		if n > remaining {
			n = remaining
		}
		out = append(out, page[offset:offset+n]...)
		vaddr += n
	}
	return out, nil
}

// writeUserBytes copies data into space starting at vaddr, one page
// at a time, standing in for a real trap handler's copy-to-user.
func writeUserBytes(space *vmm.Space, vaddr uint32, data []byte) error {
	for len(data) > 0 {
		pageBase := vaddr &^ (vmm.PageSize - 1)
		offset := vaddr - pageBase
		page, err := space.ReadPage(pageBase)
		if err != nil {
			return err
		}
		n := vmm.PageSize - offset
		if n > uint32(len(data)) {
			n = uint32(len(data))
		}
		copy(page[offset:offset+n], data[:n])
		if err := space.WritePage(pageBase, page); err != nil {
			return err
		}
		data = data[n:]
		vaddr += n
	}
	return nil
}

// Dispatch is the single trap-vector-0x80 entry point: every syscall
// name in spec.md §6 is reached through it. Unknown ids log a warning
// and return (0, nil), registers untouched, matching the original's
// unrecognized-syscall behavior.
func (k *Kernel) Dispatch(id SyscallID, a, b, c uint32, caller uint32) (uint32, error) {
	ts, ok := k.taskState(caller)
	if !ok {
		return 0, NewTaskError("Dispatch", caller, ErrCodeInvalidHandle, "unknown caller task")
	}

	switch id {
	case Task_Exit:
		ts.mu.Lock()
		ts.ExitCode = int32(a)
		ts.Exited = true
		ts.mu.Unlock()
		return 0, ErrTaskExited
	case Task_Yield:
		k.Sched.Yield(ts.Thread)
		return 0, nil
	case Task_GrantIOAccess:
		if caller != k.CoordinatorTaskID {
			return 0, NewTaskError("Task_GrantIOAccess", caller, ErrCodePrivilege, "coordinator-only syscall")
		}
		target, ok := k.taskState(a)
		if !ok {
			return 0, NewTaskError("Task_GrantIOAccess", caller, ErrCodeNotFound, "unknown target task")
		}
		target.mu.Lock()
		target.IOAccess = true
		target.mu.Unlock()
		return 0, nil
	case Task_SleepTicks:
		timedOut := k.Sched.SleepTicks(ts.Thread, a, &ts.sleepQueue)
		if timedOut {
			return 1, nil
		}
		return 0, nil

	case Console_Write, Console_WriteLine:
		data, err := readUserBytes(ts.Task.Space, a, b)
		if err != nil {
			return 0, WrapError("Console_Write", err)
		}
		if id == Console_WriteLine {
			data = append(data, '\n')
		}
		k.Log.Info(string(data))
		return 0, nil

	case InitBundle_GetInfo:
		if k.bundle == nil {
			return 1, nil
		}
		out := make([]byte, 8)
		binary.LittleEndian.PutUint32(out[0:4], uint32(len(k.bundle.Entries())))
		if err := writeUserBytes(ts.Task.Space, a, out); err != nil {
			return 0, WrapError("InitBundle_GetInfo", err)
		}
		return 0, nil
	case InitBundle_SpawnTask:
		if caller != k.CoordinatorTaskID {
			return 0, NewTaskError("InitBundle_SpawnTask", caller, ErrCodePrivilege, "coordinator-only syscall")
		}
		if k.bundle == nil {
			return 1, nil
		}
		nameBytes, err := readUserBytes(ts.Task.Space, a, b)
		if err != nil {
			return 0, WrapError("InitBundle_SpawnTask", err)
		}
		spawned, err := k.SpawnTask(k.bundle, string(nameBytes))
		if err != nil {
			return 1, nil
		}
		return spawned.Task.ID, nil

	case IPC_CreatePort:
		p := k.Ports.CreatePort(int(a))
		h := ipc.Handle{ObjectID: p.ID(), Rights: ipc.RightRead | ipc.RightWrite | ipc.RightTransfer}
		return ts.addHandle(h), nil
	case IPC_OpenPort:
		p, ok := k.Ports.OpenPort(a)
		if !ok {
			return 0, NewObjectError("IPC_OpenPort", a, ErrCodeInvalidHandle, "no such port")
		}
		h := ipc.Handle{ObjectID: p.ID(), Rights: ipc.Rights(b)}
		return ts.addHandle(h), nil
	case IPC_DestroyPort:
		h, ok := ts.getHandle(a)
		if !ok {
			return 0, NewObjectError("IPC_DestroyPort", a, ErrCodeInvalidHandle, "unknown handle")
		}
		k.Ports.DestroyPort(h.ObjectID)
		return 0, nil
	case IPC_CloseHandle:
		if !ts.closeHandle(a) {
			return 0, NewObjectError("IPC_CloseHandle", a, ErrCodeInvalidHandle, "unknown handle")
		}
		return 0, nil
	case IPC_Send:
		h, ok := ts.getHandle(a)
		if !ok {
			return 0, NewObjectError("IPC_Send", a, ErrCodeInvalidHandle, "unknown handle")
		}
		if h.Rights&ipc.RightWrite == 0 {
			return 0, NewObjectError("IPC_Send", a, ErrCodeNoRights, "handle lacks write right")
		}
		p, ok := k.Ports.OpenPort(h.ObjectID)
		if !ok {
			return 0, NewObjectError("IPC_Send", a, ErrCodeDestroyed, "port destroyed")
		}
		payload, err := readUserBytes(ts.Task.Space, b, c)
		if err != nil {
			return 0, WrapError("IPC_Send", err)
		}
		if err := p.Send(caller, payload, nil); err != nil {
			return 1, nil
		}
		return 0, nil
	case IPC_Receive:
		h, ok := ts.getHandle(a)
		if !ok {
			return 0, NewObjectError("IPC_Receive", a, ErrCodeInvalidHandle, "unknown handle")
		}
		p, ok := k.Ports.OpenPort(h.ObjectID)
		if !ok {
			return 0, NewObjectError("IPC_Receive", a, ErrCodeDestroyed, "port destroyed")
		}
		msg, err := p.Receive(k.Sched, ts.Thread)
		if err != nil {
			return 1, nil
		}
		if err := writeUserBytes(ts.Task.Space, b, msg.Payload); err != nil {
			return 0, WrapError("IPC_Receive", err)
		}
		return 0, nil
	case IPC_TryReceive:
		h, ok := ts.getHandle(a)
		if !ok {
			return 0, NewObjectError("IPC_TryReceive", a, ErrCodeInvalidHandle, "unknown handle")
		}
		p, ok := k.Ports.OpenPort(h.ObjectID)
		if !ok {
			return 0, NewObjectError("IPC_TryReceive", a, ErrCodeDestroyed, "port destroyed")
		}
		msg, ok := p.TryReceive()
		if !ok {
			return 1, nil
		}
		if err := writeUserBytes(ts.Task.Space, b, msg.Payload); err != nil {
			return 0, WrapError("IPC_TryReceive", err)
		}
		return 0, nil
	case IPC_ReceiveTimeout:
		h, ok := ts.getHandle(a)
		if !ok {
			return 0, NewObjectError("IPC_ReceiveTimeout", a, ErrCodeInvalidHandle, "unknown handle")
		}
		p, ok := k.Ports.OpenPort(h.ObjectID)
		if !ok {
			return 0, NewObjectError("IPC_ReceiveTimeout", a, ErrCodeDestroyed, "port destroyed")
		}
		msg, err := p.ReceiveTimeout(k.Sched, ts.Thread, c)
		if err != nil {
			return 1, nil
		}
		if err := writeUserBytes(ts.Task.Space, b, msg.Payload); err != nil {
			return 0, WrapError("IPC_ReceiveTimeout", err)
		}
		return 0, nil
	case IPC_SendHandle:
		h, ok := ts.getHandle(a)
		if !ok {
			return 0, NewObjectError("IPC_SendHandle", a, ErrCodeInvalidHandle, "unknown handle")
		}
		target, ok := k.taskState(b)
		if !ok {
			return 0, NewTaskError("IPC_SendHandle", b, ErrCodeNotFound, "unknown target task")
		}
		target.addHandle(ipc.Handle{ObjectID: h.ObjectID, Rights: ipc.Rights(c)})
		return 0, nil
	case IPC_TryGetHandleMessage:
		return 1, nil // no out-of-band handle message queue exists; always reports none pending

	case IO_In8, IO_In16, IO_In32:
		if !ts.IOAccess {
			return 0, NewTaskError("IO_In", caller, ErrCodePrivilege, "task lacks I/O access")
		}
		k.ioPortsMu.Lock()
		v := k.ioPorts[uint16(a)]
		k.ioPortsMu.Unlock()
		return v, nil
	case IO_Out8, IO_Out16, IO_Out32:
		if !ts.IOAccess {
			return 0, NewTaskError("IO_Out", caller, ErrCodePrivilege, "task lacks I/O access")
		}
		k.ioPortsMu.Lock()
		k.ioPorts[uint16(a)] = b
		k.ioPortsMu.Unlock()
		return 0, nil

	case Block_GetCount:
		return k.Blocks.Count(), nil
	case Block_GetInfo:
		info, err := k.Blocks.Info(a)
		if err != nil {
			return 1, nil
		}
		if err := writeUserBytes(ts.Task.Space, b, encodeBlockInfo(info)); err != nil {
			return 0, WrapError("Block_GetInfo", err)
		}
		return 0, nil
	case Block_Register:
		raw, err := readUserBytes(ts.Task.Space, a, blockInfoWireSize)
		if err != nil {
			return 0, WrapError("Block_Register", err)
		}
		id := k.Blocks.Register(decodeBlockInfo(raw))
		return id, nil
	case Block_UpdateInfo:
		raw, err := readUserBytes(ts.Task.Space, b, blockInfoWireSize)
		if err != nil {
			return 0, WrapError("Block_UpdateInfo", err)
		}
		if err := k.Blocks.UpdateInfo(a, decodeBlockInfo(raw)); err != nil {
			return 1, nil
		}
		return 0, nil
	case Block_Open:
		h := ipc.Handle{ObjectID: a, Rights: ipc.RightRead | ipc.RightWrite}
		return ts.addHandle(h), nil
	case Block_Read:
		req := decodeBlockRequest(ts, a)
		data, err := k.Blocks.Read(devices.BlockRequest{DeviceID: req.DeviceID, LBA: req.LBA, Count: req.Count})
		if err != nil {
			return 1, nil
		}
		if err := writeUserBytes(ts.Task.Space, req.BufPtr, data); err != nil {
			return 0, WrapError("Block_Read", err)
		}
		return 0, nil
	case Block_Write:
		req := decodeBlockRequest(ts, a)
		info, err := k.Blocks.Info(req.DeviceID)
		if err != nil {
			return 1, nil
		}
		data, err := readUserBytes(ts.Task.Space, req.BufPtr, req.Count*info.SectorSize)
		if err != nil {
			return 0, WrapError("Block_Write", err)
		}
		if err := k.Blocks.Write(devices.BlockRequest{DeviceID: req.DeviceID, LBA: req.LBA, Count: req.Count, Data: data}); err != nil {
			return 1, nil
		}
		return 0, nil
	case Block_Bind:
		if err := k.Blocks.Bind(a, devices.BoundBackend{PortID: b}); err != nil {
			return 1, nil
		}
		return 0, nil
	case Block_AllocateDMABuffer:
		buf, err := k.Blocks.AllocateDMABuffer(a)
		if err != nil {
			return 1, nil
		}
		out := make([]byte, 8)
		binary.LittleEndian.PutUint32(out[0:4], buf.Offset)
		binary.LittleEndian.PutUint32(out[4:8], uint32(buf.Len()))
		if err := writeUserBytes(ts.Task.Space, b, out); err != nil {
			return 0, WrapError("Block_AllocateDMABuffer", err)
		}
		return 0, nil

	case Input_GetCount:
		return k.Inputs.Count(), nil
	case Input_GetInfo, Input_UpdateInfo:
		return 1, nil // input device metadata is read-mostly; not modeled beyond registration
	case Input_Register:
		raw, err := readUserBytes(ts.Task.Space, a, 32)
		if err != nil {
			return 0, WrapError("Input_Register", err)
		}
		id := k.Inputs.Register(devices.InputInfo{Name: cString(raw)})
		return id, nil
	case Input_Open:
		h := ipc.Handle{ObjectID: a, Rights: ipc.RightRead}
		return ts.addHandle(h), nil
	case Input_ReadEvent:
		ev, ok := k.Inputs.ReadEvent(a)
		if !ok {
			return 1, nil
		}
		if err := writeUserBytes(ts.Task.Space, b, encodeInputEvent(ev)); err != nil {
			return 0, WrapError("Input_ReadEvent", err)
		}
		return 0, nil
	case Input_ReadEventTimeout:
		ev, ok := k.Inputs.ReadEventTimeout(a, ticksToDuration(c))
		if !ok {
			return 1, nil
		}
		if err := writeUserBytes(ts.Task.Space, b, encodeInputEvent(ev)); err != nil {
			return 0, WrapError("Input_ReadEventTimeout", err)
		}
		return 0, nil
	case Input_PushEvent:
		raw, err := readUserBytes(ts.Task.Space, b, inputEventWireSize)
		if err != nil {
			return 0, WrapError("Input_PushEvent", err)
		}
		if err := k.Inputs.PushEvent(a, decodeInputEvent(raw)); err != nil {
			return 1, nil
		}
		return 0, nil

	case IRQ_Register:
		if err := k.IRQ.Register(uint8(a), b, caller); err != nil {
			return 1, nil
		}
		return 0, nil
	case IRQ_Unregister:
		return 1, nil // the router has no unregister primitive; lines are freed by process teardown only
	case IRQ_Enable:
		if caller != k.CoordinatorTaskID {
			return 0, NewTaskError("IRQ_Enable", caller, ErrCodePrivilege, "coordinator-only syscall")
		}
		k.IRQ.Enable(uint8(a))
		return 0, nil
	case IRQ_Disable:
		if caller != k.CoordinatorTaskID {
			return 0, NewTaskError("IRQ_Disable", caller, ErrCodePrivilege, "coordinator-only syscall")
		}
		k.IRQ.Disable(uint8(a))
		return 0, nil

	case Memory_ExpandHeap:
		prevEnd, err := k.expandTaskHeap(ts, a)
		if err != nil {
			return 0, WrapError("Memory_ExpandHeap", err)
		}
		return prevEnd, nil

	case Handle_Close:
		if !ts.closeHandle(a) {
			return 1, nil
		}
		return 0, nil
	case Handle_Dup:
		h, ok := ts.getHandle(a)
		if !ok {
			return 0, NewObjectError("Handle_Dup", a, ErrCodeInvalidHandle, "unknown handle")
		}
		dup := ipc.Handle{ObjectID: h.ObjectID, Rights: h.Rights & ipc.Rights(b)}
		return ts.addHandle(dup), nil
	case Handle_Query:
		h, ok := ts.getHandle(a)
		if !ok {
			return 1, nil
		}
		out := make([]byte, 8)
		binary.LittleEndian.PutUint32(out[0:4], h.ObjectID)
		binary.LittleEndian.PutUint32(out[4:8], uint32(h.Rights))
		if err := writeUserBytes(ts.Task.Space, b, out); err != nil {
			return 0, WrapError("Handle_Query", err)
		}
		return 0, nil

	case FileSystem_RegisterService:
		h, ok := ts.getHandle(a)
		if !ok {
			return 0, NewObjectError("FileSystem_RegisterService", a, ErrCodeInvalidHandle, "unknown handle")
		}
		k.fsServicePort = h.ObjectID
		return 0, nil

	// ListVolumes, OpenVolume, CloseVolume, GetVolumeInfo, Open, Close,
	// Read, Write, Seek, Stat, ReadDirectory, CreateDirectory,
	// CreateFile, Remove, Rename all forward through one opcode-tagged
	// message to the registered FS service port; the FAT12 server on
	// the other end is an external collaborator, per spec.md.
	case FileSystem_Dispatch:
		return k.dispatchFileSystem(ts, a, b, c)

	default:
		k.Log.Warn("unknown syscall", "id", uint32(id), "caller", caller)
		return 0, nil
	}
}

// expandTaskHeap grows a task's user heap by delta bytes, mapping
// zeroed pages as needed but never past HeapLimit, mirroring
// Memory_ExpandHeap's contract.
func (k *Kernel) expandTaskHeap(ts *TaskState, delta uint32) (uint32, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	prevEnd := ts.HeapEnd
	newEnd := prevEnd + delta
	if newEnd > ts.HeapLimit || newEnd < prevEnd {
		return 0, fmt.Errorf("heap expansion would exceed task heap limit")
	}

	pageSize := uint32(vmm.PageSize)
	oldTop := (prevEnd + pageSize - 1) &^ (pageSize - 1)
	newTop := (newEnd + pageSize - 1) &^ (pageSize - 1)
	for vaddr := oldTop; vaddr < newTop; vaddr += pageSize {
		phys, err := k.PMM.AllocatePage(true)
		if err != nil {
			return 0, err
		}
		if err := ts.Task.Space.MapPage(vaddr, phys, vmm.PageFlags{Writable: true, User: true}); err != nil {
			return 0, err
		}
	}
	ts.HeapEnd = newEnd
	return prevEnd, nil
}

// dispatchFileSystem forwards to an externally registered FS service
// port; the service itself is out of scope, per spec.md.
func (k *Kernel) dispatchFileSystem(ts *TaskState, a, b, c uint32) (uint32, error) {
	if k.fsServicePort == 0 {
		return 1, nil
	}
	p, ok := k.Ports.OpenPort(k.fsServicePort)
	if !ok {
		return 1, nil
	}
	payload := make([]byte, 12)
	binary.LittleEndian.PutUint32(payload[0:4], a)
	binary.LittleEndian.PutUint32(payload[4:8], b)
	binary.LittleEndian.PutUint32(payload[8:12], c)
	if err := p.Send(ts.Task.ID, payload, nil); err != nil {
		return 1, nil
	}
	return 0, nil
}

func ticksToDuration(ticks uint32) time.Duration {
	return time.Duration(ticks) * tickDuration
}

func cString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}
