// Package quantum implements a host-side simulator of the Quantum
// microkernel core: physical memory allocation, paging, the kernel
// heap, a preemptible task/thread scheduler, port-based IPC, IRQ
// routing, block/input device registries, and the ELF/init-bundle
// loader. Hardware and privileged CPU state are represented by
// pluggable Go interfaces (see internal/hostio and internal/ring) so
// that the same control flow that would run in ring 0 on real IA-32
// hardware can be driven, tested, and observed as an ordinary Go
// program.
package quantum

import (
	"errors"
	"fmt"
)

// Error represents a structured kernel error with operation context.
// It mirrors the category-coded failures the real kernel's syscall
// dispatcher returns: every subsystem constructs one of these instead
// of a bare errors.New, so callers can switch on Code without parsing
// strings.
type Error struct {
	Op     string         // operation that failed, e.g. "IPC_Send", "Block_Read"
	TaskID uint32         // task id involved (0 if not applicable)
	Object uint32         // port/device/handle id involved (0 if not applicable)
	Code   KernelErrorCode
	Msg    string
	Inner  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.TaskID != 0 && e.Object != 0:
		return fmt.Sprintf("quantum: %s (op=%s task=%d obj=%d)", msg, e.Op, e.TaskID, e.Object)
	case e.TaskID != 0:
		return fmt.Sprintf("quantum: %s (op=%s task=%d)", msg, e.Op, e.TaskID)
	case e.Object != 0:
		return fmt.Sprintf("quantum: %s (op=%s obj=%d)", msg, e.Op, e.Object)
	case e.Op != "":
		return fmt.Sprintf("quantum: %s (op=%s)", msg, e.Op)
	default:
		return fmt.Sprintf("quantum: %s", msg)
	}
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support by comparing error codes.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// KernelErrorCode represents the high-level syscall failure categories
// from the syscall surface's "protocol errors" (§7.4).
type KernelErrorCode string

const (
	ErrCodeInvalidHandle  KernelErrorCode = "invalid handle"
	ErrCodeNoRights       KernelErrorCode = "missing rights"
	ErrCodeQueueFull      KernelErrorCode = "queue full"
	ErrCodeMessageTooBig  KernelErrorCode = "message too big"
	ErrCodeTimeout        KernelErrorCode = "timed out"
	ErrCodeOutOfMemory    KernelErrorCode = "out of memory"
	ErrCodeNotFound       KernelErrorCode = "not found"
	ErrCodeBusy           KernelErrorCode = "busy"
	ErrCodePrivilege      KernelErrorCode = "privileged operation"
	ErrCodeInvalidRequest KernelErrorCode = "invalid request"
	ErrCodeDestroyed      KernelErrorCode = "object destroyed"
	ErrCodeIOError        KernelErrorCode = "I/O error"
)

// NewError creates a new structured error.
func NewError(op string, code KernelErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewTaskError creates a task-scoped structured error.
func NewTaskError(op string, taskID uint32, code KernelErrorCode, msg string) *Error {
	return &Error{Op: op, TaskID: taskID, Code: code, Msg: msg}
}

// NewObjectError creates an object-scoped (port/device/handle) structured error.
func NewObjectError(op string, objectID uint32, code KernelErrorCode, msg string) *Error {
	return &Error{Op: op, Object: objectID, Code: code, Msg: msg}
}

// WrapError wraps an existing error with kernel operation context,
// preserving the code of an inner *Error if present.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ke, ok := inner.(*Error); ok {
		return &Error{Op: op, TaskID: ke.TaskID, Object: ke.Object, Code: ke.Code, Msg: ke.Msg, Inner: ke.Inner}
	}
	return &Error{Op: op, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a structured Error with the given code.
func IsCode(err error, code KernelErrorCode) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code == code
	}
	return false
}

// KernelPanic represents an unrecoverable kernel invariant violation:
// bitmap corruption, a heap canary mismatch, a double-init, or any
// other programming error that spec.md §7.1 says must halt rather than
// return. Real hardware would halt the CPU; the simulator recovers it
// only at the outermost dispatch loop (cmd/quantumd) the way a panic
// handler presents a bugcheck screen and stops.
type KernelPanic struct {
	Msg  string
	Op   string
	File string
	Line int
}

func (p *KernelPanic) Error() string {
	return fmt.Sprintf("PANIC: %s (%s at %s:%d)", p.Msg, p.Op, p.File, p.Line)
}

// Panic raises a KernelPanic carrying the caller's location, captured
// via runtime.Caller so the message matches what a real panic handler
// would print (file, line, function).
func Panic(op, msg string) {
	file, line := callerLocation()
	panic(&KernelPanic{Msg: msg, Op: op, File: file, Line: line})
}
