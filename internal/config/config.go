// Package config holds the boot-time configuration for the simulated
// kernel, in the style of the teacher's DeviceParams/DefaultParams:
// one struct with sane defaults, overridable field-by-field by the
// CLI in cmd/quantumd.
package config

import "time"

// BootConfig configures one kernel boot.
type BootConfig struct {
	// ManagedBytes caps how much of the boot memory map the physical
	// allocator tracks. 0 means derive it from the memory map (clipped
	// to 4 GiB, floored at 64 MiB) as spec.md §4.1 describes.
	ManagedBytes uint64

	// KernelHeapBytes is the maximum the kernel heap may grow to.
	KernelHeapBytes uint32

	// InitBundlePath is the path to the init-bundle file, or "" if
	// none is supplied (boot proceeds straight to idle, per spec.md
	// scenario 1).
	InitBundlePath string

	// SchedulerQuantum is a simulated timer period. Nothing reads it:
	// CreateAndBoot ignores it and cmd/quantumd's timer ticks every 10 ms.
	SchedulerQuantum time.Duration

	// PortQueueDepth is the default bounded-queue capacity for newly
	// created IPC ports.
	PortQueueDepth int

	// MaxPayloadBytes is the maximum IPC message payload size.
	MaxPayloadBytes int

	// LogLevel selects the verbosity of the boot log ("debug", "info",
	// "warn", "error").
	LogLevel string
}

// DefaultBootConfig returns a BootConfig with the defaults named in
// spec.md: 64 MiB floor for the physical allocator, 512 MiB kernel
// heap ceiling, 16-deep port queues, 256-byte max payload.
func DefaultBootConfig() BootConfig {
	return BootConfig{
		ManagedBytes:     0,
		KernelHeapBytes:  512 << 20,
		InitBundlePath:   "",
		SchedulerQuantum: 10 * time.Millisecond,
		PortQueueDepth:   16,
		MaxPayloadBytes:  256,
		LogLevel:         "info",
	}
}
