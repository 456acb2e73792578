package quantum

import (
	"fmt"
	"sync"

	"github.com/quantumos/quantum/internal/config"
	"github.com/quantumos/quantum/internal/devices"
	"github.com/quantumos/quantum/internal/ipc"
	"github.com/quantumos/quantum/internal/irq"
	"github.com/quantumos/quantum/internal/loader"
	"github.com/quantumos/quantum/internal/logging"
	"github.com/quantumos/quantum/internal/pmm"
	"github.com/quantumos/quantum/internal/sched"
	"github.com/quantumos/quantum/internal/uapi"
	"github.com/quantumos/quantum/internal/vmm"
)

// Kernel wires every subsystem together, the way the teacher's
// top-level Backend owns the queue runner, the controller, and the
// device params as one object a caller constructs once and drives.
type Kernel struct {
	Log *logging.Logger

	PMM    *pmm.Allocator
	VMM    *vmm.Manager
	Sched  *sched.Scheduler
	Ports  *ipc.Registry
	IRQ    *irq.Router
	Blocks *devices.BlockRegistry
	Inputs *devices.InputRegistry
	Broker *devices.Broker

	kernelSpace *vmm.Space

	CoordinatorTaskID uint32

	tasksMu sync.Mutex
	tasks   map[uint32]*TaskState

	ioPortsMu sync.Mutex
	ioPorts   map[uint16]uint32

	bundle        *loader.Bundle
	fsServicePort uint32
}

// CreateAndBoot builds every subsystem from cfg and bootInfo, the Go
// analogue of the boot-time sequence Main.cpp runs before handing off
// to the coordinator: physical allocator, paging, heap-backing space,
// scheduler, IPC registry, IRQ router, device registries, in that
// order.
func CreateAndBoot(cfg config.BootConfig, bootInfo *uapi.BootInfo) (*Kernel, error) {
	log := logging.NewLogger(&logging.Config{Level: parseLogLevel(cfg.LogLevel)})

	alloc, err := pmm.NewAllocator(bootInfo, log.With("pmm"))
	if err != nil {
		return nil, WrapError("CreateAndBoot", err)
	}

	vmgr := vmm.NewManager(alloc)
	kernelSpace, err := vmgr.NewSpace()
	if err != nil {
		return nil, WrapError("CreateAndBoot", err)
	}

	quantumTicks := uint32(DefaultSchedulerQuantumTicks)
	scheduler := sched.NewScheduler(quantumTicks, log.With("sched"))

	ports := ipc.NewRegistry()

	// Task id 1 is reserved for the coordinator the init bundle
	// spawns first; the router and broker accept privileged calls
	// only from this fixed id.
	const coordinatorTaskID = 1

	router, err := irq.NewRouter(ports, coordinatorTaskID, log.With("irq"))
	if err != nil {
		return nil, WrapError("CreateAndBoot", err)
	}

	dmaBytes := DMACeiling
	blocks, err := devices.NewBlockRegistry(ports, dmaBytes, log.With("devices"))
	if err != nil {
		return nil, WrapError("CreateAndBoot", err)
	}
	inputs := devices.NewInputRegistry()
	broker := devices.NewBroker(blocks, ports, coordinatorTaskID)

	k := &Kernel{
		Log:               log,
		PMM:               alloc,
		VMM:               vmgr,
		Sched:             scheduler,
		Ports:             ports,
		IRQ:               router,
		Blocks:            blocks,
		Inputs:            inputs,
		Broker:            broker,
		kernelSpace:       kernelSpace,
		CoordinatorTaskID: coordinatorTaskID,
		tasks:             make(map[uint32]*TaskState),
		ioPorts:           make(map[uint16]uint32),
	}

	log.Info("kernel booted",
		"managed_bytes", alloc.ManagedBytes(),
		"free_pages", alloc.FreePages(),
	)
	return k, nil
}

func parseLogLevel(level string) logging.LogLevel {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// KernelSpace returns the shared kernel address space every task's
// Space is derived from.
func (k *Kernel) KernelSpace() *vmm.Space {
	return k.kernelSpace
}

// Shutdown releases every resource the kernel opened: the IRQ ring
// and the DMA window.
func (k *Kernel) Shutdown() error {
	if err := k.IRQ.Close(); err != nil {
		return err
	}
	return k.Blocks.Close()
}

// SpawnCoordinator loads and launches the bundle's coordinator entry,
// the first task the init bundle always brings up. It panics-free
// asserts the scheduler handed it task id 1, since CoordinatorTaskID
// was fixed at boot under that assumption; anything else means a task
// was created before the coordinator and the kernel is misconfigured.
func (k *Kernel) SpawnCoordinator(bundle *loader.Bundle) (*loader.SpawnedTask, error) {
	spawned, err := loader.SpawnCoordinator(k.PMM, k.VMM, k.Sched, bundle)
	if err != nil {
		return nil, WrapError("SpawnCoordinator", err)
	}
	if spawned.Task.ID != k.CoordinatorTaskID {
		return nil, NewError("SpawnCoordinator", ErrCodeInvalidRequest,
			fmt.Sprintf("coordinator spawned as task %d, expected %d", spawned.Task.ID, k.CoordinatorTaskID))
	}
	k.bundle = bundle
	k.registerTaskState(spawned)
	return spawned, nil
}

// SpawnTask loads and launches a named bundle entry as an ordinary
// user task.
func (k *Kernel) SpawnTask(bundle *loader.Bundle, name string) (*loader.SpawnedTask, error) {
	spawned, err := loader.SpawnTask(k.PMM, k.VMM, k.Sched, bundle, name)
	if err != nil {
		return nil, WrapError("SpawnTask", err)
	}
	k.registerTaskState(spawned)
	return spawned, nil
}
