// Command quantumd boots the Quantum kernel simulator: it wires every
// subsystem through quantum.CreateAndBoot, spawns the coordinator task
// out of an init bundle if one was supplied, then ticks the scheduler
// every 10 ms and delivers any pending IRQ completion to its routed
// port, until interrupted.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	quantum "github.com/quantumos/quantum"
	"github.com/quantumos/quantum/internal/config"
	"github.com/quantumos/quantum/internal/loader"
)

func main() {
	var (
		memMB        = flag.Int("mem-mb", 64, "Managed physical memory, in MiB")
		bundlePath   = flag.String("bundle", "", "Path to an init-bundle file (coordinator + drivers)")
		verbose      = flag.Bool("v", false, "Verbose (debug-level) logging")
		quantumTicks = flag.Uint("quantum-ticks", quantum.DefaultSchedulerQuantumTicks, "Timer ticks between 'quantum elapsed' debug log lines (does not change the scheduler's quantum)")
	)
	flag.Parse()

	cfg := config.DefaultBootConfig()
	cfg.ManagedBytes = uint64(*memMB) << 20
	cfg.InitBundlePath = *bundlePath
	if *verbose {
		cfg.LogLevel = "debug"
	}

	k, err := quantum.CreateAndBoot(cfg, quantum.MockBootInfo(cfg.ManagedBytes))
	if err != nil {
		log.Fatalf("quantumd: boot failed: %v", err)
	}
	defer k.Shutdown()

	run(k, cfg, uint32(*quantumTicks))
}

// run drives the boot scenarios spec.md describes and recovers a
// *quantum.KernelPanic at this outermost boundary, the one place the
// simulator is allowed to halt instead of returning an error: a real
// CPU facing the same invariant violation would lock up, and this is
// where that lockup is made visible.
func run(k *quantum.Kernel, cfg config.BootConfig, quantumTicks uint32) {
	defer func() {
		if r := recover(); r != nil {
			panicked, ok := r.(*quantum.KernelPanic)
			if !ok {
				panic(r)
			}
			k.Log.Error("kernel halted", "panic", panicked.Error())
			fmt.Fprintf(os.Stderr, "*** QUANTUM PANIC ***\n%s\nCPU halted.\n", panicked.Error())
			os.Exit(1)
		}
	}()

	if cfg.InitBundlePath == "" {
		k.Log.Info("INIT.BND not mapped, entering idle")
	} else {
		spawnFromBundle(k, cfg.InitBundlePath)
	}

	idle(k, quantumTicks)
}

// spawnFromBundle reads the bundle file, parses it, and spawns its
// coordinator entry as task 1.
func spawnFromBundle(k *quantum.Kernel, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		quantum.Panic("spawnFromBundle", fmt.Sprintf("cannot read init bundle %q: %v", path, err))
	}

	bundle := loader.Open(raw)
	if err := bundle.Parse(); err != nil {
		quantum.Panic("spawnFromBundle", fmt.Sprintf("malformed init bundle %q: %v", path, err))
	}

	spawned, err := k.SpawnCoordinator(bundle)
	if err != nil {
		quantum.Panic("spawnFromBundle", fmt.Sprintf("coordinator spawn failed: %v", err))
	}
	k.Log.Info("coordinator spawned",
		"task", spawned.Task.ID,
		"entry", fmt.Sprintf("%#x", spawned.Thread.EntryVirt),
		"heap_base", fmt.Sprintf("%#x", spawned.HeapBase),
	)
}

// idle drives the simulated timer until a signal arrives, mirroring
// the "CPU halts until timer" behavior boot scenario 1 describes: each
// tick steps the scheduler, and one pending IRQ completion, if any, is
// delivered to whichever port registered for its line (dropped if none
// did). Nothing here fires IRQ lines itself.
func idle(k *quantum.Kernel, quantumTicks uint32) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	var tick uint32
	for {
		select {
		case <-sigCh:
			k.Log.Info("shutdown requested")
			return
		case <-ticker.C:
			tick++
			k.Sched.Tick(k.Sched.Current())
			k.IRQ.Dispatch(0)
			if tick%quantumTicks == 0 {
				k.Log.Debug("quantum elapsed", "tick", tick)
			}
		}
	}
}
