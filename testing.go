package quantum

import (
	"sync"

	"github.com/quantumos/quantum/internal/devices"
	"github.com/quantumos/quantum/internal/uapi"
)

// MockBlockBackend is an in-memory devices.InKernelBackend, the
// quantum analogue of the teacher's MockBackend: a fixed-size byte
// slice standing in for a disk image, with call counters so tests can
// assert a dispatch path actually reached the device.
type MockBlockBackend struct {
	mu         sync.Mutex
	data       []byte
	sectorSize uint32
	readCalls  int
	writeCalls int
	failReads  bool
	failWrites bool
}

// NewMockBlockBackend creates a mock backend of sectorCount sectors,
// each sectorSize bytes, zero-filled.
func NewMockBlockBackend(sectorSize uint32, sectorCount uint64) *MockBlockBackend {
	return &MockBlockBackend{
		data:       make([]byte, sectorSize*uint32(sectorCount)),
		sectorSize: sectorSize,
	}
}

// Backend returns the devices.InKernelBackend closures a registry
// entry binds against.
func (m *MockBlockBackend) Backend() devices.InKernelBackend {
	return devices.InKernelBackend{
		ReadFn:  m.readAt,
		WriteFn: m.writeAt,
	}
}

func (m *MockBlockBackend) readAt(lba uint64, count uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++
	if m.failReads {
		return nil, &devices.BlockError{Op: "Read", Code: devices.ErrTimeout}
	}

	off := lba * uint64(m.sectorSize)
	length := uint64(count) * uint64(m.sectorSize)
	if off+length > uint64(len(m.data)) {
		return nil, &devices.BlockError{Op: "Read", Code: devices.ErrOutOfRange}
	}

	out := make([]byte, length)
	copy(out, m.data[off:off+length])
	return out, nil
}

func (m *MockBlockBackend) writeAt(lba uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	if m.failWrites {
		return &devices.BlockError{Op: "Write", Code: devices.ErrTimeout}
	}

	off := lba * uint64(m.sectorSize)
	if off+uint64(len(data)) > uint64(len(m.data)) {
		return &devices.BlockError{Op: "Write", Code: devices.ErrOutOfRange}
	}

	copy(m.data[off:off+uint64(len(data))], data)
	return nil
}

// SetFailReads makes every subsequent read return an error, simulating
// a wedged device for fault-injection tests.
func (m *MockBlockBackend) SetFailReads(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = fail
}

// SetFailWrites makes every subsequent write return an error.
func (m *MockBlockBackend) SetFailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = fail
}

// CallCounts reports how many reads and writes the backend has
// served, for call-count assertions.
func (m *MockBlockBackend) CallCounts() (reads, writes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readCalls, m.writeCalls
}

// Contents returns a copy of the backend's full backing store, for
// tests that want to assert on bytes a write actually landed.
func (m *MockBlockBackend) Contents() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// MockInputSource feeds devices.Event values into a registered input
// device on demand, standing in for a keyboard or mouse driver task
// during tests that exercise the Input_* syscalls.
type MockInputSource struct {
	registry *devices.InputRegistry
	deviceID uint32
}

// NewMockInputSource registers a new input device named name on
// registry and returns a source that can push synthetic events to it.
func NewMockInputSource(registry *devices.InputRegistry, name string) *MockInputSource {
	id := registry.Register(devices.InputInfo{Name: name})
	return &MockInputSource{registry: registry, deviceID: id}
}

// DeviceID returns the registry id tests pass to Input_ReadEvent.
func (s *MockInputSource) DeviceID() uint32 {
	return s.deviceID
}

// Emit pushes ev as if a real driver had just observed it.
func (s *MockInputSource) Emit(ev devices.Event) error {
	return s.registry.PushEvent(s.deviceID, ev)
}

// EmitKey is a convenience wrapper building a key-press Event from a
// keycode and its ASCII rendering.
func (s *MockInputSource) EmitKey(keyCode uint32, ascii byte) error {
	return s.Emit(devices.Event{
		Type:     1,
		DeviceID: s.deviceID,
		KeyCode:  keyCode,
		ASCII:    ascii,
	})
}

// MockBootInfo builds a uapi.BootInfo describing a single usable
// region of sizeBytes starting at 1MiB, the memory map cmd/quantumd
// boots against instead of a real BIOS memory map.
func MockBootInfo(sizeBytes uint64) *uapi.BootInfo {
	return &uapi.BootInfo{
		Regions: []uapi.MemoryRegion{
			{Base: 0x100000, Length: sizeBytes, Type: uapi.MemoryRegionUsable},
		},
	}
}

// MockBootInfoWithBundle is MockBootInfo plus an init-bundle location,
// for tests exercising the boot path that locates the bundle straight
// from BootInfo rather than one passed in by hand.
func MockBootInfoWithBundle(sizeBytes, bundleBase, bundleSize uint64) *uapi.BootInfo {
	info := MockBootInfo(sizeBytes)
	info.InitBundleBase = bundleBase
	info.InitBundleSize = bundleSize
	info.HasInitBundle = true
	return info
}
