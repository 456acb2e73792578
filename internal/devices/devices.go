// Package devices implements the block and input device registries
// and the coordinator-facing broker, ground truth spec.md §4.7. It
// plays the role the teacher splits across Device/DeviceParams and
// interfaces.Backend: a registry entry owns either an in-kernel
// callback backend or a handle bound to a user-space driver port, the
// same choice the teacher's ublk Device makes between a loopback
// backend and a real block file.
package devices

import (
	"sync"
	"time"

	"github.com/quantumos/quantum/internal/hostio"
	"github.com/quantumos/quantum/internal/ipc"
	"github.com/quantumos/quantum/internal/logging"
	"github.com/quantumos/quantum/internal/vmm"
)

// DeviceType enumerates the kinds of block device the registry can
// hold.
type DeviceType int

const (
	DeviceTypeDisk DeviceType = iota
	DeviceTypeCDROM
	DeviceTypeRAMDisk
)

// DeviceFlags is a bitmask of per-device capability flags.
type DeviceFlags uint32

const (
	DeviceFlagReadOnly DeviceFlags = 1 << iota
	DeviceFlagRemovable
)

// BlockInfo describes a block device's fixed geometry.
type BlockInfo struct {
	Type        DeviceType
	SectorSize  uint32
	SectorCount uint64
	Flags       DeviceFlags
	Index       uint32
}

// DeviceBackend is the tagged variant standing in for the REDESIGN
// FLAG's "function-pointer callback + optional IPC binding" shape:
// exactly one of InKernelBackend or BoundBackend at a time.
type DeviceBackend interface {
	isDeviceBackend()
}

// InKernelBackend serves reads/writes directly through Go closures,
// the role the teacher's loopback/mem backend plays for testing.
type InKernelBackend struct {
	ReadFn  func(lba uint64, count uint32) ([]byte, error)
	WriteFn func(lba uint64, data []byte) error
}

func (InKernelBackend) isDeviceBackend() {}

// BoundBackend forwards reads/writes over IPC to a user-space driver
// task that owns PortID, the role a queue.Runner plays against a real
// ublk character device.
type BoundBackend struct {
	PortID uint32
}

func (BoundBackend) isDeviceBackend() {}

// BlockDevice is one registered block device.
type BlockDevice struct {
	ID      uint32
	Info    BlockInfo
	Backend DeviceBackend
	Ready   bool
}

// BlockRequest names one read or write.
type BlockRequest struct {
	DeviceID uint32
	LBA      uint64
	Count    uint32
	Data     []byte // write payload; nil for reads
}

// BlockRegistry owns every registered block device plus the DMA
// window backend drivers bounce transfer buffers through.
type BlockRegistry struct {
	mu       sync.Mutex
	devices  map[uint32]*BlockDevice
	nextID   uint32
	ports    *ipc.Registry
	replyTTL time.Duration
	dma      *hostio.DMAWindow
	log      *logging.Logger
}

// NewBlockRegistry creates an empty registry backed by a DMA window
// of dmaWindowBytes bytes and the kernel's shared IPC port registry.
func NewBlockRegistry(ports *ipc.Registry, dmaWindowBytes int, log *logging.Logger) (*BlockRegistry, error) {
	dma, err := hostio.NewDMAWindow(dmaWindowBytes, vmm.PageSize, 64*1024)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Default()
	}
	return &BlockRegistry{
		devices:  make(map[uint32]*BlockDevice),
		ports:    ports,
		replyTTL: 500 * time.Millisecond,
		dma:      dma,
		log:      log,
	}, nil
}

// ErrCode enumerates block registry failure modes.
type ErrCode int

const (
	ErrNone ErrCode = iota
	ErrNotFound
	ErrReadOnly
	ErrOutOfRange
	ErrBadRequest
	ErrTimeout
)

// BlockError reports a block registry operation failure.
type BlockError struct {
	Op   string
	Code ErrCode
}

func (e *BlockError) Error() string {
	switch e.Code {
	case ErrNotFound:
		return "devices: " + e.Op + ": device not found"
	case ErrReadOnly:
		return "devices: " + e.Op + ": device is read-only"
	case ErrOutOfRange:
		return "devices: " + e.Op + ": request out of range"
	case ErrBadRequest:
		return "devices: " + e.Op + ": bad request"
	case ErrTimeout:
		return "devices: " + e.Op + ": reply timeout"
	default:
		return "devices: " + e.Op + ": error"
	}
}

// Register adds a new device with no backend bound yet (Ready=false).
func (r *BlockRegistry) Register(info BlockInfo) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.devices[id] = &BlockDevice{ID: id, Info: info, Ready: false}
	return id
}

// Bind attaches an in-kernel or user-space backend and marks the
// device ready for I/O.
func (r *BlockRegistry) Bind(id uint32, backend DeviceBackend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return &BlockError{Op: "Bind", Code: ErrNotFound}
	}
	d.Backend = backend
	d.Ready = true
	return nil
}

// Count returns how many block devices are registered, ready or not.
func (r *BlockRegistry) Count() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint32(len(r.devices))
}

// Info returns a registered device's metadata regardless of readiness.
func (r *BlockRegistry) Info(id uint32) (BlockInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return BlockInfo{}, &BlockError{Op: "Info", Code: ErrNotFound}
	}
	return d.Info, nil
}

// UpdateInfo replaces a registered device's metadata, e.g. after a
// removable medium change reports a new sector count.
func (r *BlockRegistry) UpdateInfo(id uint32, info BlockInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return &BlockError{Op: "UpdateInfo", Code: ErrNotFound}
	}
	d.Info = info
	return nil
}

func (r *BlockRegistry) get(id uint32) (*BlockDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok || !d.Ready {
		return nil, &BlockError{Op: "lookup", Code: ErrNotFound}
	}
	return d, nil
}

func validateRange(d *BlockDevice, lba uint64, count uint32) error {
	if count == 0 {
		return &BlockError{Op: "validate", Code: ErrBadRequest}
	}
	if lba+uint64(count) > d.Info.SectorCount {
		return &BlockError{Op: "validate", Code: ErrOutOfRange}
	}
	return nil
}

// Read dispatches a read to the device's backend. A zero-count read
// is a no-op that succeeds without touching the backend.
func (r *BlockRegistry) Read(req BlockRequest) ([]byte, error) {
	if req.Count == 0 {
		return nil, nil
	}
	d, err := r.get(req.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := validateRange(d, req.LBA, req.Count); err != nil {
		return nil, err
	}

	switch b := d.Backend.(type) {
	case InKernelBackend:
		return b.ReadFn(req.LBA, req.Count)
	case BoundBackend:
		return r.boundRead(d, b, req)
	default:
		return nil, &BlockError{Op: "Read", Code: ErrBadRequest}
	}
}

// Write dispatches a write to the device's backend. A zero-count
// write is a no-op that succeeds without touching the backend.
func (r *BlockRegistry) Write(req BlockRequest) error {
	if req.Count == 0 {
		return nil
	}
	d, err := r.get(req.DeviceID)
	if err != nil {
		return err
	}
	if d.Info.Flags&DeviceFlagReadOnly != 0 {
		return &BlockError{Op: "Write", Code: ErrReadOnly}
	}
	if err := validateRange(d, req.LBA, req.Count); err != nil {
		return err
	}
	if req.Data == nil {
		return &BlockError{Op: "Write", Code: ErrBadRequest}
	}

	switch b := d.Backend.(type) {
	case InKernelBackend:
		return b.WriteFn(req.LBA, req.Data)
	case BoundBackend:
		return r.boundWrite(d, b, req)
	default:
		return &BlockError{Op: "Write", Code: ErrBadRequest}
	}
}

// boundRequest is the wire shape sent to a bound driver over IPC.
type boundRequest struct {
	write bool
	lba   uint64
	count uint32
	data  []byte
}

func (r *BlockRegistry) boundRead(d *BlockDevice, b BoundBackend, req BlockRequest) ([]byte, error) {
	port, ok := r.ports.OpenPort(b.PortID)
	if !ok {
		return nil, &BlockError{Op: "Read", Code: ErrNotFound}
	}
	reply := r.ports.CreatePort(1)
	defer r.ports.DestroyPort(reply.ID())

	payload := encodeBoundRequest(boundRequest{write: false, lba: req.LBA, count: req.Count})
	if err := port.Send(reply.ID(), payload, nil); err != nil {
		return nil, &BlockError{Op: "Read", Code: ErrBadRequest}
	}

	msg, err := reply.ReceiveWithDeadline(r.replyTTL)
	if err != nil {
		return nil, &BlockError{Op: "Read", Code: ErrTimeout}
	}
	return msg.Payload, nil
}

func (r *BlockRegistry) boundWrite(d *BlockDevice, b BoundBackend, req BlockRequest) error {
	port, ok := r.ports.OpenPort(b.PortID)
	if !ok {
		return &BlockError{Op: "Write", Code: ErrNotFound}
	}
	reply := r.ports.CreatePort(1)
	defer r.ports.DestroyPort(reply.ID())

	payload := encodeBoundRequest(boundRequest{write: true, lba: req.LBA, count: req.Count, data: req.Data})
	if err := port.Send(reply.ID(), payload, nil); err != nil {
		return &BlockError{Op: "Write", Code: ErrBadRequest}
	}

	_, err := reply.ReceiveWithDeadline(r.replyTTL)
	if err != nil {
		return &BlockError{Op: "Write", Code: ErrTimeout}
	}
	return nil
}

// AllocateDMABuffer reserves a page-granular, boundary-safe transfer
// buffer bound drivers can bounce read/write payloads through.
func (r *BlockRegistry) AllocateDMABuffer(size uint32) (hostio.DMABuffer, error) {
	return r.dma.Allocate(size)
}

// FreeDMABuffer releases a buffer obtained from AllocateDMABuffer.
func (r *BlockRegistry) FreeDMABuffer(buf hostio.DMABuffer) {
	r.dma.Free(buf)
}

// Close releases the registry's DMA window.
func (r *BlockRegistry) Close() error {
	return r.dma.Close()
}

// encodeBoundRequest is a tiny ad-hoc wire format for the host
// simulation's bound-backend round trip: 1 byte write flag, 8 byte
// LBA, 4 byte count, remaining bytes the write payload (if any).
func encodeBoundRequest(req boundRequest) []byte {
	buf := make([]byte, 13+len(req.data))
	if req.write {
		buf[0] = 1
	}
	putUint64(buf[1:9], req.lba)
	putUint32(buf[9:13], req.count)
	copy(buf[13:], req.data)
	return buf
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putUint32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// Event is one input event, mirroring spec.md's input device shape.
type Event struct {
	Type      uint32
	DeviceID  uint32
	KeyCode   uint32
	Modifiers uint32
	ASCII     byte
	Unicode   rune
}

// InputInfo describes a registered input device.
type InputInfo struct {
	Name  string
	Index uint32
}

// InputDevice is one registered input source with its pending event
// ring. It has no wait queue for blocked readers: ReadEvent returns
// at once and ReadEventTimeout polls the ring until its deadline.
type InputDevice struct {
	ID    uint32
	Info  InputInfo
	mu    sync.Mutex
	ring  []Event
	limit int
}

// InputRegistry owns every registered input device.
type InputRegistry struct {
	mu      sync.Mutex
	devices map[uint32]*InputDevice
	nextID  uint32
}

// NewInputRegistry creates an empty input registry.
func NewInputRegistry() *InputRegistry {
	return &InputRegistry{devices: make(map[uint32]*InputDevice)}
}

const inputRingLimit = 64

// Count returns how many input devices are registered.
func (r *InputRegistry) Count() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint32(len(r.devices))
}

// Register adds a new input device with an empty event ring.
func (r *InputRegistry) Register(info InputInfo) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.devices[id] = &InputDevice{ID: id, Info: info, limit: inputRingLimit}
	return id
}

// PushEvent appends ev to the device's ring, dropping the oldest event
// if the ring is full (never blocks the producer).
func (r *InputRegistry) PushEvent(id uint32, ev Event) error {
	r.mu.Lock()
	d, ok := r.devices[id]
	r.mu.Unlock()
	if !ok {
		return &BlockError{Op: "PushEvent", Code: ErrNotFound}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.ring) >= d.limit {
		d.ring = d.ring[1:]
	}
	d.ring = append(d.ring, ev)
	return nil
}

// ReadEvent returns and removes the oldest pending event, if any.
func (r *InputRegistry) ReadEvent(id uint32) (Event, bool) {
	r.mu.Lock()
	d, ok := r.devices[id]
	r.mu.Unlock()
	if !ok {
		return Event{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.ring) == 0 {
		return Event{}, false
	}
	ev := d.ring[0]
	d.ring = d.ring[1:]
	return ev, true
}

// ReadEventTimeout polls for up to timeout for an event to arrive.
func (r *InputRegistry) ReadEventTimeout(id uint32, timeout time.Duration) (Event, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if ev, ok := r.ReadEvent(id); ok {
			return ev, true
		}
		if time.Now().After(deadline) {
			return Event{}, false
		}
		time.Sleep(time.Millisecond)
	}
}

// Broker is the coordinator-owned lookup service that hands other
// tasks a handle to a named device. Only naming is restricted to the
// coordinator; RequestHandle does not check the requesting task.
type Broker struct {
	mu            sync.Mutex
	blocks        *BlockRegistry
	names         map[string]uint32
	ports         *ipc.Registry
	coordinatorID uint32
}

// NewBroker creates a Broker over an existing BlockRegistry.
func NewBroker(blocks *BlockRegistry, ports *ipc.Registry, coordinatorID uint32) *Broker {
	return &Broker{blocks: blocks, names: make(map[string]uint32), ports: ports, coordinatorID: coordinatorID}
}

// NameDevice associates name with an already-registered block device
// id, coordinator-only.
func (b *Broker) NameDevice(by uint32, name string, deviceID uint32) error {
	if by != b.coordinatorID {
		return &BlockError{Op: "NameDevice", Code: ErrBadRequest}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.names[name] = deviceID
	return nil
}

// RequestHandle resolves name to a device and returns a read/write
// capable handle over it to any caller; by is not consulted.
func (b *Broker) RequestHandle(by uint32, name string) (ipc.Handle, error) {
	b.mu.Lock()
	id, ok := b.names[name]
	b.mu.Unlock()
	if !ok {
		return ipc.Handle{}, &BlockError{Op: "RequestHandle", Code: ErrNotFound}
	}
	return ipc.Handle{ObjectID: id, Rights: ipc.RightRead | ipc.RightWrite}, nil
}
