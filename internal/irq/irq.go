// Package irq routes simulated hardware interrupts into IPC messages,
// ground truth spec.md §4.6. A hardware IRQ line is "wired" to a port
// by a privileged coordinator task; firing the line (Inject) posts a
// completion on an internal/ring.Ring and the router's dispatch loop
// turns each drained completion into an ipc.Port.Send carrying a
// uapi.IRQMessage, the way the teacher's queue runner turns a
// COMMIT_AND_FETCH_REQ completion into queued I/O work.
package irq

import (
	"sync"
	"time"

	"github.com/quantumos/quantum/internal/ipc"
	"github.com/quantumos/quantum/internal/logging"
	"github.com/quantumos/quantum/internal/ring"
	"github.com/quantumos/quantum/internal/uapi"
)

// NumLines is the number of interrupt lines the router can route,
// matching a legacy IA32 dual-8259 PIC.
const NumLines = 16

// ErrCode enumerates the router's own failure modes, mirrored into
// *quantum.Error by callers that have access to the root package.
type ErrCode int

const (
	ErrNone ErrCode = iota
	ErrBadLine
	ErrAlreadyRouted
	ErrNotPrivileged
)

// RouterError reports a routing failure.
type RouterError struct {
	Op   string
	Code ErrCode
}

func (e *RouterError) Error() string {
	switch e.Code {
	case ErrBadLine:
		return "irq: " + e.Op + ": line out of range"
	case ErrAlreadyRouted:
		return "irq: " + e.Op + ": line already routed"
	case ErrNotPrivileged:
		return "irq: " + e.Op + ": caller is not the coordinator"
	default:
		return "irq: " + e.Op + ": error"
	}
}

type route struct {
	portID      uint32
	replyPortID uint32
	enabled     bool
}

// Router owns the line-to-port bindings and the completion ring IRQ
// delivery is simulated through.
type Router struct {
	mu      sync.Mutex
	routes  [NumLines]*route
	pending [NumLines]uint64
	ring    ring.Ring
	ports   *ipc.Registry
	log     *logging.Logger

	coordinatorTaskID uint32
	dropped           uint64
}

// NewRouter creates a Router backed by its own completion ring, drawn
// from the port registry used to deliver IRQ messages.
func NewRouter(ports *ipc.Registry, coordinatorTaskID uint32, log *logging.Logger) (*Router, error) {
	r, err := ring.NewRing(ring.Config{Entries: NumLines * 4})
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Default()
	}
	return &Router{ring: r, ports: ports, log: log, coordinatorTaskID: coordinatorTaskID}, nil
}

// Register binds line to portID; only the coordinator task may call
// this.
func (r *Router) Register(line uint8, portID uint32, by uint32) error {
	if by != r.coordinatorTaskID {
		return &RouterError{Op: "Register", Code: ErrNotPrivileged}
	}
	if int(line) >= NumLines {
		return &RouterError{Op: "Register", Code: ErrBadLine}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.routes[line] != nil {
		return &RouterError{Op: "Register", Code: ErrAlreadyRouted}
	}
	r.routes[line] = &route{portID: portID, enabled: true}
	return nil
}

// Enable/Disable toggle delivery for an already-registered line
// without tearing down the binding.
func (r *Router) Enable(line uint8) {
	r.setEnabled(line, true)
}

func (r *Router) Disable(line uint8) {
	r.setEnabled(line, false)
}

func (r *Router) setEnabled(line uint8, enabled bool) {
	if int(line) >= NumLines {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt := r.routes[line]; rt != nil {
		rt.enabled = enabled
	}
}

// Inject simulates hardware line firing: it posts a completion to the
// ring, which Dispatch later turns into an IPC send. Never
// blocks or panics; an unrouted or disabled line is a silent no-op
// (as a real PIC would just never signal the CPU for a masked line).
func (r *Router) Inject(line uint8) {
	if int(line) >= NumLines {
		return
	}

	r.mu.Lock()
	r.pending[line]++
	rt := r.routes[line]
	r.mu.Unlock()

	if rt == nil || !rt.enabled {
		return
	}

	if err := r.ring.Submit(uint64(line), 0); err != nil {
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.log.Warn("irq: ring submit failed, dropping", "line", line, "error", err)
	}
}

// Dispatch drains one completion from the ring (if any, within
// timeout) and delivers it to the routed port as a uapi.IRQMessage.
// A timeout of zero or less polls without waiting. Returns false if
// no completion was available.
func (r *Router) Dispatch(timeout time.Duration) bool {
	var c ring.Completion
	if timeout <= 0 {
		var ok bool
		if c, ok = r.ring.TryCQE(); !ok {
			return false
		}
	} else {
		var err error
		if c, err = r.ring.WaitCQE(timeout); err != nil {
			return false
		}
	}
	if c == (ring.Completion{}) {
		return false
	}

	line := uint8(c.UserData)
	if int(line) >= NumLines {
		return true
	}

	r.mu.Lock()
	rt := r.routes[line]
	r.mu.Unlock()
	if rt == nil {
		return true
	}

	port, ok := r.ports.OpenPort(rt.portID)
	if !ok {
		return true
	}

	msg := uapi.IRQMessage{
		Op:          uapi.IRQMessageOp,
		PortID:      rt.portID,
		ReplyPortID: rt.replyPortID,
		IRQLine:     line,
	}
	payload := uapi.MarshalIRQMessage(&msg)

	if err := port.Send(0, payload, nil); err != nil {
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.log.Warn("irq: delivery dropped, port full", "line", line, "port", rt.portID, "error", err)
	}
	return true
}

// PendingCount reports how many times a line has fired, for
// diagnostics and tests.
func (r *Router) PendingCount(line uint8) uint64 {
	if int(line) >= NumLines {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[line]
}

// Dropped reports how many IRQ deliveries were lost to a full ring or
// a full destination port.
func (r *Router) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close releases the router's underlying ring.
func (r *Router) Close() error {
	return r.ring.Close()
}
