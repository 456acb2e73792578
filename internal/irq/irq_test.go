package irq

import (
	"testing"
	"time"

	"github.com/quantumos/quantum/internal/ipc"
	"github.com/quantumos/quantum/internal/uapi"
	"github.com/stretchr/testify/require"
)

const coordinator = uint32(1)

func TestRegisterRejectsNonCoordinator(t *testing.T) {
	ports := ipc.NewRegistry()
	r, err := NewRouter(ports, coordinator, nil)
	require.NoError(t, err)
	defer r.Close()

	err = r.Register(1, 5, 99)
	require.Error(t, err)
	require.Equal(t, ErrNotPrivileged, err.(*RouterError).Code)
}

func TestRegisterRejectsBadLine(t *testing.T) {
	ports := ipc.NewRegistry()
	r, err := NewRouter(ports, coordinator, nil)
	require.NoError(t, err)
	defer r.Close()

	err = r.Register(200, 5, coordinator)
	require.Error(t, err)
	require.Equal(t, ErrBadLine, err.(*RouterError).Code)
}

func TestRegisterTwiceOnSameLineFails(t *testing.T) {
	ports := ipc.NewRegistry()
	r, err := NewRouter(ports, coordinator, nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Register(3, 5, coordinator))
	err = r.Register(3, 6, coordinator)
	require.Error(t, err)
	require.Equal(t, ErrAlreadyRouted, err.(*RouterError).Code)
}

func TestInjectOnUnroutedLineIsNoOp(t *testing.T) {
	ports := ipc.NewRegistry()
	r, err := NewRouter(ports, coordinator, nil)
	require.NoError(t, err)
	defer r.Close()

	r.Inject(4)
	require.False(t, r.Dispatch(10*time.Millisecond))
	require.Equal(t, uint64(1), r.PendingCount(4))
}

func TestInjectDeliversIRQMessageToRoutedPort(t *testing.T) {
	ports := ipc.NewRegistry()
	port := ports.CreatePort(0)
	r, err := NewRouter(ports, coordinator, nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Register(5, port.ID(), coordinator))
	r.Inject(5)

	require.True(t, r.Dispatch(time.Second))
	msg, ok := port.TryReceive()
	require.True(t, ok)

	parsed, err := uapi.UnmarshalIRQMessage(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, uint8(5), parsed.IRQLine)
	require.Equal(t, port.ID(), parsed.PortID)
}

func TestDisabledLineDoesNotDeliver(t *testing.T) {
	ports := ipc.NewRegistry()
	port := ports.CreatePort(0)
	r, err := NewRouter(ports, coordinator, nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Register(6, port.ID(), coordinator))
	r.Disable(6)
	r.Inject(6)

	require.False(t, r.Dispatch(10*time.Millisecond))
	_, ok := port.TryReceive()
	require.False(t, ok)
}

func TestReEnabledLineResumesDelivery(t *testing.T) {
	ports := ipc.NewRegistry()
	port := ports.CreatePort(0)
	r, err := NewRouter(ports, coordinator, nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Register(7, port.ID(), coordinator))
	r.Disable(7)
	r.Inject(7)
	r.Enable(7)
	r.Inject(7)

	require.True(t, r.Dispatch(time.Second))
	_, ok := port.TryReceive()
	require.True(t, ok)
}

func TestFullDestinationPortIncrementsDropped(t *testing.T) {
	ports := ipc.NewRegistry()
	port := ports.CreatePort(1)
	r, err := NewRouter(ports, coordinator, nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Register(8, port.ID(), coordinator))
	require.NoError(t, port.Send(0, []byte("fill"), nil))

	r.Inject(8)
	require.True(t, r.Dispatch(time.Second))
	require.Equal(t, uint64(1), r.Dropped())
}
