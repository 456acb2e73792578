package ring

import (
	"sync"
	"time"
)

// channelRing is the default, dependency-free Ring: a bounded channel
// of completions. It gives irq.Router the same
// submit/drain discipline a real io_uring completion queue would,
// without requiring Linux's io_uring syscalls to be present, the way
// the teacher falls back to NewMinimalRing rather than failing outright
// when giouring isn't built in.
type channelRing struct {
	mu     sync.Mutex
	closed bool
	cq     chan Completion
}

func newChannelRing(entries uint32) *channelRing {
	if entries == 0 {
		entries = 64
	}
	return &channelRing{cq: make(chan Completion, entries)}
}

func (r *channelRing) Submit(userData uint64, res int32) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case r.cq <- Completion{UserData: userData, Res: res}:
		return nil
	default:
		return ErrRingFull
	}
}

func (r *channelRing) WaitCQE(timeout time.Duration) (Completion, error) {
	if timeout <= 0 {
		c, ok := <-r.cq
		if !ok {
			return Completion{}, ErrClosed
		}
		return c, nil
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c, ok := <-r.cq:
		if !ok {
			return Completion{}, ErrClosed
		}
		return c, nil
	case <-t.C:
		return Completion{}, nil
	}
}

func (r *channelRing) TryCQE() (Completion, bool) {
	select {
	case c, ok := <-r.cq:
		if !ok {
			return Completion{}, false
		}
		return c, true
	default:
		return Completion{}, false
	}
}

func (r *channelRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.cq)
	return nil
}
