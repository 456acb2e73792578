//go:build giouring
// +build giouring

// Package ring: giouring-backed implementation, built with -tags
// giouring. Ported from the teacher's iouring.go, which wraps
// iceber/iouring-go's PrepRequest/SubmitRequest around URING_CMD SQEs
// for ublk control/IO commands; here each Submit posts an IORING_OP_NOP
// SQE carrying the caller's token as user data, since the ring's only
// job is to carry a completion token through a real io_uring queue,
// not perform I/O against a device fd.
package ring

import (
	"fmt"
	"time"

	"github.com/pawelgaczynski/giouring"
)

// giouRing differs from channelRing in two ways: WaitCQE ignores its
// timeout and blocks until a completion arrives, and Submit does not
// carry res through (every completion reports the NOP's own result).
type giouRing struct {
	ring *giouring.Ring
}

// NewRealRing creates a giouring-backed Ring with the given queue
// depth.
func NewRealRing(config Config) (Ring, error) {
	entries := config.Entries
	if entries == 0 {
		entries = 64
	}
	r, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("ring: giouring.CreateRing: %w", err)
	}
	return &giouRing{ring: r}, nil
}

func (g *giouRing) Submit(userData uint64, res int32) error {
	sqe := g.ring.GetSQE()
	if sqe == nil {
		return ErrRingFull
	}
	sqe.PrepNop()
	sqe.UserData = userData
	_, err := g.ring.Submit()
	if err != nil {
		return fmt.Errorf("ring: submit: %w", err)
	}
	return nil
}

func (g *giouRing) WaitCQE(timeout time.Duration) (Completion, error) {
	cqe, err := g.ring.WaitCQE()
	if err != nil {
		return Completion{}, fmt.Errorf("ring: wait cqe: %w", err)
	}
	c := Completion{UserData: cqe.UserData, Res: cqe.Res}
	g.ring.SeenCQE(cqe)
	return c, nil
}

func (g *giouRing) TryCQE() (Completion, bool) {
	cqe, err := g.ring.PeekCQE()
	if err != nil || cqe == nil {
		return Completion{}, false
	}
	c := Completion{UserData: cqe.UserData, Res: cqe.Res}
	g.ring.SeenCQE(cqe)
	return c, true
}

func (g *giouRing) Close() error {
	g.ring.QueueExit()
	return nil
}
