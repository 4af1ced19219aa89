package oob

import (
	"context"
	"sync/atomic"
)

type localWorld struct {
	boxes []*mailbox
}

type localComm struct {
	world  *localWorld
	rank   int
	closed atomic.Bool
}

// NewLocalWorld returns size communicators connected in process.
func NewLocalWorld(size int) []Comm {
	w := &localWorld{boxes: make([]*mailbox, size)}
	comms := make([]Comm, size)
	for i := range comms {
		w.boxes[i] = newMailbox()
		comms[i] = &localComm{world: w, rank: i}
	}
	return comms
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return len(c.world.boxes) }

func (c *localComm) Send(ctx context.Context, to, tag int, p []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := checkRank(c, to); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return c.world.boxes[to].deliver(ctx, c.rank, tag, append([]byte(nil), p...))
}

func (c *localComm) Recv(ctx context.Context, from, tag int) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkRank(c, from); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return c.world.boxes[c.rank].take(ctx, from, tag)
}

func (c *localComm) Barrier(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return barrier(ctx, c)
}

func (c *localComm) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.world.boxes[c.rank].close()
	}
	return nil
}
