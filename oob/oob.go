// Package oob is the out-of-band collective runtime used to bootstrap RDMA
// connections: ranked point-to-point messages matched by (source, tag) and a
// barrier across the world.
package oob

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed communicator.
	ErrClosed = errors.New("oob: communicator closed")
	// ErrInvalidRank is returned when a peer rank is outside the world.
	ErrInvalidRank = errors.New("oob: invalid rank")
)

// TagBarrier is reserved for Barrier traffic.
const TagBarrier = -1

// Comm is one rank's view of the world. Messages between a pair of ranks
// with the same tag are delivered in order.
type Comm interface {
	Rank() int
	Size() int
	Send(ctx context.Context, to, tag int, p []byte) error
	Recv(ctx context.Context, from, tag int) ([]byte, error)
	Barrier(ctx context.Context) error
	Close() error
}

func checkRank(c Comm, r int) error {
	if r < 0 || r >= c.Size() {
		return fmt.Errorf("%w: %d (world size %d)", ErrInvalidRank, r, c.Size())
	}
	return nil
}

// barrier gathers a token from every rank at rank 0 and releases them all.
func barrier(ctx context.Context, c Comm) error {
	if c.Size() <= 1 {
		return nil
	}
	if c.Rank() != 0 {
		if err := c.Send(ctx, 0, TagBarrier, nil); err != nil {
			return err
		}
		_, err := c.Recv(ctx, 0, TagBarrier)
		return err
	}
	for r := 1; r < c.Size(); r++ {
		if _, err := c.Recv(ctx, r, TagBarrier); err != nil {
			return err
		}
	}
	for r := 1; r < c.Size(); r++ {
		if err := c.Send(ctx, r, TagBarrier, nil); err != nil {
			return err
		}
	}
	return nil
}
