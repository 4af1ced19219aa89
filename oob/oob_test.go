package oob

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

func exerciseWorld(t *testing.T, comms []Comm) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Every rank sends its rank number to rank 0 with tag 123; rank 0 answers.
	var wg sync.WaitGroup
	errs := make(chan error, len(comms))
	for _, c := range comms {
		wg.Add(1)
		go func(c Comm) {
			defer wg.Done()
			if c.Rank() == 0 {
				for r := 1; r < c.Size(); r++ {
					p, err := c.Recv(ctx, r, 123)
					if err != nil {
						errs <- err
						return
					}
					if len(p) != 1 || int(p[0]) != r {
						errs <- errors.New("payload mismatch")
						return
					}
					if err := c.Send(ctx, r, 124, []byte{p[0] * 2}); err != nil {
						errs <- err
						return
					}
				}
			} else {
				if err := c.Send(ctx, 0, 123, []byte{byte(c.Rank())}); err != nil {
					errs <- err
					return
				}
				p, err := c.Recv(ctx, 0, 124)
				if err != nil {
					errs <- err
					return
				}
				if int(p[0]) != c.Rank()*2 {
					errs <- errors.New("reply mismatch")
					return
				}
			}
			if err := c.Barrier(ctx); err != nil {
				errs <- err
			}
		}(c)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("world exchange failed: %v", err)
	}
}

func TestLocalWorldExchange(t *testing.T) {
	comms := NewLocalWorld(3)
	defer func() {
		for _, c := range comms {
			_ = c.Close()
		}
	}()
	exerciseWorld(t, comms)
}

func TestLocalWorldOrderingPerTag(t *testing.T) {
	comms := NewLocalWorld(2)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := comms[1].Send(ctx, 0, 7, []byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := comms[1].Send(ctx, 0, 8, []byte("other")); err != nil {
		t.Fatalf("send other tag: %v", err)
	}
	p, err := comms[0].Recv(ctx, 1, 8)
	if err != nil || string(p) != "other" {
		t.Fatalf("expected tag-matched receive, got %q, %v", p, err)
	}
	for i := 0; i < 10; i++ {
		p, err := comms[0].Recv(ctx, 1, 7)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if int(p[0]) != i {
			t.Fatalf("out of order: want %d got %d", i, p[0])
		}
	}
}

func TestLocalWorldSendCopiesPayload(t *testing.T) {
	comms := NewLocalWorld(2)
	buf := []byte("abc")
	if err := comms[0].Send(context.Background(), 1, 1, buf); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf[0] = 'x'
	p, err := comms[1].Recv(context.Background(), 0, 1)
	if err != nil || string(p) != "abc" {
		t.Fatalf("expected copied payload, got %q, %v", p, err)
	}
}

func TestLocalWorldErrors(t *testing.T) {
	comms := NewLocalWorld(2)
	if err := comms[0].Send(context.Background(), 5, 0, nil); !errors.Is(err, ErrInvalidRank) {
		t.Fatalf("expected ErrInvalidRank, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := comms[0].Recv(ctx, 1, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	_ = comms[0].Close()
	if err := comms[0].Send(context.Background(), 1, 0, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := comms[1].Send(context.Background(), 0, 0, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed delivering to closed rank, got %v", err)
	}
}

func TestTCPWorldExchange(t *testing.T) {
	const size = 3
	listeners := make([]net.Listener, size)
	addrs := make([]string, size)
	for i := range listeners {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Skipf("tcp listen unavailable: %v", err)
		}
		listeners[i] = ln
		addrs[i] = ln.Addr().String()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	comms := make([]Comm, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			comms[rank], errs[rank] = NewTCP(ctx, TCPConfig{Rank: rank, Addrs: addrs, Listener: listeners[rank]})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d join failed: %v", i, err)
		}
	}
	defer func() {
		for _, c := range comms {
			_ = c.Close()
		}
	}()

	exerciseWorld(t, comms)

	big := make([]byte, 1<<20)
	for i := range big {
		big[i] = byte(i)
	}
	if err := comms[2].Send(ctx, 1, 9, big); err != nil {
		t.Fatalf("large send: %v", err)
	}
	got, err := comms[1].Recv(ctx, 2, 9)
	if err != nil {
		t.Fatalf("large recv: %v", err)
	}
	if len(got) != len(big) || got[12345] != big[12345] {
		t.Fatalf("large payload corrupted")
	}

	if err := comms[0].Send(ctx, 0, 3, []byte("self")); err != nil {
		t.Fatalf("self send: %v", err)
	}
	if p, err := comms[0].Recv(ctx, 0, 3); err != nil || string(p) != "self" {
		t.Fatalf("self recv: %q, %v", p, err)
	}
}

func TestNewTCPRejectsBadRank(t *testing.T) {
	_, err := NewTCP(context.Background(), TCPConfig{Rank: 2, Addrs: []string{"127.0.0.1:0"}})
	if !errors.Is(err, ErrInvalidRank) {
		t.Fatalf("expected ErrInvalidRank, got %v", err)
	}
}
