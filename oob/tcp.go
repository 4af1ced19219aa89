package oob

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// frameHeaderSize is the length (4 bytes) followed by the tag (4 bytes).
const frameHeaderSize = 8

// MaxFrameSize bounds a single payload on the wire.
const MaxFrameSize = 64 << 20

// TCPConfig describes one rank of a TCP world.
type TCPConfig struct {
	Rank int
	// Addrs lists the listen address of every rank, indexed by rank.
	Addrs []string
	// Listener, if set, is used instead of listening on Addrs[Rank].
	Listener net.Listener
	// RetryInterval spaces dial attempts to lower ranks. Defaults to 50ms.
	RetryInterval time.Duration
}

type tcpPeer struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (p *tcpPeer) writeFrame(tag int, payload []byte) error {
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(int32(tag)))

	p.wmu.Lock()
	defer p.wmu.Unlock()
	if _, err := p.conn.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := p.conn.Write(payload)
	return err
}

func readFrame(r io.Reader) (int, []byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(hdr[0:4])
	tag := int(int32(binary.BigEndian.Uint32(hdr[4:8])))
	if size > MaxFrameSize {
		return 0, nil, fmt.Errorf("oob: frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return tag, payload, nil
}

type tcpComm struct {
	rank   int
	size   int
	ln     net.Listener
	peers  []*tcpPeer
	inbox  *mailbox
	closed atomic.Bool
	wg     sync.WaitGroup
}

const tagHello = -2

// NewTCP joins a fully connected TCP world. Each rank dials every lower rank
// and accepts from every higher rank; the call returns once all links are up.
func NewTCP(ctx context.Context, cfg TCPConfig) (Comm, error) {
	size := len(cfg.Addrs)
	if cfg.Rank < 0 || cfg.Rank >= size {
		return nil, fmt.Errorf("%w: %d (world size %d)", ErrInvalidRank, cfg.Rank, size)
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	ln := cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.Addrs[cfg.Rank])
		if err != nil {
			return nil, fmt.Errorf("oob: listen %s: %w", cfg.Addrs[cfg.Rank], err)
		}
	}

	c := &tcpComm{
		rank:  cfg.Rank,
		size:  size,
		ln:    ln,
		peers: make([]*tcpPeer, size),
		inbox: newMailbox(),
	}

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for accepted := 0; accepted < size-1-cfg.Rank; accepted++ {
			conn, err := ln.Accept()
			if err != nil {
				fail(fmt.Errorf("oob: accept: %w", err))
				return
			}
			tag, payload, err := readFrame(conn)
			if err != nil || tag != tagHello || len(payload) != 4 {
				_ = conn.Close()
				fail(fmt.Errorf("oob: bad hello from %s", conn.RemoteAddr()))
				return
			}
			from := int(binary.BigEndian.Uint32(payload))
			if from <= cfg.Rank || from >= size {
				_ = conn.Close()
				fail(fmt.Errorf("%w: hello from %d", ErrInvalidRank, from))
				return
			}
			mu.Lock()
			c.peers[from] = &tcpPeer{conn: conn}
			mu.Unlock()
		}
	}()

	for to := 0; to < cfg.Rank; to++ {
		conn, err := dialRetry(ctx, cfg.Addrs[to], cfg.RetryInterval)
		if err != nil {
			fail(err)
			break
		}
		p := &tcpPeer{conn: conn}
		hello := make([]byte, 4)
		binary.BigEndian.PutUint32(hello, uint32(cfg.Rank))
		if err := p.writeFrame(tagHello, hello); err != nil {
			_ = conn.Close()
			fail(fmt.Errorf("oob: hello to %d: %w", to, err))
			break
		}
		mu.Lock()
		c.peers[to] = p
		mu.Unlock()
	}

	mu.Lock()
	dialErr := firstErr
	mu.Unlock()
	if dialErr != nil {
		_ = ln.Close()
	}

	acceptDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(acceptDone)
	}()
	select {
	case <-acceptDone:
	case <-ctx.Done():
		fail(ctx.Err())
		_ = ln.Close()
		<-acceptDone
	}

	if firstErr != nil {
		_ = c.Close()
		return nil, firstErr
	}
	for from, p := range c.peers {
		if p == nil {
			continue
		}
		c.wg.Add(1)
		go c.readLoop(from, p)
	}
	return c, nil
}

func dialRetry(ctx context.Context, addr string, interval time.Duration) (net.Conn, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("oob: dial %s: %w", addr, errors.Join(ctx.Err(), err))
		case <-time.After(interval):
		}
	}
}

func (c *tcpComm) readLoop(from int, p *tcpPeer) {
	defer c.wg.Done()
	for {
		tag, payload, err := readFrame(p.conn)
		if err != nil {
			return
		}
		if err := c.inbox.deliver(context.Background(), from, tag, payload); err != nil {
			return
		}
	}
}

func (c *tcpComm) Rank() int { return c.rank }
func (c *tcpComm) Size() int { return c.size }

func (c *tcpComm) Send(ctx context.Context, to, tag int, p []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := checkRank(c, to); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if to == c.rank {
		return c.inbox.deliver(ctx, c.rank, tag, append([]byte(nil), p...))
	}
	if len(p) > MaxFrameSize {
		return fmt.Errorf("oob: payload of %d bytes exceeds limit", len(p))
	}
	peer := c.peers[to]
	if deadline, ok := ctx.Deadline(); ok {
		_ = peer.conn.SetWriteDeadline(deadline)
		defer peer.conn.SetWriteDeadline(time.Time{})
	}
	if err := peer.writeFrame(tag, p); err != nil {
		return fmt.Errorf("oob: send to %d: %w", to, err)
	}
	return nil
}

func (c *tcpComm) Recv(ctx context.Context, from, tag int) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkRank(c, from); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return c.inbox.take(ctx, from, tag)
}

func (c *tcpComm) Barrier(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return barrier(ctx, c)
}

func (c *tcpComm) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.inbox.close()
	err := c.ln.Close()
	for _, p := range c.peers {
		if p != nil {
			_ = p.conn.Close()
		}
	}
	c.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}
