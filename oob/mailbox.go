package oob

import (
	"context"
	"sync"
)

type mailboxKey struct {
	from int
	tag  int
}

// mailbox queues inbound payloads per (source, tag).
type mailbox struct {
	mu     sync.Mutex
	boxes  map[mailboxKey]chan []byte
	closed chan struct{}
	once   sync.Once
}

const mailboxDepth = 64

func newMailbox() *mailbox {
	return &mailbox{
		boxes:  make(map[mailboxKey]chan []byte),
		closed: make(chan struct{}),
	}
}

func (m *mailbox) box(from, tag int) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := mailboxKey{from: from, tag: tag}
	ch, ok := m.boxes[k]
	if !ok {
		ch = make(chan []byte, mailboxDepth)
		m.boxes[k] = ch
	}
	return ch
}

func (m *mailbox) deliver(ctx context.Context, from, tag int, p []byte) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	select {
	case m.box(from, tag) <- p:
		return nil
	case <-m.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mailbox) take(ctx context.Context, from, tag int) ([]byte, error) {
	ch := m.box(from, tag)
	select {
	case p := <-ch:
		return p, nil
	default:
	}
	select {
	case p := <-ch:
		return p, nil
	case <-m.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.closed) })
}
