package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Local is an in-process broker instance. Each rank that joins gets a
// Handle; requests to a rank are served one at a time by that rank's
// dispatcher goroutine.
type Local struct {
	mu    sync.RWMutex
	nodes map[uint32]*localHandle
}

// NewLocal returns an empty in-process broker.
func NewLocal() *Local {
	return &Local{nodes: make(map[uint32]*localHandle)}
}

// Join attaches rank to the broker.
func (l *Local) Join(rank uint32) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.nodes[rank]; ok {
		return nil, fmt.Errorf("broker: rank %d already joined", rank)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &localHandle{
		bus:      l,
		rank:     rank,
		services: make(map[string]HandlerFunc),
		inbox:    make(chan *Message, 128),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	l.nodes[rank] = h
	go h.dispatch()
	return h, nil
}

func (l *Local) node(rank uint32) *localHandle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nodes[rank]
}

func (l *Local) leave(rank uint32) {
	l.mu.Lock()
	delete(l.nodes, rank)
	l.mu.Unlock()
}

type localHandle struct {
	bus  *Local
	rank uint32

	mu       sync.RWMutex
	services map[string]HandlerFunc
	closed   bool

	inbox  chan *Message
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *localHandle) Rank() uint32 { return h.rank }

func (h *localHandle) RegisterService(topic string, fn HandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("broker: nil handler for %q", topic)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if _, ok := h.services[topic]; ok {
		return fmt.Errorf("broker: service %q already registered", topic)
	}
	h.services[topic] = fn
	return nil
}

func (h *localHandle) service(topic string) (HandlerFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.services[topic]
	return fn, ok
}

func (h *localHandle) RPC(ctx context.Context, topic string, nodeID uint32, payload []byte) (Future, error) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s := newStream()
	msg := &Message{
		ID:      uuid.NewString(),
		Topic:   topic,
		Sender:  h.rank,
		Payload: append([]byte(nil), payload...),
		stream:  s,
	}

	target := h.bus.node(nodeID)
	if target == nil {
		_ = s.push(response{err: &RemoteError{Errno: unix.EHOSTUNREACH, Text: fmt.Sprintf("no route to rank %d", nodeID)}})
		return &future{s: s}, nil
	}
	select {
	case target.inbox <- msg:
	case <-target.done:
		_ = s.push(response{err: &RemoteError{Errno: unix.EHOSTUNREACH, Text: fmt.Sprintf("rank %d is gone", nodeID)}})
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &future{s: s}, nil
}

func (h *localHandle) dispatch() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg := <-h.inbox:
			fn, ok := h.service(msg.Topic)
			if !ok {
				_ = h.RespondError(msg, unix.ENOSYS, fmt.Sprintf("unknown service method %q", msg.Topic))
				continue
			}
			fn(h.ctx, h, msg)
		}
	}
}

func (h *localHandle) Respond(msg *Message, payload []byte) error {
	if msg == nil || msg.stream == nil {
		return ErrInvalidMessage
	}
	return msg.stream.push(response{payload: append([]byte(nil), payload...)})
}

func (h *localHandle) RespondError(msg *Message, errnum unix.Errno, text string) error {
	if msg == nil || msg.stream == nil {
		return ErrInvalidMessage
	}
	if errnum == 0 {
		errnum = unix.EINVAL
	}
	var err error = &RemoteError{Errno: errnum, Text: text}
	if errnum == unix.ENODATA && text == "" {
		err = ErrNoData
	}
	return msg.stream.push(response{err: err})
}

func (h *localHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	<-h.done
	h.bus.leave(h.rank)
	return nil
}
