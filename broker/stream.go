package broker

import (
	"context"
	"sync"

	"github.com/eapache/queue"
)

type response struct {
	payload []byte
	err     error
}

// stream is the FIFO of responses for one request.
type stream struct {
	mu     sync.Mutex
	q      *queue.Queue
	notify chan struct{}
	ended  bool
	endErr error
}

func newStream() *stream {
	return &stream{q: queue.New(), notify: make(chan struct{}, 1)}
}

func (s *stream) push(r response) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrStreamEnded
	}
	if r.err != nil {
		s.ended = true
		s.endErr = r.err
	}
	s.q.Add(r)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// pop returns the next response, or the terminal error once the stream has
// been drained.
func (s *stream) pop() (response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q.Length() > 0 {
		return s.q.Remove().(response), true
	}
	if s.ended {
		return response{err: s.endErr}, true
	}
	return response{}, false
}

func (s *stream) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Length() > 0 || s.ended
}

type future struct {
	s *stream

	mu      sync.Mutex
	current *response
}

func (f *future) Get(ctx context.Context) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		f.mu.Lock()
		if f.current == nil {
			if r, ok := f.s.pop(); ok {
				f.current = &r
			}
		}
		cur := f.current
		f.mu.Unlock()
		if cur != nil {
			return cur.payload, cur.err
		}

		select {
		case <-f.s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (f *future) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current != nil || f.s.pending()
}

func (f *future) Reset() {
	f.mu.Lock()
	f.current = nil
	f.mu.Unlock()
}
