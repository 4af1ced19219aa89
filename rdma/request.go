package rdma

import (
	"sync"
	"sync/atomic"
)

// Callback runs once when a request completes. status is nil on success.
type Callback func(req *Request, status error)

// Request tracks one pending non-blocking operation. A new Request starts
// with completed cleared; providers call Complete exactly once.
type Request struct {
	mu        sync.Mutex
	completed atomic.Bool
	freed     atomic.Bool
	status    error
	cb        Callback
}

// NewRequest returns an incomplete request that will invoke cb on completion.
func NewRequest(cb Callback) *Request {
	return &Request{cb: cb}
}

// Complete records the final status and runs the callback. Later calls are
// ignored.
func (r *Request) Complete(status error) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.completed.Load() {
		r.mu.Unlock()
		return
	}
	r.status = status
	r.completed.Store(true)
	cb := r.cb
	r.cb = nil
	r.mu.Unlock()

	if cb != nil {
		cb(r, status)
	}
}

// Completed reports whether the completion callback has fired.
func (r *Request) Completed() bool {
	return r != nil && r.completed.Load()
}

// Status returns StatusInProgress until the request completes, then the
// recorded status (nil on success).
func (r *Request) Status() error {
	if r == nil {
		return nil
	}
	if !r.completed.Load() {
		return StatusInProgress
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Free releases the request. It is safe to call more than once.
func (r *Request) Free() {
	if r == nil || !r.freed.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	r.cb = nil
	r.mu.Unlock()
}

// Freed reports whether Free has been called.
func (r *Request) Freed() bool {
	return r != nil && r.freed.Load()
}
