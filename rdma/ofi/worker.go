//go:build ofi

package ofi

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/flux-framework/flux-dyad/internal/capi"
	"github.com/flux-framework/flux-dyad/rdma"
)

// operation is a posted write. Its context pointer is the key libfabric
// hands back in the completion entry.
type operation struct {
	ctx unsafe.Pointer
	buf unsafe.Pointer
	mr  *capi.MemoryRegion
	req *rdma.Request
}

func (o *operation) release() {
	_ = o.mr.Close()
	capi.FreeBytes(o.buf)
	capi.FreeBytes(o.ctx)
	o.mr, o.buf, o.ctx = nil, nil, nil
}

type completion struct {
	op     *operation
	status error
}

type worker struct {
	ctx  *fabricContext
	mode rdma.ThreadMode

	mu      sync.Mutex
	ep      *capi.Endpoint
	cq      *capi.CompletionQueue
	av      *capi.AV
	pending map[uintptr]*operation
	closed  bool
}

func newWorker(c *fabricContext, mode rdma.ThreadMode) (*worker, error) {
	cq, err := c.domain.OpenCQ(c.cqSize)
	if err != nil {
		return nil, statusError("ofi worker create", err)
	}
	av, err := c.domain.OpenAV(c.avSize)
	if err != nil {
		_ = cq.Close()
		return nil, statusError("ofi worker create", err)
	}
	ep, err := capi.OpenEndpoint(c.domain, c.info)
	if err != nil {
		_ = av.Close()
		_ = cq.Close()
		return nil, statusError("ofi worker create", err)
	}
	if err := ep.Bind(cq, av); err != nil {
		_ = ep.Close()
		_ = av.Close()
		_ = cq.Close()
		return nil, statusError("ofi worker create", err)
	}
	return &worker{
		ctx:     c,
		mode:    mode,
		ep:      ep,
		cq:      cq,
		av:      av,
		pending: make(map[uintptr]*operation),
	}, nil
}

func (w *worker) Address() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, rdma.StatusInvalidParam.WithOp("ofi worker address")
	}
	name, err := w.ep.Name()
	if err != nil {
		return nil, statusError("ofi worker address", err)
	}
	return name, nil
}

func (w *worker) Connect(addr []byte) (rdma.Endpoint, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, rdma.StatusInvalidParam.WithOp("ofi ep create")
	}
	dest, err := w.av.Insert(addr)
	if err != nil {
		return nil, statusError("ofi ep create", err)
	}
	return &endpoint{w: w, dest: dest}, nil
}

// Progress reads completed writes and runs their callbacks outside the
// worker lock.
func (w *worker) Progress() int {
	w.mu.Lock()
	done := w.pollLocked()
	w.mu.Unlock()
	for _, c := range done {
		c.op.release()
		c.op.req.Complete(c.status)
	}
	return len(done)
}

func (w *worker) pollLocked() []completion {
	if w.closed {
		return nil
	}
	var batch [cqBatch]unsafe.Pointer
	n, err := w.cq.Read(batch[:])
	if errors.Is(err, capi.ErrUnavailable) {
		cqe, rerr := w.cq.ReadError()
		if rerr != nil || cqe == nil {
			return nil
		}
		if op := w.takeLocked(cqe.Context); op != nil {
			return []completion{{op: op, status: statusError("ofi put", cqe.Err)}}
		}
		return nil
	}
	if err != nil {
		return nil
	}
	done := make([]completion, 0, n)
	for _, ctx := range batch[:n] {
		if op := w.takeLocked(ctx); op != nil {
			done = append(done, completion{op: op})
		}
	}
	return done
}

func (w *worker) takeLocked(ctx unsafe.Pointer) *operation {
	op, ok := w.pending[uintptr(ctx)]
	if !ok {
		return nil
	}
	delete(w.pending, uintptr(ctx))
	return op
}

// put copies local into C memory so the caller's slice is free on return.
func (w *worker) put(dest capi.FIAddr, local []byte, raddr, key uint64, cb rdma.Callback) (*rdma.Request, error) {
	op := &operation{
		ctx: capi.AllocBytes(capi.ContextSize),
		buf: capi.AllocBytes(uintptr(len(local))),
		req: rdma.NewRequest(cb),
	}
	if op.ctx == nil || op.buf == nil {
		op.release()
		return nil, rdma.StatusNoMemory.WithOp("ofi put")
	}
	copy(unsafe.Slice((*byte)(op.buf), len(local)), local)

	var desc unsafe.Pointer
	if w.ctx.mrMode&capi.MRModeLocal != 0 {
		mr, err := w.ctx.domain.RegisterMemory(op.buf, uintptr(len(local)), capi.AccessWrite)
		if err != nil {
			op.release()
			return nil, statusError("ofi put", err)
		}
		op.mr = mr
		desc = mr.Descriptor()
	}

	for attempt := 0; ; attempt++ {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			op.release()
			return nil, rdma.StatusCanceled.WithOp("ofi put")
		}
		w.pending[uintptr(op.ctx)] = op
		err := w.ep.Write(op.buf, uintptr(len(local)), desc, dest, raddr, key, op.ctx)
		if err == nil {
			w.mu.Unlock()
			return op.req, nil
		}
		delete(w.pending, uintptr(op.ctx))
		w.mu.Unlock()

		if !errors.Is(err, capi.ErrAgain) || attempt >= putRetries {
			op.release()
			return nil, statusError("ofi put", err)
		}
		w.Progress()
	}
}

func (w *worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	pending := w.pending
	w.pending = nil
	err := errors.Join(w.ep.Close(), w.av.Close(), w.cq.Close())
	w.mu.Unlock()

	for _, op := range pending {
		op.release()
		op.req.Complete(rdma.StatusCanceled)
	}
	if err != nil {
		return statusError("ofi worker destroy", err)
	}
	return nil
}
