// Package loopback is an in-process rdma provider. Every context created
// from one Fabric shares an address space, so workers on different
// goroutines behave like peers on a network: puts land in the target's
// registered region, either in place or when the initiating worker makes
// progress.
package loopback

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flux-framework/flux-dyad/rdma"
)

// Outcome selects how puts complete.
type Outcome int

const (
	// OutcomeDeferred queues the transfer until the initiator calls Progress.
	OutcomeDeferred Outcome = iota
	// OutcomeImmediate copies during Put and returns no request.
	OutcomeImmediate
	// OutcomeFail rejects the put without touching remote memory.
	OutcomeFail
	// OutcomeFailDeferred queues the put and completes it with FailStatus.
	OutcomeFailDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeferred:
		return "deferred"
	case OutcomeImmediate:
		return "immediate"
	case OutcomeFail:
		return "fail"
	case OutcomeFailDeferred:
		return "fail-deferred"
	default:
		return "unknown"
	}
}

// rkeyHeaderSize is the fixed part of a packed key.
const rkeyHeaderSize = 4 + 8 + 8 + 8

const rkeyMagic = 0x6c6f6f70 // "loop"

// Options configures a Fabric.
type Options struct {
	Outcome Outcome
	// FailStatus is reported by failing outcomes. Defaults to StatusIOError.
	FailStatus rdma.Status
	// RKeySize pads packed keys to this many bytes. Values below the header
	// size are raised to it.
	RKeySize int
}

// Fabric is the shared medium between contexts.
type Fabric struct {
	mu      sync.RWMutex
	opts    Options
	workers map[string]*worker
	regions map[uint64]*memory
	nextID  atomic.Uint64
	held    atomic.Bool
}

// NewFabric returns an empty fabric.
func NewFabric(opts Options) *Fabric {
	if opts.FailStatus == 0 {
		opts.FailStatus = rdma.StatusIOError
	}
	if opts.RKeySize < rkeyHeaderSize {
		opts.RKeySize = rkeyHeaderSize
	}
	return &Fabric{
		opts:    opts,
		workers: make(map[string]*worker),
		regions: make(map[uint64]*memory),
	}
}

// Name implements rdma.Provider.
func (f *Fabric) Name() string { return "loopback" }

// SetOutcome changes how subsequent puts complete.
func (f *Fabric) SetOutcome(o Outcome) {
	f.mu.Lock()
	f.opts.Outcome = o
	f.mu.Unlock()
}

// Hold keeps queued puts pending across Progress calls until it is called
// with false.
func (f *Fabric) Hold(on bool) {
	f.held.Store(on)
}

func (f *Fabric) options() Options {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.opts
}

// Init implements rdma.Provider.
func (f *Fabric) Init(p rdma.Params) (rdma.Context, error) {
	if !p.Features.Has(rdma.FeatureRMA) {
		return nil, rdma.StatusUnsupported.WithOp("loopback init")
	}
	return &fabricContext{fabric: f, features: p.Features}, nil
}

func (f *Fabric) lookupWorker(addr []byte) *worker {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.workers[string(addr)]
}

func (f *Fabric) lookupRegion(key uint64) *memory {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.regions[key]
}

type fabricContext struct {
	fabric   *Fabric
	features rdma.Feature

	mu      sync.Mutex
	workers []*worker
	regions []*memory
	closed  bool
}

func (c *fabricContext) NewWorker(mode rdma.ThreadMode) (rdma.Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, rdma.StatusInvalidParam.WithOp("loopback worker create")
	}
	id := c.fabric.nextID.Add(1)
	w := &worker{
		fabric: c.fabric,
		mode:   mode,
		addr:   []byte(fmt.Sprintf("loopback-worker-%d", id)),
	}
	c.fabric.mu.Lock()
	c.fabric.workers[string(w.addr)] = w
	c.fabric.mu.Unlock()
	c.workers = append(c.workers, w)
	return w, nil
}

func (c *fabricContext) MapMemory(size int) (rdma.Memory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, rdma.StatusInvalidParam.WithOp("loopback mem map")
	}
	m, err := mapMemory(c.fabric, size)
	if err != nil {
		return nil, err
	}
	c.regions = append(c.regions, m)
	return m, nil
}

func (c *fabricContext) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	workers, regions := c.workers, c.regions
	c.workers, c.regions = nil, nil
	c.mu.Unlock()

	var firstErr error
	for _, w := range workers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, m := range regions {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type pendingPut struct {
	req    *rdma.Request
	local  []byte
	target *memory
	offset int
	fail   bool
}

type worker struct {
	fabric *Fabric
	mode   rdma.ThreadMode
	addr   []byte

	mu      sync.Mutex
	pending []pendingPut
	closed  bool
}

func (w *worker) Address() ([]byte, error) {
	return append([]byte(nil), w.addr...), nil
}

func (w *worker) Connect(addr []byte) (rdma.Endpoint, error) {
	if w.fabric.lookupWorker(addr) == nil {
		return nil, rdma.StatusUnreachable.WithOp("loopback ep create")
	}
	return &endpoint{local: w, remote: append([]byte(nil), addr...)}, nil
}

func (w *worker) Progress() int {
	if w.fabric.held.Load() {
		return 0
	}
	w.mu.Lock()
	queued := w.pending
	w.pending = nil
	w.mu.Unlock()

	for _, p := range queued {
		if p.fail {
			p.req.Complete(w.fabric.options().FailStatus.WithOp("loopback put"))
			continue
		}
		if _, err := p.target.WriteAt(p.local, int64(p.offset)); err != nil {
			p.req.Complete(err)
			continue
		}
		p.req.Complete(nil)
	}
	return len(queued)
}

func (w *worker) enqueue(p pendingPut) {
	w.mu.Lock()
	w.pending = append(w.pending, p)
	w.mu.Unlock()
}

func (w *worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	queued := w.pending
	w.pending = nil
	w.mu.Unlock()

	for _, p := range queued {
		p.req.Complete(rdma.StatusCanceled)
	}
	w.fabric.mu.Lock()
	delete(w.fabric.workers, string(w.addr))
	w.fabric.mu.Unlock()
	return nil
}

type remoteKey struct {
	key    uint64
	base   uint64
	length uint64
}

func (k *remoteKey) Close() error { return nil }

type endpoint struct {
	local  *worker
	remote []byte
	closed atomic.Bool
}

func (e *endpoint) UnpackRKey(blob []byte) (rdma.RemoteKey, error) {
	if len(blob) < rkeyHeaderSize || binary.LittleEndian.Uint32(blob) != rkeyMagic {
		return nil, rdma.StatusInvalidParam.WithOp("loopback rkey unpack")
	}
	return &remoteKey{
		key:    binary.LittleEndian.Uint64(blob[4:]),
		base:   binary.LittleEndian.Uint64(blob[12:]),
		length: binary.LittleEndian.Uint64(blob[20:]),
	}, nil
}

func (e *endpoint) Put(local []byte, remoteAddr uint64, rkey rdma.RemoteKey, cb rdma.Callback) (*rdma.Request, error) {
	if e.closed.Load() {
		return nil, rdma.StatusUnreachable.WithOp("loopback put")
	}
	k, ok := rkey.(*remoteKey)
	if !ok || k == nil {
		return nil, rdma.StatusInvalidParam.WithOp("loopback put")
	}
	if e.local.fabric.lookupWorker(e.remote) == nil {
		return nil, rdma.StatusUnreachable.WithOp("loopback put")
	}
	target := e.local.fabric.lookupRegion(k.key)
	if target == nil {
		return nil, rdma.StatusInvalidAddr.WithOp("loopback put")
	}
	if remoteAddr < k.base || remoteAddr+uint64(len(local)) > k.base+k.length {
		return nil, rdma.StatusInvalidAddr.WithOp("loopback put")
	}
	offset := int(remoteAddr - k.base)

	switch e.local.fabric.options().Outcome {
	case OutcomeImmediate:
		if _, err := target.WriteAt(local, int64(offset)); err != nil {
			return nil, err
		}
		return nil, nil
	case OutcomeFail:
		return nil, e.local.fabric.options().FailStatus.WithOp("loopback put")
	case OutcomeFailDeferred:
		req := rdma.NewRequest(cb)
		e.local.enqueue(pendingPut{req: req, fail: true})
		return req, nil
	default:
		req := rdma.NewRequest(cb)
		e.local.enqueue(pendingPut{req: req, local: local, target: target, offset: offset})
		return req, nil
	}
}

func (e *endpoint) Close() error {
	e.closed.Store(true)
	return nil
}
