//go:build ofi

// Package ofi is the libfabric rdma provider. Each worker owns a reliable
// datagram endpoint with its own completion queue and address vector;
// completions are only read when the worker makes progress.
//
// Build with -tags ofi and a libfabric installation visible to pkg-config.
package ofi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/flux-framework/flux-dyad/internal/capi"
	"github.com/flux-framework/flux-dyad/rdma"
)

const (
	defaultCQSize = 256
	defaultAVSize = 64
	// putRetries bounds how often Put drains the completion queue when the
	// provider reports FI_EAGAIN.
	putRetries = 64
	rkeySize   = 24
	cqBatch    = 16
)

// Options configures the provider.
type Options struct {
	// Fabric restricts discovery to one libfabric provider, e.g. "tcp" or
	// "verbs". Empty lets libfabric choose.
	Fabric string
	// CQSize is the completion queue depth per worker.
	CQSize int
}

// Provider opens libfabric contexts.
type Provider struct {
	opts Options
}

// NewProvider returns a provider using opts.
func NewProvider(opts Options) *Provider {
	if opts.CQSize <= 0 {
		opts.CQSize = defaultCQSize
	}
	return &Provider{opts: opts}
}

// Name implements rdma.Provider.
func (p *Provider) Name() string { return "ofi" }

// Init implements rdma.Provider.
func (p *Provider) Init(params rdma.Params) (rdma.Context, error) {
	if !params.Features.Has(rdma.FeatureRMA) {
		return nil, rdma.StatusUnsupported.WithOp("ofi init")
	}
	if err := capi.CheckRuntime(); err != nil {
		return nil, fmt.Errorf("%w: %w", rdma.StatusUnsupported.WithOp("ofi init"), err)
	}

	caps := capi.CapRMA | capi.CapWrite | capi.CapRemoteWrite | capi.CapRemoteRead
	if params.Features.Has(rdma.FeatureAMO32) || params.Features.Has(rdma.FeatureAMO64) {
		caps |= capi.CapAtomic
	}
	mrMode := capi.MRModeLocal | capi.MRModeVirtAddr | capi.MRModeAllocated | capi.MRModeProvKey
	hints := capi.NewHints(caps, capi.ModeContext, mrMode)
	if hints == nil {
		return nil, rdma.StatusNoMemory.WithOp("ofi init")
	}
	defer hints.Free()
	hints.SetProvider(p.opts.Fabric)

	info, err := capi.GetInfo(capi.BuildVersion(), hints)
	if err != nil {
		return nil, statusError("ofi init", err)
	}
	fabric, err := capi.OpenFabric(info)
	if err != nil {
		info.Free()
		return nil, statusError("ofi init", err)
	}
	domain, err := capi.OpenDomain(fabric, info)
	if err != nil {
		_ = fabric.Close()
		info.Free()
		return nil, statusError("ofi init", err)
	}

	avSize := params.EstimatedEndpoints
	if avSize < defaultAVSize {
		avSize = defaultAVSize
	}
	return &fabricContext{
		info:   info,
		fabric: fabric,
		domain: domain,
		mrMode: info.MRMode(),
		cqSize: p.opts.CQSize,
		avSize: avSize,
	}, nil
}

// statusError maps a libfabric error onto the closest rdma.Status, keeping
// the original error in the chain.
func statusError(op string, err error) error {
	var errno capi.Errno
	if !errors.As(err, &errno) {
		return fmt.Errorf("%w: %w", rdma.StatusIOError.WithOp(op), err)
	}
	st := rdma.StatusIOError
	switch errno {
	case capi.ErrAgain:
		st = rdma.StatusNoResource
	case capi.ErrNoMemory:
		st = rdma.StatusNoMemory
	case capi.ErrNoData:
		st = rdma.StatusNoElem
	case capi.ErrInvalid, capi.ErrNoKey:
		st = rdma.StatusInvalidParam
	case capi.ErrOpNotSupp, capi.ErrNotSupported:
		st = rdma.StatusUnsupported
	case capi.ErrTimedOut:
		st = rdma.StatusTimedOut
	case capi.ErrCanceled:
		st = rdma.StatusCanceled
	case capi.ErrHostUnreach:
		st = rdma.StatusUnreachable
	case capi.ErrTrunc:
		st = rdma.StatusMessageTruncated
	}
	return fmt.Errorf("%w: %w", st.WithOp(op), err)
}

type fabricContext struct {
	info   *capi.Info
	fabric *capi.Fabric
	domain *capi.Domain
	mrMode uint64
	cqSize int
	avSize int

	mu      sync.Mutex
	workers []*worker
	regions []*memory
	closed  bool
}

func (c *fabricContext) NewWorker(mode rdma.ThreadMode) (rdma.Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, rdma.StatusInvalidParam.WithOp("ofi worker create")
	}
	w, err := newWorker(c, mode)
	if err != nil {
		return nil, err
	}
	c.workers = append(c.workers, w)
	return w, nil
}

func (c *fabricContext) MapMemory(size int) (rdma.Memory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, rdma.StatusInvalidParam.WithOp("ofi mem map")
	}
	m, err := mapMemory(c, size)
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

	var errs []error
	for _, w := range workers {
		errs = append(errs, w.Close())
	}
	for _, m := range regions {
		errs = append(errs, m.Close())
	}
	errs = append(errs, c.domain.Close(), c.fabric.Close())
	c.info.Free()
	if err := errors.Join(errs...); err != nil {
		return statusError("ofi cleanup", err)
	}
	return nil
}

type remoteKey struct {
	key    uint64
	base   uint64
	length uint64
}

func (k *remoteKey) Close() error { return nil }

func packRKey(key, base uint64, length int) []byte {
	blob := make([]byte, rkeySize)
	binary.LittleEndian.PutUint64(blob, key)
	binary.LittleEndian.PutUint64(blob[8:], base)
	binary.LittleEndian.PutUint64(blob[16:], uint64(length))
	return blob
}

func unpackRKey(blob []byte) (*remoteKey, error) {
	if len(blob) != rkeySize {
		return nil, rdma.StatusInvalidParam.WithOp("ofi rkey unpack")
	}
	return &remoteKey{
		key:    binary.LittleEndian.Uint64(blob),
		base:   binary.LittleEndian.Uint64(blob[8:]),
		length: binary.LittleEndian.Uint64(blob[16:]),
	}, nil
}

type endpoint struct {
	w    *worker
	dest capi.FIAddr

	mu     sync.Mutex
	closed bool
}

func (e *endpoint) UnpackRKey(blob []byte) (rdma.RemoteKey, error) {
	k, err := unpackRKey(blob)
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (e *endpoint) Put(local []byte, remoteAddr uint64, rkey rdma.RemoteKey, cb rdma.Callback) (*rdma.Request, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, rdma.StatusUnreachable.WithOp("ofi put")
	}
	k, ok := rkey.(*remoteKey)
	if !ok || k == nil {
		return nil, rdma.StatusInvalidParam.WithOp("ofi put")
	}
	if remoteAddr < k.base || remoteAddr+uint64(len(local)) > k.base+k.length {
		return nil, rdma.StatusInvalidAddr.WithOp("ofi put")
	}
	if len(local) == 0 {
		return nil, nil
	}
	return e.w.put(e.dest, local, remoteAddr, k.key, cb)
}

func (e *endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}
