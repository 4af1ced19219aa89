// Package dtl is the DYAD data transport layer: one handle exposing a fixed
// set of operations for moving a producer's file payload to a consumer,
// backed either by responses on the broker's RPC bus or by one-sided RDMA
// puts into the consumer's registered memory.
//
// A producer handle serves one request at a time: RPCUnpack (or
// RPCRecvResponse on a consumer) fills a single slot that CloseConnection
// clears. Filling an occupied slot fails with ErrBadState.
package dtl

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flux-framework/flux-dyad/broker"
	"github.com/flux-framework/flux-dyad/oob"
	"github.com/flux-framework/flux-dyad/rdma"
)

// Mode is the role of the process using the handle.
type Mode int

const (
	ModeProducer Mode = iota
	ModeConsumer
)

func (m Mode) String() string {
	switch m {
	case ModeProducer:
		return "producer"
	case ModeConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// ParseMode parses "producer" or "consumer".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "producer":
		return ModeProducer, nil
	case "consumer":
		return ModeConsumer, nil
	default:
		return 0, fmt.Errorf("dtl: unknown mode %q", s)
	}
}

// CommMode selects the backend.
type CommMode int

const (
	// CommRPC sends payloads as responses on the broker RPC bus.
	CommRPC CommMode = iota
	// CommRDMA puts payloads into the consumer's registered memory.
	CommRDMA
)

func (c CommMode) String() string {
	switch c {
	case CommRPC:
		return "rpc"
	case CommRDMA:
		return "rdma"
	default:
		return "unknown"
	}
}

// ParseCommMode parses "rpc" (alias "flux") or "rdma" (alias "ucx").
func ParseCommMode(s string) (CommMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rpc", "flux":
		return CommRPC, nil
	case "rdma", "ucx":
		return CommRDMA, nil
	default:
		return 0, fmt.Errorf("dtl: unknown comm mode %q", s)
	}
}

const (
	// DefaultTimeout bounds every wait inside recv, send and setup.
	DefaultTimeout = 5 * time.Second
	// DefaultMaxRKeySize caps the packed remote key accepted during setup.
	DefaultMaxRKeySize = 256
	// DefaultRecvCapacity is the payload capacity of a consumer's
	// registered receive region.
	DefaultRecvCapacity = 1 << 20
)

// Config configures Init.
type Config struct {
	Mode     Mode
	CommMode CommMode
	Debug    bool

	// Broker is required by the RPC backend.
	Broker broker.Handle
	// Comm and Provider are required by the RDMA backend. Comm ranks must
	// match broker ranks.
	Comm     oob.Comm
	Provider rdma.Provider

	Logger  Logger
	Tracer  Tracer
	Metrics MetricHook
	Codec   Codec

	Timeout      time.Duration
	PollInterval time.Duration
	MaxProgress  int

	MaxRKeySize   int
	RecvCapacity  int
	MaxBufferSize int
	PoolSlotSize  int
	PoolCapacity  int
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	if c.Codec == nil {
		c.Codec = JSONCodec()
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRKeySize <= 0 {
		c.MaxRKeySize = DefaultMaxRKeySize
	}
	if c.RecvCapacity <= 0 {
		c.RecvCapacity = DefaultRecvCapacity
	}
}

// Backend is the operation set each transport implements.
type Backend interface {
	RPCPack(upath string, producerRank uint32) ([]byte, error)
	RPCUnpack(msg *broker.Message) (string, error)
	RPCRespond(ctx context.Context, msg *broker.Message) error
	RPCRecvResponse(f broker.Future) error
	GetBuffer(size int, slot **Buffer) error
	ReturnBuffer(slot **Buffer) error
	EstablishConnection(ctx context.Context) error
	Send(ctx context.Context, buf *Buffer, length int) error
	Recv(ctx context.Context) (*Buffer, error)
	CloseConnection() error
	Finalize() error
}

// Handle is a DTL instance bound to one backend. A handle carries one
// request at a time. Finalize must not overlap any other call on the same
// handle.
type Handle struct {
	mode     Mode
	commMode CommMode
	debug    bool
	log      Logger
	perf     *perf
	backend  Backend
	closed   atomic.Bool
}

// Init builds a handle for cfg.CommMode. Setup failures leave nothing
// behind.
func Init(cfg Config) (h *Handle, err error) {
	cfg.setDefaults()
	p := &perf{
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
		base: map[string]string{
			labelMode:     cfg.Mode.String(),
			labelCommMode: cfg.CommMode.String(),
		},
	}
	r := p.begin("dtl.init")
	defer func() { r.end(err) }()

	if cfg.Mode != ModeProducer && cfg.Mode != ModeConsumer {
		return nil, newError("init", CodeBadConfig, fmt.Errorf("unknown mode %d", cfg.Mode))
	}

	var backend Backend
	switch cfg.CommMode {
	case CommRPC:
		backend, err = newRPCBackend(cfg, p)
	case CommRDMA:
		backend, err = newRDMABackend(cfg, p)
	default:
		err = newError("init", CodeBadConfig, fmt.Errorf("unknown comm mode %d", cfg.CommMode))
	}
	if err != nil {
		cfg.Logger.Errorw("cannot initialize the DTL", "op", "init", "comm_mode", cfg.CommMode.String(), "error", err)
		return nil, err
	}

	h = &Handle{
		mode:     cfg.Mode,
		commMode: cfg.CommMode,
		debug:    cfg.Debug,
		log:      cfg.Logger,
		perf:     p,
		backend:  backend,
	}
	if cfg.Debug {
		cfg.Logger.Debugw("dtl initialized", "mode", cfg.Mode.String(), "comm_mode", cfg.CommMode.String())
	}
	return h, nil
}

// Mode returns the role the handle was created with.
func (h *Handle) Mode() Mode { return h.mode }

// CommMode returns the selected backend.
func (h *Handle) CommMode() CommMode { return h.commMode }

func (h *Handle) begin(op string) *region {
	if h == nil {
		return nil
	}
	return h.perf.begin("dtl." + op)
}

func (h *Handle) usable(op string) error {
	if h == nil || h.closed.Load() {
		return newError(op, CodeBadState, fmt.Errorf("handle is finalized"))
	}
	return nil
}

// RPCPack serializes the lookup request for upath held by producerRank.
func (h *Handle) RPCPack(upath string, producerRank uint32) (packed []byte, err error) {
	r := h.begin("rpc_pack")
	defer func() { r.end(err) }()
	if err = h.usable("rpc_pack"); err != nil {
		return nil, err
	}
	return h.backend.RPCPack(upath, producerRank)
}

// RPCUnpack decodes an inbound lookup request and binds msg to the handle
// until CloseConnection. msg remains owned by the broker.
func (h *Handle) RPCUnpack(msg *broker.Message) (upath string, err error) {
	r := h.begin("rpc_unpack")
	defer func() { r.end(err) }()
	if err = h.usable("rpc_unpack"); err != nil {
		return "", err
	}
	return h.backend.RPCUnpack(msg)
}

// RPCRespond finishes the response to msg after the payload was sent.
func (h *Handle) RPCRespond(ctx context.Context, msg *broker.Message) (err error) {
	r := h.begin("rpc_respond")
	defer func() { r.end(err) }()
	if err = h.usable("rpc_respond"); err != nil {
		return err
	}
	return h.backend.RPCRespond(withRegion(ensureContext(ctx), r), msg)
}

// RPCRecvResponse binds the future of an outbound lookup request so Recv
// can read from it.
func (h *Handle) RPCRecvResponse(f broker.Future) (err error) {
	r := h.begin("rpc_recv_response")
	defer func() { r.end(err) }()
	if err = h.usable("rpc_recv_response"); err != nil {
		return err
	}
	return h.backend.RPCRecvResponse(f)
}

// GetBuffer stores a new size-byte buffer in *slot, which must be empty.
func (h *Handle) GetBuffer(size int, slot **Buffer) (err error) {
	r := h.begin("get_buffer")
	defer func() { r.end(err) }()
	if err = h.usable("get_buffer"); err != nil {
		return err
	}
	return h.backend.GetBuffer(size, slot)
}

// ReturnBuffer releases *slot and sets it to nil.
func (h *Handle) ReturnBuffer(slot **Buffer) (err error) {
	r := h.begin("return_buffer")
	defer func() { r.end(err) }()
	if err = h.usable("return_buffer"); err != nil {
		return err
	}
	return h.backend.ReturnBuffer(slot)
}

// EstablishConnection connects to the peer of the current request.
func (h *Handle) EstablishConnection(ctx context.Context) (err error) {
	r := h.begin("establish_connection")
	defer func() { r.end(err) }()
	if err = h.usable("establish_connection"); err != nil {
		return err
	}
	return h.backend.EstablishConnection(withRegion(ensureContext(ctx), r))
}

// Send transmits the first length bytes of buf to the peer. buf stays owned
// by the caller.
func (h *Handle) Send(ctx context.Context, buf *Buffer, length int) (err error) {
	r := h.begin("send")
	defer func() { r.end(err) }()
	if err = h.usable("send"); err != nil {
		return err
	}
	return h.backend.Send(withRegion(ensureContext(ctx), r), buf, length)
}

// Recv returns the next payload in a new buffer the caller must return.
// End of stream is reported as ErrRPCFinished.
func (h *Handle) Recv(ctx context.Context) (buf *Buffer, err error) {
	r := h.begin("recv")
	defer func() { r.end(err) }()
	if err = h.usable("recv"); err != nil {
		return nil, err
	}
	return h.backend.Recv(withRegion(ensureContext(ctx), r))
}

// CloseConnection clears per-request state. Persistent connections stay up.
func (h *Handle) CloseConnection() (err error) {
	r := h.begin("close_connection")
	defer func() { r.end(err) }()
	if err = h.usable("close_connection"); err != nil {
		return err
	}
	return h.backend.CloseConnection()
}

// Finalize releases the backend and clears *hp. It accepts a nil pointer
// or an already finalized handle.
func Finalize(hp **Handle) (err error) {
	if hp == nil || *hp == nil {
		return nil
	}
	h := *hp
	*hp = nil
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	r := h.begin("finalize")
	defer func() { r.end(err) }()
	if err = h.backend.Finalize(); err != nil {
		h.log.Errorw("dtl finalize failed", "op", "finalize", "error", err)
	}
	return err
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

// boundedContext applies timeout to ctx unless ctx already ends sooner.
func boundedContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx = ensureContext(ctx)
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= timeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
