package dtl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flux-framework/flux-dyad/broker"
	"github.com/flux-framework/flux-dyad/oob"
	"github.com/flux-framework/flux-dyad/rdma"
)

const (
	transportWorker = iota
	recvWorker
	numWorkers
)

// Out-of-band tags used during setup and flow control.
const (
	tagWorkerAddress = 123
	tagSetup         = 124
	tagReady         = 125
	tagCredit        = 126
)

// setupHeaderSize covers raddr, rkey length and capacity.
const setupHeaderSize = 24

// slotHeaderSize is the {seq, epoch, length} header in front of a
// consumer's receive region. A slot is new when seq exceeds the last one
// consumed; it belongs to the current request only when epoch matches.
const slotHeaderSize = 24

const (
	readyOK     byte = 0
	readyReject byte = 1
)

type workerCtx struct {
	role    string
	worker  rdma.Worker
	address []byte

	// mu serializes every call into the worker.
	mu        sync.Mutex
	endpoints map[int]rdma.Endpoint
}

func (w *workerCtx) Progress() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.worker.Progress()
}

// remoteEntry is what a producer knows about one consumer's region.
type remoteEntry struct {
	raddr    uint64
	capacity uint64
	rkey     rdma.RemoteKey
	ep       rdma.Endpoint
	seq      uint64
	acked    uint64
	// inflight is a put that outlived its wait. No other put to the region
	// is issued until it completes.
	inflight *rdma.Request
}

// localRegion is a consumer's receive region exposed to one producer.
type localRegion struct {
	mem     rdma.Memory
	lastSeq uint64
}

type setupRecord struct {
	raddr    uint64
	rkeyLen  uint64
	capacity uint64
	blob     []byte
}

func (r setupRecord) encode() []byte {
	p := make([]byte, setupHeaderSize+len(r.blob))
	binary.LittleEndian.PutUint64(p[0:8], r.raddr)
	binary.LittleEndian.PutUint64(p[8:16], r.rkeyLen)
	binary.LittleEndian.PutUint64(p[16:24], r.capacity)
	copy(p[setupHeaderSize:], r.blob)
	return p
}

func decodeSetupRecord(p []byte) (setupRecord, error) {
	if len(p) < setupHeaderSize {
		return setupRecord{}, fmt.Errorf("setup record of %d bytes is truncated", len(p))
	}
	return setupRecord{
		raddr:    binary.LittleEndian.Uint64(p[0:8]),
		rkeyLen:  binary.LittleEndian.Uint64(p[8:16]),
		capacity: binary.LittleEndian.Uint64(p[16:24]),
		blob:     p[setupHeaderSize:],
	}, nil
}

type slotHeader struct {
	seq    uint64
	epoch  uint64
	length uint64
}

func (h slotHeader) encode() []byte {
	p := make([]byte, slotHeaderSize)
	binary.LittleEndian.PutUint64(p[0:8], h.seq)
	binary.LittleEndian.PutUint64(p[8:16], h.epoch)
	binary.LittleEndian.PutUint64(p[16:24], h.length)
	return p
}

func readSlotHeader(m rdma.Memory) (slotHeader, error) {
	var p [slotHeaderSize]byte
	if _, err := m.ReadAt(p[:], 0); err != nil {
		return slotHeader{}, err
	}
	return slotHeader{
		seq:    binary.LittleEndian.Uint64(p[0:8]),
		epoch:  binary.LittleEndian.Uint64(p[8:16]),
		length: binary.LittleEndian.Uint64(p[16:24]),
	}, nil
}

// rdmaBackend moves payloads with one-sided puts from a producer into a
// receive region the consumer registered and exposed during
// EstablishConnection.
type rdmaBackend struct {
	*bufferManager
	mode     Mode
	comm     oob.Comm
	codec    Codec
	log      Logger
	perf     *perf
	debug    bool
	timeout  time.Duration
	waitOpts rdma.WaitOptions
	maxRKey  int
	capacity int

	ctx     rdma.Context
	workers [numWorkers]*workerCtx

	mu      sync.RWMutex
	remotes map[int]*remoteEntry
	regions map[int]*localRegion

	peer int
	msg  *broker.Message
	f    broker.Future
	// epoch is the request being served or received; lastEpoch is the
	// consumer's counter.
	epoch     uint64
	lastEpoch uint64
}

func newRDMABackend(cfg Config, p *perf) (*rdmaBackend, error) {
	if cfg.Comm == nil {
		return nil, newError("init", CodeBadConfig, errors.New("rdma backend requires a collective communicator"))
	}
	if cfg.Provider == nil {
		return nil, newError("init", CodeBadConfig, errors.New("rdma backend requires an rdma provider"))
	}

	b := &rdmaBackend{
		bufferManager: newBufferManager(cfg.MaxBufferSize, cfg.PoolSlotSize, cfg.PoolCapacity),
		mode:          cfg.Mode,
		comm:          cfg.Comm,
		codec:         cfg.Codec,
		log:           cfg.Logger,
		perf:          p,
		debug:         cfg.Debug,
		timeout:       cfg.Timeout,
		waitOpts: rdma.WaitOptions{
			Timeout:     cfg.Timeout,
			Interval:    cfg.PollInterval,
			MaxProgress: cfg.MaxProgress,
		},
		maxRKey:  cfg.MaxRKeySize,
		capacity: cfg.RecvCapacity,
		remotes:  make(map[int]*remoteEntry),
		regions:  make(map[int]*localRegion),
		peer:     -1,
	}

	ctx, err := cfg.Provider.Init(rdma.Params{
		Features:           rdma.FeatureRMA | rdma.FeatureAMO32,
		EstimatedEndpoints: cfg.Comm.Size() * numWorkers,
	})
	if err != nil {
		b.logStatus("could not initialize the rdma context", "init", err)
		return nil, newError("init", CodeSysFail, err)
	}
	b.ctx = ctx

	for i, role := range [numWorkers]string{"transport", "recv"} {
		w, err := ctx.NewWorker(rdma.ThreadSerialized)
		if err != nil {
			b.logStatus("could not create worker", "init", err, logKV("role", role))
			_ = b.teardown()
			return nil, newError("init", CodeSysFail, err)
		}
		addr, err := w.Address()
		if err != nil {
			_ = w.Close()
			b.logStatus("could not get worker address", "init", err, logKV("role", role))
			_ = b.teardown()
			return nil, newError("init", CodeSysFail, err)
		}
		b.workers[i] = &workerCtx{role: role, worker: w, address: addr, endpoints: make(map[int]rdma.Endpoint)}
	}
	if cfg.Debug {
		b.log.Debugw("rdma backend ready", "op", "init", "provider", cfg.Provider.Name(), "rank", cfg.Comm.Rank(), "world_size", cfg.Comm.Size())
	}
	return b, nil
}

func (b *rdmaBackend) logStatus(msg, op string, err error, fields ...logField) {
	base := []logField{logKV("op", op), logKV("status", rdma.StatusOf(err).String()), logKV("error", err)}
	b.log.Errorw(msg, keyvals(append(base, fields...))...)
}

func (b *rdmaBackend) RPCPack(upath string, producerRank uint32) ([]byte, error) {
	if err := checkRank(b.comm, int(producerRank)); err != nil {
		return nil, newError("rpc_pack", CodeBadPack, err)
	}
	me := uint32(b.comm.Rank())
	epoch := b.lastEpoch + 1
	packed, err := packLookup(b.codec, lookupRequest{UPath: &upath, ProducerRank: &producerRank, ConsumerRank: &me, Epoch: &epoch})
	if err != nil {
		b.log.Errorw("could not pack upath for RDMA DTL", "op", "rpc_pack", "error", err)
		return nil, newError("rpc_pack", CodeBadPack, err)
	}
	b.lastEpoch = epoch
	b.epoch = epoch
	b.peer = int(producerRank)
	return packed, nil
}

func (b *rdmaBackend) RPCUnpack(msg *broker.Message) (string, error) {
	if msg == nil {
		return "", newError("rpc_unpack", CodeBadUnpack, errors.New("nil message"))
	}
	if b.msg != nil {
		return "", newError("rpc_unpack", CodeBadState, errors.New("a request is already bound; call close_connection first"))
	}
	req, err := unpackLookup(b.codec, msg.Payload)
	if err == nil && req.ConsumerRank == nil {
		err = errors.New("envelope has no consumer_rank")
	}
	if err == nil && req.Epoch == nil {
		err = errors.New("envelope has no epoch")
	}
	if err == nil {
		err = checkRank(b.comm, int(*req.ConsumerRank))
	}
	if err != nil {
		b.log.Errorw("could not unpack message from consumer", "op", "rpc_unpack", "msg_id", msg.ID, "error", err)
		return "", newError("rpc_unpack", CodeBadUnpack, err)
	}
	b.msg = msg
	b.peer = int(*req.ConsumerRank)
	b.epoch = *req.Epoch
	return *req.UPath, nil
}

// RPCRespond on a producer waits until the consumer has drained every slot
// sent to it, so the response that follows cannot overtake the data.
func (b *rdmaBackend) RPCRespond(ctx context.Context, _ *broker.Message) error {
	if b.mode != ModeProducer {
		return nil
	}
	e := b.remote(b.peer)
	if e == nil {
		return newError("rpc_respond", CodeNotConnected, fmt.Errorf("no connection to rank %d", b.peer))
	}
	ctx, cancel := boundedContext(ctx, b.timeout)
	defer cancel()
	return b.awaitCredit(ctx, "rpc_respond", e, e.seq)
}

func (b *rdmaBackend) RPCRecvResponse(f broker.Future) error {
	if f == nil {
		return newError("rpc_recv_response", CodeBadRPC, errors.New("nil future"))
	}
	if b.f != nil {
		return newError("rpc_recv_response", CodeBadState, errors.New("a future is already bound; call close_connection first"))
	}
	b.f = f
	return nil
}

func (b *rdmaBackend) EstablishConnection(ctx context.Context) error {
	if b.peer < 0 {
		return newError("establish_connection", CodeNotConnected, errors.New("no peer selected; pack or unpack a request first"))
	}
	ctx, cancel := boundedContext(ctx, b.timeout)
	defer cancel()
	if b.mode == ModeConsumer {
		return b.exposeRegion(ctx, b.peer)
	}
	return b.connectToConsumer(ctx, b.peer)
}

// exposeRegion registers a receive region for peer and ships the recv
// worker address and the region's key to it. It runs once per peer.
func (b *rdmaBackend) exposeRegion(ctx context.Context, peer int) error {
	const op = "establish_connection"
	b.mu.RLock()
	_, done := b.regions[peer]
	b.mu.RUnlock()
	if done {
		return nil
	}

	mem, err := b.ctx.MapMemory(slotHeaderSize + b.capacity)
	if err != nil {
		b.logStatus("could not map receive memory", op, err, logKV("peer", peer))
		return newError(op, CodeSysFail, err)
	}
	fail := func(code Code, err error) error {
		_ = mem.Close()
		return newError(op, code, err)
	}

	if err := sendBytes(ctx, b.comm, peer, tagWorkerAddress, b.workers[recvWorker].address); err != nil {
		b.log.Errorw("could not send worker address", "op", op, "peer", peer, "error", err)
		return fail(commCode(err), err)
	}
	blob, err := mem.PackRKey()
	if err != nil {
		b.logStatus("could not pack remote key", op, err, logKV("peer", peer))
		return fail(CodeSysFail, err)
	}
	rec := setupRecord{raddr: mem.Address(), rkeyLen: uint64(len(blob)), capacity: uint64(b.capacity)}
	if len(blob) > b.maxRKey {
		// The peer is told the real length so it fails the same way.
		_ = b.comm.Send(ctx, peer, tagSetup, rec.encode())
		err := fmt.Errorf("packed remote key is %d bytes, limit is %d", len(blob), b.maxRKey)
		b.log.Errorw("remote key too large", "op", op, "peer", peer, "error", err)
		return fail(CodeBadConfig, err)
	}
	rec.blob = blob
	if err := b.comm.Send(ctx, peer, tagSetup, rec.encode()); err != nil {
		b.log.Errorw("could not send setup record", "op", op, "peer", peer, "error", err)
		return fail(commCode(err), err)
	}

	ack, err := b.comm.Recv(ctx, peer, tagReady)
	if err != nil {
		b.log.Errorw("peer did not acknowledge setup", "op", op, "peer", peer, "error", err)
		return fail(commCode(err), err)
	}
	if len(ack) != 1 || ack[0] != readyOK {
		return fail(CodeBadConfig, fmt.Errorf("rank %d rejected the setup record", peer))
	}

	b.mu.Lock()
	b.regions[peer] = &localRegion{mem: mem}
	b.mu.Unlock()
	if b.debug {
		b.log.Debugw("exposed receive region", "op", op, "peer", peer, "raddr", rec.raddr, "rkey_len", rec.rkeyLen)
	}
	return nil
}

// connectToConsumer builds the endpoint and unpacked key for peer. It runs
// once per peer; the result is reused by every later transfer.
func (b *rdmaBackend) connectToConsumer(ctx context.Context, peer int) error {
	const op = "establish_connection"
	if b.remote(peer) != nil {
		return nil
	}

	reject := func(code Code, err error) error {
		_ = b.comm.Send(ctx, peer, tagReady, []byte{readyReject})
		return newError(op, code, err)
	}

	addr, err := recvBytes(ctx, b.comm, peer, tagWorkerAddress)
	if err != nil {
		b.log.Errorw("could not receive worker address", "op", op, "peer", peer, "error", err)
		return newError(op, commCode(err), err)
	}
	raw, err := b.comm.Recv(ctx, peer, tagSetup)
	if err != nil {
		b.log.Errorw("could not receive setup record", "op", op, "peer", peer, "error", err)
		return newError(op, commCode(err), err)
	}
	rec, err := decodeSetupRecord(raw)
	if err != nil {
		return reject(CodeBadConfig, err)
	}
	if rec.rkeyLen > uint64(b.maxRKey) {
		err := fmt.Errorf("remote key of %d bytes exceeds limit of %d", rec.rkeyLen, b.maxRKey)
		b.log.Errorw("remote key too large", "op", op, "peer", peer, "error", err)
		return reject(CodeBadConfig, err)
	}
	if uint64(len(rec.blob)) != rec.rkeyLen {
		return reject(CodeBadConfig, fmt.Errorf("setup record carries %d key bytes, header says %d", len(rec.blob), rec.rkeyLen))
	}

	w := b.workers[transportWorker]
	w.mu.Lock()
	ep, err := w.worker.Connect(addr)
	w.mu.Unlock()
	if err != nil {
		b.logStatus("could not create endpoint", op, err, logKV("peer", peer))
		return reject(CodeSysFail, err)
	}
	rkey, err := ep.UnpackRKey(rec.blob)
	if err != nil {
		_ = ep.Close()
		b.logStatus("could not unpack remote key", op, err, logKV("peer", peer))
		return reject(CodeSysFail, err)
	}
	if err := b.comm.Send(ctx, peer, tagReady, []byte{readyOK}); err != nil {
		_ = rkey.Close()
		_ = ep.Close()
		return newError(op, commCode(err), err)
	}

	w.mu.Lock()
	w.endpoints[peer] = ep
	w.mu.Unlock()
	b.mu.Lock()
	b.remotes[peer] = &remoteEntry{
		raddr:    rec.raddr,
		capacity: rec.capacity,
		rkey:     rkey,
		ep:       ep,
	}
	b.mu.Unlock()
	if b.debug {
		b.log.Debugw("connected to consumer", "op", op, "peer", peer, "raddr", rec.raddr, "capacity", rec.capacity)
	}
	return nil
}

func (b *rdmaBackend) remote(peer int) *remoteEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.remotes[peer]
}

func (b *rdmaBackend) region(peer int) *localRegion {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.regions[peer]
}

func (b *rdmaBackend) Send(ctx context.Context, buf *Buffer, length int) error {
	const op = "send"
	if err := checkSendBuffer(op, buf, length); err != nil {
		return err
	}
	if b.mode != ModeProducer {
		return newError(op, CodeBadState, errors.New("only a producer sends over rdma"))
	}
	e := b.remote(b.peer)
	if e == nil {
		return newError(op, CodeNotConnected, fmt.Errorf("no connection to rank %d", b.peer))
	}
	if uint64(length) > e.capacity {
		return newError(op, CodeBadBuffer, fmt.Errorf("%d bytes exceed the remote capacity of %d", length, e.capacity))
	}

	ctx, cancel := boundedContext(ctx, b.timeout)
	defer cancel()
	if err := b.settle(ctx, op, e); err != nil {
		return err
	}
	if err := b.awaitCredit(ctx, op, e, e.seq); err != nil {
		return err
	}
	if length > 0 {
		if err := b.put(ctx, op, e, e.raddr+slotHeaderSize, buf.data[:length], buf); err != nil {
			return err
		}
	}
	hdr := slotHeader{seq: e.seq + 1, epoch: b.epoch, length: uint64(length)}
	err := b.put(ctx, op, e, e.raddr, hdr.encode(), nil)
	if err == nil || errors.Is(err, ErrIncomplete) {
		// A header still in flight may land, so its seq is spent.
		e.seq = hdr.seq
	}
	if err != nil {
		return err
	}
	b.perf.bytes(length, op)
	if b.debug {
		b.log.Debugw("successfully put file contents to consumer", "op", op, "peer", b.peer, "seq", hdr.seq, "bytes", length)
	}
	return nil
}

// put issues one non-blocking put of data, which lives in owner when owner
// is not nil, and drives it to completion. A put still pending when the
// wait gives up keeps owner's memory out of the buffer pool and blocks the
// region until settle sees it complete.
func (b *rdmaBackend) put(ctx context.Context, op string, e *remoteEntry, raddr uint64, data []byte, owner *Buffer) error {
	w := b.workers[transportWorker]
	w.mu.Lock()
	req, err := e.ep.Put(data, raddr, e.rkey, nil)
	w.mu.Unlock()
	switch {
	case err != nil:
		b.logStatus("rdma put failed", op, err, logKV("peer", b.peer))
		return newError(op, CodeTransport, err)
	case req == nil:
		return nil
	}
	regionFrom(ctx).event("rdma.put_pending", logKV("peer", b.peer), logKV("bytes", len(data)))
	if err := rdma.Wait(ctx, w, req, b.waitOpts); err != nil {
		if errors.Is(err, rdma.ErrIncomplete) {
			if owner != nil {
				owner.retained.Store(true)
			}
			e.inflight = req
			b.log.Errorw("rdma put did not complete in time", "op", op, "peer", b.peer, "error", err)
			return newError(op, CodeIncomplete, err)
		}
		b.logStatus("rdma put completed with an error", op, err, logKV("peer", b.peer))
		return newError(op, CodeTransport, err)
	}
	return nil
}

// settle waits for a put left pending by an earlier send. Its status no
// longer matters, only that it can no longer land on the region.
func (b *rdmaBackend) settle(ctx context.Context, op string, e *remoteEntry) error {
	if e.inflight == nil {
		return nil
	}
	regionFrom(ctx).event("rdma.settle_inflight", logKV("peer", b.peer))
	err := rdma.Wait(ctx, b.workers[transportWorker], e.inflight, b.waitOpts)
	if errors.Is(err, rdma.ErrIncomplete) {
		b.log.Errorw("an earlier rdma put is still in flight", "op", op, "peer", b.peer, "error", err)
		return newError(op, CodeIncomplete, err)
	}
	if err != nil {
		b.logStatus("an earlier rdma put completed with an error", op, err, logKV("peer", b.peer))
	}
	e.inflight = nil
	return nil
}

// awaitCredit blocks until the consumer has acknowledged slot seq.
func (b *rdmaBackend) awaitCredit(ctx context.Context, op string, e *remoteEntry, seq uint64) error {
	if e.acked < seq {
		regionFrom(ctx).event("rdma.credit_wait", logKV("peer", b.peer), logKV("seq", seq), logKV("acked", e.acked))
	}
	for e.acked < seq {
		p, err := b.comm.Recv(ctx, b.peer, tagCredit)
		if err != nil {
			b.log.Errorw("consumer did not release the receive slot", "op", op, "peer", b.peer, "seq", seq, "error", err)
			return newError(op, commCode(err), err)
		}
		if len(p) != 8 {
			return newError(op, CodeTransport, fmt.Errorf("malformed credit of %d bytes", len(p)))
		}
		if acked := binary.LittleEndian.Uint64(p); acked > e.acked {
			e.acked = acked
		}
	}
	return nil
}

func (b *rdmaBackend) Recv(ctx context.Context) (*Buffer, error) {
	const op = "recv"
	if b.mode != ModeConsumer {
		return nil, newError(op, CodeBadState, errors.New("only a consumer receives over rdma"))
	}
	lr := b.region(b.peer)
	if lr == nil {
		return nil, newError(op, CodeNotConnected, fmt.Errorf("no receive region for rank %d", b.peer))
	}

	ctx, cancel := boundedContext(ctx, b.timeout)
	defer cancel()

	var (
		hdr      slotHeader
		finished bool
	)
	fresh := func() (bool, error) {
		h, err := readSlotHeader(lr.mem)
		if err != nil {
			return false, newError(op, CodeTransport, err)
		}
		if h.seq <= lr.lastSeq {
			return false, nil
		}
		if h.epoch != b.epoch {
			return false, b.releaseSlot(ctx, op, lr, h)
		}
		hdr = h
		return true, nil
	}
	err := rdma.PollUntil(ctx, b.workers[recvWorker], func() (bool, error) {
		if ok, err := fresh(); ok || err != nil {
			return ok, err
		}
		if b.f == nil || !b.f.Ready() {
			return false, nil
		}
		_, ferr := b.f.Get(ctx)
		switch {
		case ferr == nil:
			b.f.Reset()
			return false, nil
		case broker.IsEndOfStream(ferr):
			if ok, err := fresh(); ok || err != nil {
				return ok, err
			}
			finished = true
			return true, nil
		default:
			return false, newError(op, CodeBadRPC, ferr)
		}
	}, b.waitOpts)
	if err != nil {
		var de *Error
		switch {
		case errors.As(err, &de):
		case errors.Is(err, rdma.ErrIncomplete):
			err = newError(op, CodeIncomplete, err)
		default:
			err = newError(op, CodeTransport, err)
		}
		b.log.Errorw("could not receive file data over rdma", "op", op, "peer", b.peer, "error", err)
		return nil, err
	}
	if finished {
		b.log.Debugw("rdma stream finished", "op", op, "peer", b.peer)
		return nil, newError(op, CodeRPCFinished, broker.ErrNoData)
	}
	if hdr.length > uint64(b.capacity) {
		return nil, newError(op, CodeBadRPC, fmt.Errorf("slot header claims %d bytes, capacity is %d", hdr.length, b.capacity))
	}

	var buf *Buffer
	if err := b.GetBuffer(int(hdr.length), &buf); err != nil {
		return nil, err
	}
	if hdr.length > 0 {
		if _, err := lr.mem.ReadAt(buf.data, slotHeaderSize); err != nil {
			_ = b.ReturnBuffer(&buf)
			return nil, newError(op, CodeTransport, err)
		}
	}
	lr.lastSeq = hdr.seq

	if err := b.sendCredit(ctx, hdr.seq); err != nil {
		_ = b.ReturnBuffer(&buf)
		b.log.Errorw("could not release the receive slot", "op", op, "peer", b.peer, "error", err)
		return nil, newError(op, commCode(err), err)
	}
	b.perf.bytes(len(buf.data), op)
	return buf, nil
}

func (b *rdmaBackend) sendCredit(ctx context.Context, seq uint64) error {
	credit := make([]byte, 8)
	binary.LittleEndian.PutUint64(credit, seq)
	return b.comm.Send(ctx, b.peer, tagCredit, credit)
}

// releaseSlot consumes a slot written for an earlier request of this
// consumer without reading it, so the producer can reuse the region.
func (b *rdmaBackend) releaseSlot(ctx context.Context, op string, lr *localRegion, h slotHeader) error {
	lr.lastSeq = h.seq
	regionFrom(ctx).event("rdma.stale_slot", logKV("peer", b.peer), logKV("seq", h.seq), logKV("epoch", h.epoch))
	b.log.Infow("discarded a slot left by an earlier request", "op", op, "peer", b.peer, "seq", h.seq, "slot_epoch", h.epoch, "epoch", b.epoch, "bytes", h.length)
	if err := b.sendCredit(ctx, h.seq); err != nil {
		b.log.Errorw("could not release the receive slot", "op", op, "peer", b.peer, "error", err)
		return newError(op, commCode(err), err)
	}
	return nil
}

// CloseConnection ends the current request. A consumer first gives back a
// slot the request left unread.
func (b *rdmaBackend) CloseConnection() error {
	var err error
	if b.mode == ModeConsumer && b.peer >= 0 {
		err = b.drainSlot()
	}
	b.msg = nil
	b.f = nil
	b.peer = -1
	b.epoch = 0
	return err
}

func (b *rdmaBackend) drainSlot() error {
	const op = "close_connection"
	lr := b.region(b.peer)
	if lr == nil {
		return nil
	}
	h, err := readSlotHeader(lr.mem)
	if err != nil {
		return newError(op, CodeTransport, err)
	}
	if h.seq <= lr.lastSeq {
		return nil
	}
	ctx, cancel := boundedContext(context.Background(), b.timeout)
	defer cancel()
	return b.releaseSlot(ctx, op, lr, h)
}

func (b *rdmaBackend) Finalize() error {
	b.msg = nil
	b.f = nil
	return b.teardown()
}

// teardown releases keys, endpoints, regions, workers and the context in
// that order.
func (b *rdmaBackend) teardown() error {
	var errs []error
	b.mu.Lock()
	for peer, e := range b.remotes {
		if e.rkey != nil {
			errs = append(errs, e.rkey.Close())
		}
		delete(b.remotes, peer)
	}
	for peer, lr := range b.regions {
		errs = append(errs, lr.mem.Close())
		delete(b.regions, peer)
	}
	b.mu.Unlock()

	for i, w := range b.workers {
		if w == nil {
			continue
		}
		w.mu.Lock()
		for peer, ep := range w.endpoints {
			errs = append(errs, ep.Close())
			delete(w.endpoints, peer)
		}
		errs = append(errs, w.worker.Close())
		w.mu.Unlock()
		b.workers[i] = nil
	}
	if b.ctx != nil {
		errs = append(errs, b.ctx.Close())
		b.ctx = nil
	}
	if err := errors.Join(errs...); err != nil {
		return newError("finalize", CodeSysFail, err)
	}
	return nil
}

func checkRank(c oob.Comm, rank int) error {
	if rank < 0 || rank >= c.Size() {
		return fmt.Errorf("%w: %d (world size %d)", oob.ErrInvalidRank, rank, c.Size())
	}
	return nil
}

func commCode(err error) Code {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeIncomplete
	}
	return CodeTransport
}

// sendBytes sends the length of p and then p.
func sendBytes(ctx context.Context, c oob.Comm, to, tag int, p []byte) error {
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(p)))
	if err := c.Send(ctx, to, tag, size[:]); err != nil {
		return err
	}
	return c.Send(ctx, to, tag, p)
}

func recvBytes(ctx context.Context, c oob.Comm, from, tag int) ([]byte, error) {
	size, err := c.Recv(ctx, from, tag)
	if err != nil {
		return nil, err
	}
	if len(size) != 8 {
		return nil, fmt.Errorf("length prefix of %d bytes", len(size))
	}
	p, err := c.Recv(ctx, from, tag)
	if err != nil {
		return nil, err
	}
	if want := binary.LittleEndian.Uint64(size); uint64(len(p)) != want {
		return nil, fmt.Errorf("expected %d bytes, got %d", want, len(p))
	}
	return p, nil
}
