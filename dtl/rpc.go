package dtl

import (
	"context"
	"errors"
	"time"

	"github.com/flux-framework/flux-dyad/broker"
)

var errNoFuture = errors.New("cannot get data using RPC without a future")

// rpcBackend sends payloads as raw responses to the inbound request.
type rpcBackend struct {
	*bufferManager
	h       broker.Handle
	debug   bool
	codec   Codec
	log     Logger
	perf    *perf
	timeout time.Duration

	// msg is borrowed from the broker and valid until CloseConnection.
	msg *broker.Message
	f   broker.Future
}

func newRPCBackend(cfg Config, p *perf) (*rpcBackend, error) {
	if cfg.Broker == nil {
		return nil, newError("init", CodeBadConfig, errors.New("rpc backend requires a broker handle"))
	}
	return &rpcBackend{
		bufferManager: newBufferManager(cfg.MaxBufferSize, cfg.PoolSlotSize, cfg.PoolCapacity),
		h:             cfg.Broker,
		debug:         cfg.Debug,
		codec:         cfg.Codec,
		log:           cfg.Logger,
		perf:          p,
		timeout:       cfg.Timeout,
	}, nil
}

func (b *rpcBackend) RPCPack(upath string, _ uint32) ([]byte, error) {
	packed, err := packLookup(b.codec, lookupRequest{UPath: &upath})
	if err != nil {
		b.log.Errorw("could not pack upath for RPC DTL", "op", "rpc_pack", "error", err)
		return nil, newError("rpc_pack", CodeBadPack, err)
	}
	return packed, nil
}

func (b *rpcBackend) RPCUnpack(msg *broker.Message) (string, error) {
	if msg == nil {
		return "", newError("rpc_unpack", CodeBadUnpack, errors.New("nil message"))
	}
	if b.msg != nil {
		return "", newError("rpc_unpack", CodeBadState, errors.New("a request is already bound; call close_connection first"))
	}
	req, err := unpackLookup(b.codec, msg.Payload)
	if err != nil {
		b.log.Errorw("could not unpack message from consumer", "op", "rpc_unpack", "msg_id", msg.ID, "error", err)
		return "", newError("rpc_unpack", CodeBadUnpack, err)
	}
	b.msg = msg
	return *req.UPath, nil
}

func (b *rpcBackend) RPCRespond(context.Context, *broker.Message) error {
	return nil
}

func (b *rpcBackend) RPCRecvResponse(f broker.Future) error {
	if f == nil {
		return newError("rpc_recv_response", CodeBadRPC, errors.New("nil future"))
	}
	if b.f != nil {
		return newError("rpc_recv_response", CodeBadState, errors.New("a future is already bound; call close_connection first"))
	}
	b.f = f
	return nil
}

func (b *rpcBackend) EstablishConnection(context.Context) error {
	return nil
}

func (b *rpcBackend) Send(_ context.Context, buf *Buffer, length int) error {
	if err := checkSendBuffer("send", buf, length); err != nil {
		return err
	}
	if b.msg == nil {
		return newError("send", CodeBadState, errors.New("no inbound request to respond to"))
	}
	b.log.Debugw("send data to consumer using an RPC response", "op", "send", "msg_id", b.msg.ID, "bytes", length)
	if err := b.h.Respond(b.msg, buf.data[:length]); err != nil {
		b.log.Errorw("could not send RPC response containing file contents", "op", "send", "msg_id", b.msg.ID, "error", err)
		return newError("send", CodeTransport, err)
	}
	b.perf.bytes(length, "send")
	if b.debug {
		b.log.Debugw("successfully sent file contents to consumer", "op", "send", "msg_id", b.msg.ID, "bytes", length)
	}
	return nil
}

func (b *rpcBackend) Recv(ctx context.Context) (*Buffer, error) {
	b.log.Debugw("get file contents from module using RPC", "op", "recv")
	if b.f == nil {
		b.log.Errorw(errNoFuture.Error(), "op", "recv")
		return nil, newError("recv", CodeBadState, errNoFuture)
	}
	defer b.f.Reset()

	ctx, cancel := boundedContext(ctx, b.timeout)
	defer cancel()
	data, err := b.f.Get(ctx)
	if err != nil {
		switch {
		case broker.IsEndOfStream(err):
			b.log.Debugw("rpc stream finished", "op", "recv")
			return nil, newError("recv", CodeRPCFinished, err)
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			b.log.Errorw("timed out waiting for file data from RPC", "op", "recv", "error", err)
			return nil, newError("recv", CodeIncomplete, err)
		default:
			b.log.Errorw("could not get file data from RPC", "op", "recv", "error", err)
			return nil, newError("recv", CodeBadRPC, err)
		}
	}

	var buf *Buffer
	if err := b.GetBuffer(len(data), &buf); err != nil {
		return nil, err
	}
	copy(buf.data, data)
	b.perf.bytes(len(data), "recv")
	return buf, nil
}

func (b *rpcBackend) CloseConnection() error {
	b.msg = nil
	b.f = nil
	return nil
}

func (b *rpcBackend) Finalize() error {
	b.h = nil
	b.msg = nil
	b.f = nil
	return nil
}
