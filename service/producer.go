// Package service is the DYAD module built on the data transport layer: a
// producer that serves managed files to consumers on request, and a
// consumer that fetches them.
package service

import (
	"context"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/flux-framework/flux-dyad/broker"
	"github.com/flux-framework/flux-dyad/dtl"
)

// DefaultTopic is the service method consumers call to fetch a file.
const DefaultTopic = "dyad.fetch"

// ProducerConfig configures NewProducer.
type ProducerConfig struct {
	Broker broker.Handle
	DTL    *dtl.Handle
	Store  Store
	Topic  string
	// ChunkSize splits payloads into several sends. Zero sends each file
	// in one piece. On the RDMA backend it must not exceed the consumer's
	// receive capacity.
	ChunkSize int
	Logger    *zap.SugaredLogger
	Debug     bool
}

// ProducerStats is a snapshot of served requests.
type ProducerStats struct {
	Served    uint64
	Failed    uint64
	BytesSent uint64
}

// Producer answers fetch requests from its Store.
type Producer struct {
	h         *dtl.Handle
	store     Store
	topic     string
	chunkSize int
	log       *zap.SugaredLogger
	debug     bool

	served atomic.Uint64
	failed atomic.Uint64
	bytes  atomic.Uint64
}

// NewProducer registers the fetch service on cfg.Broker. The handle must be
// in producer mode; requests are served one at a time.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if cfg.Broker == nil || cfg.DTL == nil || cfg.Store == nil {
		return nil, errors.New("service: producer requires a broker, a DTL handle and a store")
	}
	if cfg.DTL.Mode() != dtl.ModeProducer {
		return nil, fmt.Errorf("service: DTL handle is in %s mode", cfg.DTL.Mode())
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	p := &Producer{
		h:         cfg.DTL,
		store:     cfg.Store,
		topic:     cfg.Topic,
		chunkSize: cfg.ChunkSize,
		log:       cfg.Logger.With("component", "producer", "rank", cfg.Broker.Rank()),
		debug:     cfg.Debug,
	}
	if err := cfg.Broker.RegisterService(cfg.Topic, p.serve); err != nil {
		return nil, fmt.Errorf("service: register %s: %w", cfg.Topic, err)
	}
	return p, nil
}

// Stats returns counters for requests handled so far.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		Served:    p.served.Load(),
		Failed:    p.failed.Load(),
		BytesSent: p.bytes.Load(),
	}
}

func (p *Producer) serve(ctx context.Context, bh broker.Handle, msg *broker.Message) {
	defer func() {
		if err := p.h.CloseConnection(); err != nil {
			p.log.Errorw("could not close DTL connection", "msg_id", msg.ID, "error", err)
		}
	}()

	errno, err := p.respond(ctx, msg)
	if err != nil {
		p.failed.Add(1)
		p.log.Errorw("fetch failed", "msg_id", msg.ID, "sender", msg.Sender, "error", err)
		if rerr := bh.RespondError(msg, errno, err.Error()); rerr != nil {
			p.log.Errorw("could not send error response", "msg_id", msg.ID, "error", rerr)
		}
		return
	}
	p.served.Add(1)
	if err := bh.RespondError(msg, unix.ENODATA, ""); err != nil {
		p.log.Errorw("could not end response stream", "msg_id", msg.ID, "error", err)
	}
}

// respond streams the requested file and returns the errno to report when
// it fails.
func (p *Producer) respond(ctx context.Context, msg *broker.Message) (unix.Errno, error) {
	upath, err := p.h.RPCUnpack(msg)
	if err != nil {
		return unix.EPROTO, err
	}
	// The consumer sets up its side right after issuing the request, so
	// connect before anything else can fail.
	if err := p.h.EstablishConnection(ctx); err != nil {
		return unix.ECONNREFUSED, err
	}
	data, err := p.store.Get(ctx, upath)
	switch {
	case errors.Is(err, ErrNotFound):
		return unix.ENOENT, err
	case errors.Is(err, ErrInvalidPath):
		return unix.EINVAL, err
	case err != nil:
		return unix.EIO, err
	}

	chunk := p.chunkSize
	if chunk <= 0 || chunk > len(data) {
		chunk = len(data)
	}
	for off := 0; ; off += chunk {
		end := min(off+chunk, len(data))
		if err := p.sendChunk(ctx, data[off:end]); err != nil {
			return unix.EIO, err
		}
		if end == len(data) {
			break
		}
	}
	if err := p.h.RPCRespond(ctx, msg); err != nil {
		return unix.EIO, err
	}
	p.bytes.Add(uint64(len(data)))
	if p.debug {
		p.log.Debugw("served file", "msg_id", msg.ID, "upath", upath, "bytes", len(data), "digest", digest.FromBytes(data).String())
	}
	return 0, nil
}

func (p *Producer) sendChunk(ctx context.Context, chunk []byte) error {
	var buf *dtl.Buffer
	if err := p.h.GetBuffer(len(chunk), &buf); err != nil {
		return err
	}
	copy(buf.Bytes(), chunk)
	err := p.h.Send(ctx, buf, len(chunk))
	if rerr := p.h.ReturnBuffer(&buf); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
