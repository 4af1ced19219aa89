package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/flux-framework/flux-dyad/broker"
	"github.com/flux-framework/flux-dyad/dtl"
)

// ErrDigestMismatch is returned when fetched content does not match the
// expected digest.
var ErrDigestMismatch = errors.New("service: digest mismatch")

// ConsumerConfig configures NewConsumer.
type ConsumerConfig struct {
	Broker broker.Handle
	DTL    *dtl.Handle
	Topic  string
	// Cache, when set, receives every fetched file under its upath.
	Cache  Store
	Logger *zap.SugaredLogger
}

// Consumer fetches files from producers. It issues one fetch at a time.
type Consumer struct {
	bh    broker.Handle
	h     *dtl.Handle
	topic string
	cache Store
	log   *zap.SugaredLogger
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Broker == nil || cfg.DTL == nil {
		return nil, errors.New("service: consumer requires a broker and a DTL handle")
	}
	if cfg.DTL.Mode() != dtl.ModeConsumer {
		return nil, fmt.Errorf("service: DTL handle is in %s mode", cfg.DTL.Mode())
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Consumer{
		bh:    cfg.Broker,
		h:     cfg.DTL,
		topic: cfg.Topic,
		cache: cfg.Cache,
		log:   cfg.Logger.With("component", "consumer", "rank", cfg.Broker.Rank()),
	}, nil
}

// Fetch retrieves upath from the producer on producerRank.
func (c *Consumer) Fetch(ctx context.Context, upath string, producerRank uint32) ([]byte, error) {
	return c.fetch(ctx, upath, producerRank, "")
}

// FetchVerified is Fetch that fails with ErrDigestMismatch unless the
// content matches want. Mismatching content is not cached.
func (c *Consumer) FetchVerified(ctx context.Context, upath string, producerRank uint32, want digest.Digest) ([]byte, error) {
	if err := want.Validate(); err != nil {
		return nil, fmt.Errorf("service: expected digest: %w", err)
	}
	return c.fetch(ctx, upath, producerRank, want)
}

func (c *Consumer) fetch(ctx context.Context, upath string, producerRank uint32, want digest.Digest) ([]byte, error) {
	defer func() {
		if err := c.h.CloseConnection(); err != nil {
			c.log.Errorw("could not close DTL connection", "upath", upath, "error", err)
		}
	}()

	packed, err := c.h.RPCPack(upath, producerRank)
	if err != nil {
		return nil, err
	}
	f, err := c.bh.RPC(ctx, c.topic, producerRank, packed)
	if err != nil {
		return nil, fmt.Errorf("service: fetch %s from rank %d: %w", upath, producerRank, err)
	}
	if err := c.h.RPCRecvResponse(f); err != nil {
		return nil, err
	}
	if err := c.h.EstablishConnection(ctx); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	for {
		buf, err := c.h.Recv(ctx)
		if dtl.IsFinished(err) {
			break
		}
		if err != nil {
			return nil, err
		}
		out.Write(buf.Bytes())
		if err := c.h.ReturnBuffer(&buf); err != nil {
			return nil, err
		}
	}

	data := out.Bytes()
	if want != "" {
		v := want.Verifier()
		_, _ = v.Write(data)
		if !v.Verified() {
			return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrDigestMismatch, upath, want.Algorithm().FromBytes(data), want)
		}
	}
	if c.cache != nil {
		if err := c.cache.Put(ctx, upath, data); err != nil {
			return nil, fmt.Errorf("service: cache %s: %w", upath, err)
		}
	}
	c.log.Debugw("fetched file", "upath", upath, "producer", producerRank, "bytes", len(data))
	return data, nil
}
