package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"

	"github.com/flux-framework/flux-dyad/broker"
	"github.com/flux-framework/flux-dyad/dtl"
	"github.com/flux-framework/flux-dyad/oob"
	"github.com/flux-framework/flux-dyad/rdma/loopback"
)

type node struct {
	bh broker.Handle
	h  *dtl.Handle
}

func newNodes(t *testing.T, comm dtl.CommMode) (producer, consumer node) {
	t.Helper()
	bus := broker.NewLocal()
	world := oob.NewLocalWorld(2)
	fabric := loopback.NewFabric(loopback.Options{RKeySize: 64})

	mk := func(rank uint32, mode dtl.Mode) node {
		bh, err := bus.Join(rank)
		require.NoError(t, err)
		h, err := dtl.Init(dtl.Config{
			Mode:         mode,
			CommMode:     comm,
			Broker:       bh,
			Comm:         world[rank],
			Provider:     fabric,
			Timeout:      2 * time.Second,
			RecvCapacity: 1 << 16,
		})
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = dtl.Finalize(&h)
			_ = bh.Close()
		})
		return node{bh: bh, h: h}
	}
	return mk(0, dtl.ModeProducer), mk(1, dtl.ModeConsumer)
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

func TestFetchOverBothBackends(t *testing.T) {
	for _, comm := range []dtl.CommMode{dtl.CommRPC, dtl.CommRDMA} {
		t.Run(comm.String(), func(t *testing.T) {
			prodNode, consNode := newNodes(t, comm)
			store := NewMemStore()
			data := payload(200_000)
			require.NoError(t, store.Put(context.Background(), "/data/run1/out.bin", data))

			logger, logs := newObservedLogger()
			producer, err := NewProducer(ProducerConfig{
				Broker:    prodNode.bh,
				DTL:       prodNode.h,
				Store:     store,
				ChunkSize: 1 << 16,
				Logger:    logger,
				Debug:     true,
			})
			require.NoError(t, err)

			consumer, err := NewConsumer(ConsumerConfig{Broker: consNode.bh, DTL: consNode.h})
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			got, err := consumer.FetchVerified(ctx, "/data/run1/out.bin", 0, digest.FromBytes(data))
			require.NoError(t, err)
			require.Equal(t, data, got)

			// The handle is reusable for the next request.
			got, err = consumer.Fetch(ctx, "data/run1/out.bin", 0)
			require.NoError(t, err)
			require.Equal(t, data, got)

			stats := producer.Stats()
			require.EqualValues(t, 2, stats.Served)
			require.EqualValues(t, 0, stats.Failed)
			require.EqualValues(t, 2*len(data), stats.BytesSent)

			served := logs.FilterMessage("served file").All()
			require.Len(t, served, 2)
			require.Equal(t, digest.FromBytes(data).String(), served[0].ContextMap()["digest"])
		})
	}
}

func TestFetchMissingFileIsAnError(t *testing.T) {
	for _, comm := range []dtl.CommMode{dtl.CommRPC, dtl.CommRDMA} {
		t.Run(comm.String(), func(t *testing.T) {
			prodNode, consNode := newNodes(t, comm)
			producer, err := NewProducer(ProducerConfig{Broker: prodNode.bh, DTL: prodNode.h, Store: NewMemStore()})
			require.NoError(t, err)
			consumer, err := NewConsumer(ConsumerConfig{Broker: consNode.bh, DTL: consNode.h})
			require.NoError(t, err)

			_, err = consumer.Fetch(context.Background(), "/nope", 0)
			require.ErrorIs(t, err, dtl.ErrBadRPC)
			require.ErrorIs(t, err, unix.ENOENT)
			require.False(t, dtl.IsFinished(err))
			require.EqualValues(t, 1, producer.Stats().Failed)
		})
	}
}

func TestFetchVerifiedRejectsMismatch(t *testing.T) {
	prodNode, consNode := newNodes(t, dtl.CommRPC)
	store := NewMemStore()
	require.NoError(t, store.Put(context.Background(), "/f", []byte("actual")))
	_, err := NewProducer(ProducerConfig{Broker: prodNode.bh, DTL: prodNode.h, Store: store})
	require.NoError(t, err)

	cache := NewMemStore()
	consumer, err := NewConsumer(ConsumerConfig{Broker: consNode.bh, DTL: consNode.h, Cache: cache})
	require.NoError(t, err)

	_, err = consumer.FetchVerified(context.Background(), "/f", 0, digest.FromString("expected"))
	require.ErrorIs(t, err, ErrDigestMismatch)
	_, err = cache.Get(context.Background(), "/f")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = consumer.FetchVerified(context.Background(), "/f", 0, digest.Digest("sha256:short"))
	require.Error(t, err)

	got, err := consumer.FetchVerified(context.Background(), "/f", 0, digest.FromString("actual"))
	require.NoError(t, err)
	require.Equal(t, "actual", string(got))
	cached, err := cache.Get(context.Background(), "/f")
	require.NoError(t, err)
	require.Equal(t, "actual", string(cached))
}

func TestFetchUnknownProducer(t *testing.T) {
	_, consNode := newNodes(t, dtl.CommRPC)
	consumer, err := NewConsumer(ConsumerConfig{Broker: consNode.bh, DTL: consNode.h})
	require.NoError(t, err)
	_, err = consumer.Fetch(context.Background(), "/f", 7)
	require.ErrorIs(t, err, unix.EHOSTUNREACH)
}

func TestConstructorsCheckMode(t *testing.T) {
	prodNode, consNode := newNodes(t, dtl.CommRPC)
	_, err := NewProducer(ProducerConfig{Broker: consNode.bh, DTL: consNode.h, Store: NewMemStore()})
	require.Error(t, err)
	_, err = NewConsumer(ConsumerConfig{Broker: prodNode.bh, DTL: prodNode.h})
	require.Error(t, err)
	_, err = NewProducer(ProducerConfig{Broker: prodNode.bh, DTL: prodNode.h})
	require.Error(t, err)

	_, err = NewProducer(ProducerConfig{Broker: prodNode.bh, DTL: prodNode.h, Store: NewMemStore()})
	require.NoError(t, err)
	_, err = NewProducer(ProducerConfig{Broker: prodNode.bh, DTL: prodNode.h, Store: NewMemStore()})
	require.Error(t, err, "topic can only be registered once")
}

func TestDirStore(t *testing.T) {
	root := t.TempDir()
	s := DirStore{Root: root}
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "/run1/out.bin", []byte("hello")))
	raw, err := os.ReadFile(filepath.Join(root, "run1", "out.bin"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(raw))

	got, err := s.Get(ctx, "run1/out.bin")
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	_, err = s.Get(ctx, "/run1/missing")
	require.ErrorIs(t, err, ErrNotFound)

	for _, bad := range []string{"", "/", "../etc/passwd", "a/../../b"} {
		_, err := s.Get(ctx, bad)
		require.ErrorIs(t, err, ErrInvalidPath, "path %q", bad)
	}

	entries, err := os.ReadDir(filepath.Join(root, "run1"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestMemStoreCopies(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	src := []byte("abc")
	require.NoError(t, s.Put(ctx, "/x", src))
	src[0] = 'z'
	got, err := s.Get(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))
	got[0] = 'q'
	again, _ := s.Get(ctx, "/x")
	require.Equal(t, "abc", string(again))

	_, err = s.Get(ctx, "/y")
	require.True(t, errors.Is(err, ErrNotFound))
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core).Sugar(), logs
}
