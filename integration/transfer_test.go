//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/flux-framework/flux-dyad/broker"
	"github.com/flux-framework/flux-dyad/dtl"
	"github.com/flux-framework/flux-dyad/internal/config"
	"github.com/flux-framework/flux-dyad/internal/logging"
	"github.com/flux-framework/flux-dyad/oob"
	"github.com/flux-framework/flux-dyad/rdma/loopback"
	"github.com/flux-framework/flux-dyad/service"
)

// TransferSuite moves files between two ranks that share nothing but a
// local broker bus and a TCP out-of-band world.
type TransferSuite struct {
	suite.Suite
	comm dtl.CommMode

	comms    []oob.Comm
	producer *service.Producer
	consumer *service.Consumer
	handles  []*dtl.Handle
	brokers  []broker.Handle
	store    service.DirStore
	cache    service.DirStore
}

func (s *TransferSuite) SetupTest() {
	t := s.T()
	cfg := config.Default()
	cfg.Log.Outputs = []string{filepath.Join(t.TempDir(), "dyad.log")}
	cfg.Log.Level = "debug"
	cfg.DTL.CommMode = s.comm.String()
	cfg.DTL.Timeout = 5 * time.Second
	cfg.Service.ChunkSize = 64 << 10
	logger, err := logging.New(cfg.Log)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.comms = newTCPWorld(ctx, t, 2)

	bus := broker.NewLocal()
	fabric := loopback.NewFabric(loopback.Options{Outcome: loopback.OutcomeDeferred})
	s.store = service.DirStore{Root: t.TempDir()}
	s.cache = service.DirStore{Root: t.TempDir()}

	s.handles = make([]*dtl.Handle, 2)
	s.brokers = make([]broker.Handle, 2)
	for rank, mode := range []dtl.Mode{dtl.ModeProducer, dtl.ModeConsumer} {
		bh, err := bus.Join(uint32(rank))
		require.NoError(t, err)
		dc, err := cfg.Transport()
		require.NoError(t, err)
		dc.Mode = mode
		dc.Broker = bh
		dc.Comm = s.comms[rank]
		dc.Provider = fabric
		dc.Debug = true
		dc.Logger = logger.Sugar().With("rank", rank)
		h, err := dtl.Init(dc)
		require.NoError(t, err)
		s.handles[rank], s.brokers[rank] = h, bh
	}

	s.producer, err = service.NewProducer(service.ProducerConfig{
		Broker:    s.brokers[0],
		DTL:       s.handles[0],
		Store:     s.store,
		ChunkSize: cfg.Service.ChunkSize,
		Logger:    logger.Sugar(),
	})
	require.NoError(t, err)
	s.consumer, err = service.NewConsumer(service.ConsumerConfig{
		Broker: s.brokers[1],
		DTL:    s.handles[1],
		Cache:  s.cache,
		Logger: logger.Sugar(),
	})
	require.NoError(t, err)
}

func (s *TransferSuite) TearDownTest() {
	for i := range s.handles {
		_ = dtl.Finalize(&s.handles[i])
		_ = s.brokers[i].Close()
	}
	for _, c := range s.comms {
		_ = c.Close()
	}
}

func (s *TransferSuite) TestLargeFileIsCachedAfterVerification() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	data := make([]byte, 3<<20)
	_, err := rand.Read(data)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Put(ctx, "/ckpt/rank0/state.bin", data))

	got, err := s.consumer.FetchVerified(ctx, "/ckpt/rank0/state.bin", 0, digest.FromBytes(data))
	s.Require().NoError(err)
	s.Equal(len(data), len(got))
	s.Equal(digest.FromBytes(data), digest.FromBytes(got))

	cached, err := s.cache.Get(ctx, "/ckpt/rank0/state.bin")
	s.Require().NoError(err)
	s.Equal(digest.FromBytes(data), digest.FromBytes(cached))
}

func (s *TransferSuite) TestManySmallFiles() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	files := map[string]string{
		"/a/empty": "",
		"/a/one":   "1",
		"/b/c/d":   "nested file contents",
	}
	for p, body := range files {
		s.Require().NoError(s.store.Put(ctx, p, []byte(body)))
	}
	for round := 0; round < 3; round++ {
		for p, body := range files {
			got, err := s.consumer.Fetch(ctx, p, 0)
			s.Require().NoError(err, "round %d path %s", round, p)
			s.Equal(body, string(got))
		}
	}
	s.EqualValues(9, s.producer.Stats().Served)
}

func (s *TransferSuite) TestMissingFileLeavesHandlesUsable() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	_, err := s.consumer.Fetch(ctx, "/not/there", 0)
	s.ErrorIs(err, dtl.ErrBadRPC)

	s.Require().NoError(s.store.Put(ctx, "/there", []byte("ok")))
	got, err := s.consumer.Fetch(ctx, "/there", 0)
	s.Require().NoError(err)
	s.Equal("ok", string(got))
}

func newTCPWorld(ctx context.Context, t *testing.T, size int) []oob.Comm {
	t.Helper()
	listeners := make([]net.Listener, size)
	addrs := make([]string, size)
	for i := range listeners {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = l
		addrs[i] = l.Addr().String()
	}

	comms := make([]oob.Comm, size)
	errs := make(chan error, size)
	for rank := range listeners {
		go func(rank int) {
			c, err := oob.NewTCP(ctx, oob.TCPConfig{Rank: rank, Addrs: addrs, Listener: listeners[rank]})
			comms[rank] = c
			errs <- err
		}(rank)
	}
	for range listeners {
		require.NoError(t, <-errs)
	}
	return comms
}

func TestTransferRPC(t *testing.T) {
	suite.Run(t, &TransferSuite{comm: dtl.CommRPC})
}

func TestTransferRDMA(t *testing.T) {
	suite.Run(t, &TransferSuite{comm: dtl.CommRDMA})
}
