package dtl

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/flux-framework/flux-dyad/broker"
)

const testTopic = "dyad.test.fetch"

type rpcWorld struct {
	bus      *broker.Local
	producer broker.Handle
	consumer broker.Handle
}

func newRPCWorld(t *testing.T) rpcWorld {
	t.Helper()
	bus := broker.NewLocal()
	p, err := bus.Join(0)
	require.NoError(t, err)
	c, err := bus.Join(1)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		_ = p.Close()
	})
	return rpcWorld{bus: bus, producer: p, consumer: c}
}

func newTestHandle(t *testing.T, cfg Config) *Handle {
	t.Helper()
	h, err := Init(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Finalize(&h) })
	return h
}

// serveFile registers a producer service that streams files[upath] in
// chunks of chunk bytes and then ends the stream.
func serveFile(t *testing.T, bh broker.Handle, h *Handle, files map[string][]byte, chunk int) <-chan error {
	t.Helper()
	errs := make(chan error, 16)
	report := func(err error) {
		select {
		case errs <- err:
		default:
		}
	}
	err := bh.RegisterService(testTopic, func(ctx context.Context, bh broker.Handle, msg *broker.Message) {
		defer func() { _ = h.CloseConnection() }()
		upath, err := h.RPCUnpack(msg)
		if err != nil {
			report(err)
			_ = bh.RespondError(msg, unix.EPROTO, err.Error())
			return
		}
		data, ok := files[upath]
		if !ok {
			_ = bh.RespondError(msg, unix.ENOENT, upath)
			return
		}
		if err := h.EstablishConnection(ctx); err != nil {
			report(err)
			_ = bh.RespondError(msg, unix.ECONNREFUSED, err.Error())
			return
		}
		for off := 0; off < len(data) || off == 0; off += chunk {
			end := min(off+chunk, len(data))
			var buf *Buffer
			if err := h.GetBuffer(end-off, &buf); err != nil {
				report(err)
				return
			}
			copy(buf.Bytes(), data[off:end])
			err := h.Send(ctx, buf, end-off)
			_ = h.ReturnBuffer(&buf)
			if err != nil {
				report(err)
				_ = bh.RespondError(msg, unix.EIO, err.Error())
				return
			}
			if end == len(data) {
				break
			}
		}
		if err := h.RPCRespond(ctx, msg); err != nil {
			report(err)
		}
		_ = bh.RespondError(msg, unix.ENODATA, "")
	})
	require.NoError(t, err)
	return errs
}

// fetch runs the consumer side for upath and returns the reassembled bytes.
func fetch(ctx context.Context, bh broker.Handle, h *Handle, upath string, producer uint32) ([]byte, error) {
	defer func() { _ = h.CloseConnection() }()
	packed, err := h.RPCPack(upath, producer)
	if err != nil {
		return nil, err
	}
	f, err := bh.RPC(ctx, testTopic, producer, packed)
	if err != nil {
		return nil, err
	}
	if err := h.RPCRecvResponse(f); err != nil {
		return nil, err
	}
	if err := h.EstablishConnection(ctx); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	for {
		buf, err := h.Recv(ctx)
		if IsFinished(err) {
			return out.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
		out.Write(buf.Bytes())
		if err := h.ReturnBuffer(&buf); err != nil {
			return nil, err
		}
	}
}

func patterned(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 3)
	}
	return p
}

func TestRPCBackendEndToEnd(t *testing.T) {
	w := newRPCWorld(t)
	prod := newTestHandle(t, Config{Mode: ModeProducer, CommMode: CommRPC, Broker: w.producer, Debug: true})
	cons := newTestHandle(t, Config{Mode: ModeConsumer, CommMode: CommRPC, Broker: w.consumer})

	payload := patterned(4096)
	errs := serveFile(t, w.producer, prod, map[string][]byte{"/data/run1/out.bin": payload}, 4096)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := fetch(ctx, w.consumer, cons, "/data/run1/out.bin", 0)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	select {
	case err := <-errs:
		t.Fatalf("producer error: %v", err)
	default:
	}
}

func TestRPCBackendStreamsChunks(t *testing.T) {
	w := newRPCWorld(t)
	prod := newTestHandle(t, Config{Mode: ModeProducer, CommMode: CommRPC, Broker: w.producer})
	cons := newTestHandle(t, Config{Mode: ModeConsumer, CommMode: CommRPC, Broker: w.consumer})

	payload := patterned(10_000)
	serveFile(t, w.producer, prod, map[string][]byte{"/chunks": payload, "/empty": {}}, 1024)

	ctx := context.Background()
	got, err := fetch(ctx, w.consumer, cons, "/chunks", 0)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	got, err = fetch(ctx, w.consumer, cons, "/empty", 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestRPCBackendErrorResponseIsNotFinished(t *testing.T) {
	w := newRPCWorld(t)
	prod := newTestHandle(t, Config{Mode: ModeProducer, CommMode: CommRPC, Broker: w.producer})
	cons := newTestHandle(t, Config{Mode: ModeConsumer, CommMode: CommRPC, Broker: w.consumer})
	serveFile(t, w.producer, prod, map[string][]byte{}, 64)

	_, err := fetch(context.Background(), w.consumer, cons, "/missing", 0)
	require.ErrorIs(t, err, ErrBadRPC)
	require.ErrorIs(t, err, unix.ENOENT)
	require.False(t, IsFinished(err))
}

func TestRPCBackendRecvWithoutFuture(t *testing.T) {
	w := newRPCWorld(t)
	cons := newTestHandle(t, Config{Mode: ModeConsumer, CommMode: CommRPC, Broker: w.consumer})
	_, err := cons.Recv(context.Background())
	require.ErrorIs(t, err, ErrBadState)
}

func TestRPCBackendRecvTimesOut(t *testing.T) {
	w := newRPCWorld(t)
	require.NoError(t, w.producer.RegisterService(testTopic, func(context.Context, broker.Handle, *broker.Message) {}))
	cons := newTestHandle(t, Config{Mode: ModeConsumer, CommMode: CommRPC, Broker: w.consumer, Timeout: 50 * time.Millisecond})

	f, err := w.consumer.RPC(context.Background(), testTopic, 0, []byte(`{"upath":"/x"}`))
	require.NoError(t, err)
	require.NoError(t, cons.RPCRecvResponse(f))
	_, err = cons.Recv(context.Background())
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestRPCBackendSingleSlot(t *testing.T) {
	w := newRPCWorld(t)
	prod := newTestHandle(t, Config{Mode: ModeProducer, CommMode: CommRPC, Broker: w.producer})

	packed, err := prod.RPCPack("/a", 0)
	require.NoError(t, err)
	msg := &broker.Message{ID: "m1", Payload: packed}

	upath, err := prod.RPCUnpack(msg)
	require.NoError(t, err)
	require.Equal(t, "/a", upath)
	_, err = prod.RPCUnpack(msg)
	require.ErrorIs(t, err, ErrBadState)

	require.NoError(t, prod.CloseConnection())
	_, err = prod.RPCUnpack(msg)
	require.NoError(t, err)

	f, err := w.producer.RPC(context.Background(), "nobody", 0, nil)
	require.NoError(t, err)
	require.NoError(t, prod.RPCRecvResponse(f))
	require.ErrorIs(t, prod.RPCRecvResponse(f), ErrBadState)
	require.ErrorIs(t, prod.RPCRecvResponse(nil), ErrBadRPC)
}

func TestRPCBackendCloseConnectionClearsState(t *testing.T) {
	w := newRPCWorld(t)
	prod := newTestHandle(t, Config{Mode: ModeProducer, CommMode: CommRPC, Broker: w.producer})

	packed, err := prod.RPCPack("/a", 0)
	require.NoError(t, err)
	_, err = prod.RPCUnpack(&broker.Message{ID: "m1", Payload: packed})
	require.NoError(t, err)
	require.NoError(t, prod.CloseConnection())

	var buf *Buffer
	require.NoError(t, prod.GetBuffer(4, &buf))
	defer func() { _ = prod.ReturnBuffer(&buf) }()
	require.ErrorIs(t, prod.Send(context.Background(), buf, 4), ErrBadState)
	_, err = prod.Recv(context.Background())
	require.ErrorIs(t, err, ErrBadState)
}

func TestRPCBackendUnpackErrors(t *testing.T) {
	w := newRPCWorld(t)
	prod := newTestHandle(t, Config{Mode: ModeProducer, CommMode: CommRPC, Broker: w.producer})

	for _, payload := range [][]byte{nil, []byte(`{}`), []byte(`{"upath":1}`), []byte(`garbage`)} {
		_, err := prod.RPCUnpack(&broker.Message{ID: "bad", Payload: payload})
		require.ErrorIs(t, err, ErrBadUnpack, "payload %q", payload)
	}
	_, err := prod.RPCUnpack(nil)
	require.ErrorIs(t, err, ErrBadUnpack)

	_, err = prod.RPCPack(string([]byte{0xc3, 0x28}), 0)
	require.ErrorIs(t, err, ErrBadPack)
}

func TestRPCBackendSendFailsOnClosedStream(t *testing.T) {
	w := newRPCWorld(t)
	prod := newTestHandle(t, Config{Mode: ModeProducer, CommMode: CommRPC, Broker: w.producer})

	got := make(chan error, 1)
	require.NoError(t, w.producer.RegisterService(testTopic, func(ctx context.Context, bh broker.Handle, msg *broker.Message) {
		defer func() { _ = prod.CloseConnection() }()
		if _, err := prod.RPCUnpack(msg); err != nil {
			got <- err
			return
		}
		_ = bh.RespondError(msg, unix.ENODATA, "")
		var buf *Buffer
		_ = prod.GetBuffer(1, &buf)
		got <- prod.Send(ctx, buf, 1)
		_ = prod.ReturnBuffer(&buf)
	}))

	_, err := w.consumer.RPC(context.Background(), testTopic, 0, []byte(`{"upath":"/a"}`))
	require.NoError(t, err)
	select {
	case err := <-got:
		require.ErrorIs(t, err, ErrTransport)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not run")
	}
}

func TestInitRequiresBroker(t *testing.T) {
	_, err := Init(Config{Mode: ModeProducer, CommMode: CommRPC})
	require.ErrorIs(t, err, ErrBadConfig)
	_, err = Init(Config{Mode: Mode(7), CommMode: CommRPC})
	require.ErrorIs(t, err, ErrBadConfig)
	_, err = Init(Config{Mode: ModeProducer, CommMode: CommMode(9)})
	require.ErrorIs(t, err, ErrBadConfig)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	w := newRPCWorld(t)
	h, err := Init(Config{Mode: ModeConsumer, CommMode: CommRPC, Broker: w.consumer})
	require.NoError(t, err)
	alias := h

	require.NoError(t, Finalize(&h))
	require.Nil(t, h)
	require.NoError(t, Finalize(&h))
	require.NoError(t, Finalize(nil))

	var buf *Buffer
	require.ErrorIs(t, alias.GetBuffer(1, &buf), ErrBadState)
	_, err = alias.Recv(context.Background())
	require.ErrorIs(t, err, ErrBadState)
	require.ErrorIs(t, alias.CloseConnection(), ErrBadState)
	require.NoError(t, Finalize(&alias))
}

func TestParseModes(t *testing.T) {
	m, err := ParseMode(" Consumer ")
	require.NoError(t, err)
	require.Equal(t, ModeConsumer, m)
	_, err = ParseMode("observer")
	require.Error(t, err)

	c, err := ParseCommMode("ucx")
	require.NoError(t, err)
	require.Equal(t, CommRDMA, c)
	c, err = ParseCommMode("flux")
	require.NoError(t, err)
	require.Equal(t, CommRPC, c)
	_, err = ParseCommMode("tcp")
	require.Error(t, err)
}
