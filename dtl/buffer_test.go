package dtl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetBufferFillsEmptySlot(t *testing.T) {
	m := newBufferManager(0, 0, 0)
	var buf *Buffer
	require.NoError(t, m.GetBuffer(128, &buf))
	require.NotNil(t, buf)
	require.Equal(t, 128, buf.Len())
	require.EqualValues(t, 1, m.Outstanding())

	require.NoError(t, m.ReturnBuffer(&buf))
	require.Nil(t, buf)
	require.EqualValues(t, 0, m.Outstanding())
}

func TestGetBufferRejectsOccupiedSlot(t *testing.T) {
	m := newBufferManager(0, 0, 0)
	var buf *Buffer
	require.NoError(t, m.GetBuffer(8, &buf))
	held := buf

	err := m.GetBuffer(8, &buf)
	require.ErrorIs(t, err, ErrBadBuffer)
	require.Same(t, held, buf, "slot must be left untouched")

	require.ErrorIs(t, m.GetBuffer(8, nil), ErrBadBuffer)
}

func TestGetBufferLimits(t *testing.T) {
	m := newBufferManager(64, 0, 0)
	var buf *Buffer
	require.ErrorIs(t, m.GetBuffer(-1, &buf), ErrBadBuffer)
	require.ErrorIs(t, m.GetBuffer(65, &buf), ErrSysFail)
	require.Nil(t, buf)

	require.NoError(t, m.GetBuffer(0, &buf))
	require.Equal(t, 0, buf.Len())
}

func TestReturnBufferTwice(t *testing.T) {
	m := newBufferManager(0, 0, 0)
	var buf *Buffer
	require.NoError(t, m.GetBuffer(16, &buf))
	alias := buf

	require.NoError(t, m.ReturnBuffer(&buf))
	err := m.ReturnBuffer(&alias)
	require.ErrorIs(t, err, ErrBadBuffer)
	require.NotNil(t, alias, "failed return must not clear the slot")

	var empty *Buffer
	require.ErrorIs(t, m.ReturnBuffer(&empty), ErrBadBuffer)
	require.ErrorIs(t, m.ReturnBuffer(nil), ErrBadBuffer)
}

func TestReturnBufferForeignOwner(t *testing.T) {
	a := newBufferManager(0, 0, 0)
	b := newBufferManager(0, 0, 0)
	var buf *Buffer
	require.NoError(t, a.GetBuffer(4, &buf))
	require.ErrorIs(t, b.ReturnBuffer(&buf), ErrBadBuffer)
	require.NoError(t, a.ReturnBuffer(&buf))
}

func TestPooledBuffersAreRecycledAndCleared(t *testing.T) {
	m := newBufferManager(0, 64, 2)
	var buf *Buffer
	require.NoError(t, m.GetBuffer(32, &buf))
	copy(buf.Bytes(), "dirty")
	first := &buf.Bytes()[:1][0]
	require.NoError(t, m.ReturnBuffer(&buf))

	require.NoError(t, m.GetBuffer(16, &buf))
	require.Same(t, first, &buf.Bytes()[:1][0], "expected the pooled slice back")
	for i, b := range buf.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d not cleared: %#x", i, b)
		}
	}
	require.NoError(t, m.ReturnBuffer(&buf))

	// Larger than a slot: allocated directly and never pooled.
	require.NoError(t, m.GetBuffer(128, &buf))
	require.Equal(t, 128, cap(buf.Bytes()))
	require.NoError(t, m.ReturnBuffer(&buf))
}

func TestCheckSendBuffer(t *testing.T) {
	m := newBufferManager(0, 0, 0)
	var buf *Buffer
	require.NoError(t, m.GetBuffer(10, &buf))

	require.NoError(t, checkSendBuffer("send", buf, 10))
	require.NoError(t, checkSendBuffer("send", buf, 0))
	require.ErrorIs(t, checkSendBuffer("send", buf, 11), ErrBadBuffer)
	require.ErrorIs(t, checkSendBuffer("send", buf, -1), ErrBadBuffer)
	require.ErrorIs(t, checkSendBuffer("send", nil, 0), ErrBadBuffer)

	alias := buf
	require.NoError(t, m.ReturnBuffer(&buf))
	err := checkSendBuffer("send", alias, 0)
	var de *Error
	require.True(t, errors.As(err, &de))
	require.Equal(t, "send", de.Op)
	require.Equal(t, CodeBadBuffer, de.Code)
}
