package dtl

import (
	"fmt"
	"sync/atomic"
)

// DefaultMaxBufferSize caps a single payload buffer.
const DefaultMaxBufferSize = 1 << 30

// Buffer is a payload byte region owned by whoever holds it. GetBuffer
// hands ownership to the caller and ReturnBuffer takes it back.
type Buffer struct {
	data     []byte
	owner    *bufferManager
	released atomic.Bool
	// retained is set while a transfer that may still read data is
	// outstanding; such memory never goes back to the pool.
	retained atomic.Bool
}

// Bytes returns the buffer contents. The slice is invalid once the buffer
// has been returned.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len returns the number of addressable bytes.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

func (b *Buffer) usable() bool {
	return b != nil && !b.released.Load() && b.owner != nil
}

// bufferManager allocates payload buffers. Buffers no larger than the pool
// slot size are recycled through a bounded free list.
type bufferManager struct {
	maxSize     int
	slotSize    int
	free        chan []byte
	outstanding atomic.Int64
}

func newBufferManager(maxSize, slotSize, capacity int) *bufferManager {
	if maxSize <= 0 {
		maxSize = DefaultMaxBufferSize
	}
	if capacity < 0 {
		capacity = 0
	}
	if slotSize <= 0 {
		capacity = 0
	}
	return &bufferManager{
		maxSize:  maxSize,
		slotSize: slotSize,
		free:     make(chan []byte, capacity),
	}
}

// GetBuffer stores a new size-byte buffer in *slot. The slot must be empty.
func (m *bufferManager) GetBuffer(size int, slot **Buffer) error {
	if slot == nil || *slot != nil {
		return newError("get_buffer", CodeBadBuffer, fmt.Errorf("output slot must be non-nil and empty"))
	}
	if size < 0 {
		return newError("get_buffer", CodeBadBuffer, fmt.Errorf("negative size %d", size))
	}
	if size > m.maxSize {
		return newError("get_buffer", CodeSysFail, fmt.Errorf("cannot allocate %d bytes (limit %d)", size, m.maxSize))
	}
	*slot = &Buffer{data: m.alloc(size), owner: m}
	m.outstanding.Add(1)
	return nil
}

// ReturnBuffer releases *slot and clears it. A buffer is accepted exactly
// once.
func (m *bufferManager) ReturnBuffer(slot **Buffer) error {
	if slot == nil || *slot == nil {
		return newError("return_buffer", CodeBadBuffer, fmt.Errorf("nil buffer"))
	}
	b := *slot
	if b.owner != m {
		return newError("return_buffer", CodeBadBuffer, fmt.Errorf("buffer belongs to another handle"))
	}
	if !b.released.CompareAndSwap(false, true) {
		return newError("return_buffer", CodeBadBuffer, fmt.Errorf("buffer already returned"))
	}
	if !b.retained.Load() {
		m.recycle(b.data)
	}
	b.data = nil
	*slot = nil
	m.outstanding.Add(-1)
	return nil
}

func (m *bufferManager) alloc(size int) []byte {
	if size <= m.slotSize {
		select {
		case buf := <-m.free:
			buf = buf[:size]
			clear(buf)
			return buf
		default:
			return make([]byte, size, m.slotSize)
		}
	}
	return make([]byte, size)
}

func (m *bufferManager) recycle(buf []byte) {
	if cap(buf) != m.slotSize || m.slotSize == 0 {
		return
	}
	select {
	case m.free <- buf[:0]:
	default:
	}
}

// Outstanding reports how many buffers have been handed out and not
// returned.
func (m *bufferManager) Outstanding() int64 {
	return m.outstanding.Load()
}

func checkSendBuffer(op string, buf *Buffer, length int) error {
	if !buf.usable() {
		return newError(op, CodeBadBuffer, fmt.Errorf("nil or released buffer"))
	}
	if length < 0 || length > buf.Len() {
		return newError(op, CodeBadBuffer, fmt.Errorf("length %d outside buffer of %d bytes", length, buf.Len()))
	}
	return nil
}
