package loopback

import (
	"encoding/binary"
	"io"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/flux-framework/flux-dyad/rdma"
)

// memory is an anonymous mapping registered on the fabric under a key.
type memory struct {
	fabric *Fabric
	key    uint64

	mu   sync.RWMutex
	data []byte
	base uint64
}

func mapMemory(f *Fabric, size int) (*memory, error) {
	if size <= 0 {
		return nil, rdma.StatusInvalidParam.WithOp("loopback mem map")
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, rdma.StatusNoMemory.WithOp("loopback mem map")
	}
	m := &memory{
		fabric: f,
		key:    f.nextID.Add(1),
		data:   data,
		base:   uint64(uintptr(unsafe.Pointer(&data[0]))),
	}
	f.mu.Lock()
	f.regions[m.key] = m
	f.mu.Unlock()
	return m, nil
}

func (m *memory) Address() uint64 { return m.base }

func (m *memory) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *memory) PackRKey() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return nil, rdma.StatusInvalidParam.WithOp("loopback rkey pack")
	}
	blob := make([]byte, m.fabric.options().RKeySize)
	binary.LittleEndian.PutUint32(blob, rkeyMagic)
	binary.LittleEndian.PutUint64(blob[4:], m.key)
	binary.LittleEndian.PutUint64(blob[12:], m.base)
	binary.LittleEndian.PutUint64(blob[20:], uint64(len(m.data)))
	for i := rkeyHeaderSize; i < len(blob); i++ {
		blob[i] = byte(m.key) ^ byte(i)
	}
	return blob, nil
}

func (m *memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return 0, rdma.StatusInvalidAddr.WithOp("loopback read")
	}
	if off < 0 || off > int64(len(m.data)) {
		return 0, rdma.StatusInvalidAddr.WithOp("loopback read")
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return 0, rdma.StatusInvalidAddr.WithOp("loopback write")
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, rdma.StatusInvalidAddr.WithOp("loopback write")
	}
	return copy(m.data[off:], p), nil
}

func (m *memory) Close() error {
	m.fabric.mu.Lock()
	delete(m.fabric.regions, m.key)
	m.fabric.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	if err != nil {
		return rdma.StatusIOError.WithOp("loopback mem unmap")
	}
	return nil
}
