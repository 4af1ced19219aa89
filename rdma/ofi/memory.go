//go:build ofi

package ofi

import (
	"io"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/flux-framework/flux-dyad/internal/capi"
	"github.com/flux-framework/flux-dyad/rdma"
)

// memory is an anonymous mapping registered for remote read and write.
type memory struct {
	mu   sync.RWMutex
	data []byte
	mr   *capi.MemoryRegion
	base uint64
}

func mapMemory(c *fabricContext, size int) (*memory, error) {
	if size <= 0 {
		return nil, rdma.StatusInvalidParam.WithOp("ofi mem map")
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, rdma.StatusNoMemory.WithOp("ofi mem map")
	}
	ptr := unsafe.Pointer(&data[0])
	mr, err := c.domain.RegisterMemory(ptr, uintptr(size), capi.AccessRemoteRead|capi.AccessRemoteWrite)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, statusError("ofi mem map", err)
	}
	m := &memory{data: data, mr: mr}
	// Without FI_MR_VIRT_ADDR the target address is an offset into the region.
	if c.mrMode&capi.MRModeVirtAddr != 0 {
		m.base = uint64(uintptr(ptr))
	}
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
		return nil, rdma.StatusInvalidParam.WithOp("ofi rkey pack")
	}
	return packRKey(m.mr.Key(), m.base, len(m.data)), nil
}

func (m *memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil || off < 0 || off > int64(len(m.data)) {
		return 0, rdma.StatusInvalidAddr.WithOp("ofi read")
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
	if m.data == nil || off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, rdma.StatusInvalidAddr.WithOp("ofi write")
	}
	return copy(m.data[off:], p), nil
}

func (m *memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	mrErr := m.mr.Close()
	err := unix.Munmap(m.data)
	m.data, m.mr = nil, nil
	if mrErr != nil {
		return statusError("ofi mem unmap", mrErr)
	}
	if err != nil {
		return rdma.StatusIOError.WithOp("ofi mem unmap")
	}
	return nil
}
