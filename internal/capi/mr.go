//go:build ofi

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <string.h>
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
*/
import "C"

// ContextSize is the space reserved per operation context, enough for a
// struct fi_context2 when the provider requires FI_CONTEXT.
const ContextSize = 64

// Access bits for RegisterMemory.
const (
	AccessWrite       = uint64(C.FI_WRITE)
	AccessRemoteRead  = uint64(C.FI_REMOTE_READ)
	AccessRemoteWrite = uint64(C.FI_REMOTE_WRITE)
)

// MemoryRegion is a registered fid_mr.
type MemoryRegion struct {
	ptr *C.struct_fid_mr
}

// AllocBytes returns size zeroed bytes of C memory, or nil.
func AllocBytes(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	return C.calloc(1, C.size_t(size))
}

// FreeBytes releases memory from AllocBytes.
func FreeBytes(ptr unsafe.Pointer) {
	if ptr != nil {
		C.free(ptr)
	}
}

// RegisterMemory registers length bytes at buf with the given access.
func (d *Domain) RegisterMemory(buf unsafe.Pointer, length uintptr, access uint64) (*MemoryRegion, error) {
	if d == nil || d.ptr == nil || buf == nil || length == 0 {
		return nil, ErrInvalid.WithOp("fi_mr_reg")
	}
	var mr *C.struct_fid_mr
	status := C.fi_mr_reg(d.ptr, buf, C.size_t(length), C.uint64_t(access), 0, 0, 0, &mr, nil)
	if err := ErrorFromStatus(int(status), "fi_mr_reg"); err != nil {
		return nil, err
	}
	return &MemoryRegion{ptr: mr}, nil
}

// Key is the remote access key.
func (m *MemoryRegion) Key() uint64 {
	if m == nil || m.ptr == nil {
		return 0
	}
	return uint64(C.fi_mr_key(m.ptr))
}

// Descriptor is the local descriptor passed with data transfers.
func (m *MemoryRegion) Descriptor() unsafe.Pointer {
	if m == nil || m.ptr == nil {
		return nil
	}
	return C.fi_mr_desc(m.ptr)
}

// Close deregisters the region.
func (m *MemoryRegion) Close() error {
	if m == nil || m.ptr == nil {
		return nil
	}
	err := closeFid(unsafe.Pointer(m.ptr), "fi_close(mr)")
	m.ptr = nil
	return err
}
