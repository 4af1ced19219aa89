//go:build ofi

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
*/
import "C"

// Capability and access bits used by the rdma provider.
const (
	CapRMA         = uint64(C.FI_RMA)
	CapAtomic      = uint64(C.FI_ATOMIC)
	CapWrite       = uint64(C.FI_WRITE)
	CapRemoteRead  = uint64(C.FI_REMOTE_READ)
	CapRemoteWrite = uint64(C.FI_REMOTE_WRITE)

	ModeContext = uint64(C.FI_CONTEXT)
)

// Memory registration modes.
const (
	MRModeLocal     = uint64(C.FI_MR_LOCAL)
	MRModeVirtAddr  = uint64(C.FI_MR_VIRT_ADDR)
	MRModeAllocated = uint64(C.FI_MR_ALLOCATED)
	MRModeProvKey   = uint64(C.FI_MR_PROV_KEY)
)

// Hints selects fabrics through fi_getinfo. It owns a C fi_info.
type Hints struct {
	ptr *C.struct_fi_info
}

// NewHints returns hints for a reliable datagram endpoint with caps.
func NewHints(caps, mode, mrMode uint64) *Hints {
	info := C.fi_allocinfo()
	if info == nil {
		return nil
	}
	info.caps = C.uint64_t(caps)
	info.mode = C.uint64_t(mode)
	info.ep_attr._type = C.enum_fi_ep_type(C.FI_EP_RDM)
	info.domain_attr.mr_mode = C.int(mrMode)
	return &Hints{ptr: info}
}

// SetProvider restricts discovery to one provider, e.g. "tcp" or "verbs".
func (h *Hints) SetProvider(name string) {
	if h == nil || h.ptr == nil || name == "" {
		return
	}
	attr := h.ptr.fabric_attr
	if attr.prov_name != nil {
		C.free(unsafe.Pointer(attr.prov_name))
	}
	// fi_freeinfo releases the string.
	attr.prov_name = C.CString(name)
}

// Free releases the hints.
func (h *Hints) Free() {
	if h == nil || h.ptr == nil {
		return
	}
	C.fi_freeinfo(h.ptr)
	h.ptr = nil
}

// Info is the head of an fi_getinfo result list.
type Info struct {
	ptr *C.struct_fi_info
}

// GetInfo wraps fi_getinfo for the local node.
func GetInfo(ver Version, hints *Hints) (*Info, error) {
	var hintPtr *C.struct_fi_info
	if hints != nil {
		hintPtr = hints.ptr
	}
	var out *C.struct_fi_info
	status := C.fi_getinfo(C.uint32_t(ver.packed()), nil, nil, 0, hintPtr, &out)
	if err := ErrorFromStatus(int(status), "fi_getinfo"); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNoData.WithOp("fi_getinfo")
	}
	return &Info{ptr: out}, nil
}

// Free releases the list.
func (i *Info) Free() {
	if i == nil || i.ptr == nil {
		return
	}
	C.fi_freeinfo(i.ptr)
	i.ptr = nil
}

// ProviderName returns the provider of the first entry.
func (i *Info) ProviderName() string {
	if i == nil || i.ptr == nil || i.ptr.fabric_attr == nil || i.ptr.fabric_attr.prov_name == nil {
		return ""
	}
	return C.GoString(i.ptr.fabric_attr.prov_name)
}

// DomainName returns the domain of the first entry.
func (i *Info) DomainName() string {
	if i == nil || i.ptr == nil || i.ptr.domain_attr == nil || i.ptr.domain_attr.name == nil {
		return ""
	}
	return C.GoString(i.ptr.domain_attr.name)
}

// MRMode returns the registration mode the first entry's domain requires.
func (i *Info) MRMode() uint64 {
	if i == nil || i.ptr == nil || i.ptr.domain_attr == nil {
		return 0
	}
	return uint64(i.ptr.domain_attr.mr_mode)
}
