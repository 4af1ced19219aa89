//go:build ofi

package capi

import (
	"errors"
	"unsafe"
)

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <rdma/fabric.h>
#include <rdma/fi_cm.h>
#include <rdma/fi_domain.h>
#include <rdma/fi_endpoint.h>
#include <rdma/fi_eq.h>
#include <rdma/fi_rma.h>
*/
import "C"

// Endpoint is an RDM fid_ep.
type Endpoint struct {
	ptr *C.struct_fid_ep
}

// CompletionQueue is a context-format fid_cq.
type CompletionQueue struct {
	ptr *C.struct_fid_cq
}

// CQError is the detail behind an FI_EAVAIL completion.
type CQError struct {
	Context     unsafe.Pointer
	Err         Errno
	ProviderErr int
}

// OpenEndpoint creates an endpoint on d for the first entry of info.
func OpenEndpoint(d *Domain, info *Info) (*Endpoint, error) {
	if d == nil || d.ptr == nil || info == nil || info.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_endpoint")
	}
	var ep *C.struct_fid_ep
	status := C.fi_endpoint(d.ptr, info.ptr, &ep, nil)
	if err := ErrorFromStatus(int(status), "fi_endpoint"); err != nil {
		return nil, err
	}
	return &Endpoint{ptr: ep}, nil
}

// Bind attaches cq for transmit and receive completions and av for
// addressing, then enables the endpoint.
func (e *Endpoint) Bind(cq *CompletionQueue, av *AV) error {
	if e == nil || e.ptr == nil || cq == nil || cq.ptr == nil || av == nil || av.ptr == nil {
		return ErrInvalid.WithOp("fi_ep_bind")
	}
	flags := C.uint64_t(C.FI_TRANSMIT | C.FI_RECV)
	if err := ErrorFromStatus(int(C.fi_ep_bind(e.ptr, (*C.struct_fid)(unsafe.Pointer(cq.ptr)), flags)), "fi_ep_bind(cq)"); err != nil {
		return err
	}
	if err := ErrorFromStatus(int(C.fi_ep_bind(e.ptr, (*C.struct_fid)(unsafe.Pointer(av.ptr)), 0)), "fi_ep_bind(av)"); err != nil {
		return err
	}
	return ErrorFromStatus(int(C.fi_enable(e.ptr)), "fi_enable")
}

// Name returns the raw endpoint address peers insert into their AV.
func (e *Endpoint) Name() ([]byte, error) {
	if e == nil || e.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_getname")
	}
	size := C.size_t(128)
	for attempt := 0; attempt < 6; attempt++ {
		buf := C.malloc(size)
		if buf == nil {
			return nil, ErrNoMemory.WithOp("fi_getname")
		}
		length := size
		status := C.fi_getname((*C.struct_fid)(unsafe.Pointer(e.ptr)), buf, &length)
		if status == 0 {
			name := C.GoBytes(buf, C.int(length))
			C.free(buf)
			return name, nil
		}
		C.free(buf)
		if status == -C.int(C.FI_ETOOSMALL) || status == -C.int(C.FI_ENOSPC) {
			if length > size {
				size = length
			} else {
				size *= 2
			}
			continue
		}
		return nil, ErrorFromStatus(int(status), "fi_getname")
	}
	return nil, errors.New("fi_getname: address does not fit")
}

// Write posts an RMA write of length bytes at buf to key/addr on dest.
// buf must stay valid until the completion for context is read.
func (e *Endpoint) Write(buf unsafe.Pointer, length uintptr, desc unsafe.Pointer, dest FIAddr, addr, key uint64, context unsafe.Pointer) error {
	if e == nil || e.ptr == nil {
		return ErrInvalid.WithOp("fi_write")
	}
	status := C.fi_write(e.ptr, buf, C.size_t(length), desc, C.fi_addr_t(dest), C.uint64_t(addr), C.uint64_t(key), context)
	return ErrorFromStatus(int(status), "fi_write")
}

// Close releases the endpoint.
func (e *Endpoint) Close() error {
	if e == nil || e.ptr == nil {
		return nil
	}
	err := closeFid(unsafe.Pointer(e.ptr), "fi_close(endpoint)")
	e.ptr = nil
	return err
}

// OpenCQ opens a completion queue of FI_CQ_FORMAT_CONTEXT entries.
func (d *Domain) OpenCQ(size int) (*CompletionQueue, error) {
	if d == nil || d.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_cq_open")
	}
	var attr C.struct_fi_cq_attr
	attr.size = C.size_t(size)
	attr.format = C.enum_fi_cq_format(C.FI_CQ_FORMAT_CONTEXT)
	attr.wait_obj = C.enum_fi_wait_obj(C.FI_WAIT_NONE)
	var cq *C.struct_fid_cq
	status := C.fi_cq_open(d.ptr, &attr, &cq, nil)
	if err := ErrorFromStatus(int(status), "fi_cq_open"); err != nil {
		return nil, err
	}
	return &CompletionQueue{ptr: cq}, nil
}

// Read drains up to len(out) completion contexts into out. It returns 0
// when the queue is empty and ErrUnavailable when an error entry is next.
func (c *CompletionQueue) Read(out []unsafe.Pointer) (int, error) {
	if c == nil || c.ptr == nil {
		return 0, ErrInvalid.WithOp("fi_cq_read")
	}
	if len(out) == 0 {
		return 0, nil
	}
	entries := make([]C.struct_fi_cq_entry, len(out))
	ret := C.fi_cq_read(c.ptr, unsafe.Pointer(&entries[0]), C.size_t(len(entries)))
	if ret == -C.ssize_t(C.FI_EAGAIN) {
		return 0, nil
	}
	if ret < 0 {
		return 0, ErrorFromStatus(int(ret), "fi_cq_read")
	}
	for i := 0; i < int(ret); i++ {
		out[i] = entries[i].op_context
	}
	return int(ret), nil
}

// ReadError pops the pending error entry.
func (c *CompletionQueue) ReadError() (*CQError, error) {
	if c == nil || c.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_cq_readerr")
	}
	var entry C.struct_fi_cq_err_entry
	ret := C.fi_cq_readerr(c.ptr, &entry, 0)
	if ret < 0 {
		return nil, ErrorFromStatus(int(ret), "fi_cq_readerr")
	}
	if ret == 0 {
		return nil, nil
	}
	return &CQError{Context: entry.op_context, Err: Errno(entry.err), ProviderErr: int(entry.prov_errno)}, nil
}

// Close releases the completion queue.
func (c *CompletionQueue) Close() error {
	if c == nil || c.ptr == nil {
		return nil
	}
	err := closeFid(unsafe.Pointer(c.ptr), "fi_close(cq)")
	c.ptr = nil
	return err
}
