//go:build ofi

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
*/
import "C"

// Fabric is an open fid_fabric.
type Fabric struct {
	ptr *C.struct_fid_fabric
}

// Domain is an open fid_domain.
type Domain struct {
	ptr *C.struct_fid_domain
}

// AV is an address vector of type FI_AV_TABLE.
type AV struct {
	ptr *C.struct_fid_av
}

// FIAddr is an fi_addr_t returned by an address vector insert.
type FIAddr uint64

func closeFid(fid unsafe.Pointer, op string) error {
	status := C.fi_close((*C.struct_fid)(fid))
	return ErrorFromStatus(int(status), op)
}

// OpenFabric opens the fabric described by the first entry of info.
func OpenFabric(info *Info) (*Fabric, error) {
	if info == nil || info.ptr == nil || info.ptr.fabric_attr == nil {
		return nil, ErrInvalid.WithOp("fi_fabric")
	}
	var fabric *C.struct_fid_fabric
	status := C.fi_fabric(info.ptr.fabric_attr, &fabric, nil)
	if err := ErrorFromStatus(int(status), "fi_fabric"); err != nil {
		return nil, err
	}
	return &Fabric{ptr: fabric}, nil
}

// Close releases the fabric.
func (f *Fabric) Close() error {
	if f == nil || f.ptr == nil {
		return nil
	}
	err := closeFid(unsafe.Pointer(f.ptr), "fi_close(fabric)")
	f.ptr = nil
	return err
}

// OpenDomain opens a domain on f for the first entry of info.
func OpenDomain(f *Fabric, info *Info) (*Domain, error) {
	if f == nil || f.ptr == nil || info == nil || info.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_domain")
	}
	var dom *C.struct_fid_domain
	status := C.fi_domain(f.ptr, info.ptr, &dom, nil)
	if err := ErrorFromStatus(int(status), "fi_domain"); err != nil {
		return nil, err
	}
	return &Domain{ptr: dom}, nil
}

// Close releases the domain.
func (d *Domain) Close() error {
	if d == nil || d.ptr == nil {
		return nil
	}
	err := closeFid(unsafe.Pointer(d.ptr), "fi_close(domain)")
	d.ptr = nil
	return err
}

// OpenAV opens a table address vector sized for count peers.
func (d *Domain) OpenAV(count int) (*AV, error) {
	if d == nil || d.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_av_open")
	}
	var attr C.struct_fi_av_attr
	attr._type = C.enum_fi_av_type(C.FI_AV_TABLE)
	attr.count = C.size_t(count)
	var av *C.struct_fid_av
	status := C.fi_av_open(d.ptr, &attr, &av, nil)
	if err := ErrorFromStatus(int(status), "fi_av_open"); err != nil {
		return nil, err
	}
	return &AV{ptr: av}, nil
}

// Insert adds one raw endpoint name, as returned by Endpoint.Name.
func (a *AV) Insert(name []byte) (FIAddr, error) {
	if a == nil || a.ptr == nil || len(name) == 0 {
		return 0, ErrInvalid.WithOp("fi_av_insert")
	}
	buf := AllocBytes(uintptr(len(name)))
	if buf == nil {
		return 0, ErrNoMemory.WithOp("fi_av_insert")
	}
	defer FreeBytes(buf)
	copy(unsafe.Slice((*byte)(buf), len(name)), name)

	var out C.fi_addr_t
	status := C.fi_av_insert(a.ptr, buf, 1, &out, 0, nil)
	if err := ErrorFromStatus(int(status), "fi_av_insert"); err != nil {
		return 0, err
	}
	if status != 1 {
		return 0, ErrHostUnreach.WithOp("fi_av_insert")
	}
	return FIAddr(out), nil
}

// Close releases the address vector.
func (a *AV) Close() error {
	if a == nil || a.ptr == nil {
		return nil
	}
	err := closeFid(unsafe.Pointer(a.ptr), "fi_close(av)")
	a.ptr = nil
	return err
}
