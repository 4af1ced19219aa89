//go:build ofi

// Package capi is the thin cgo layer over libfabric used by the ofi rdma
// provider. It covers RDM endpoints, completion queues, address vectors,
// memory registration and RMA writes.
package capi

import "fmt"

/*
#cgo pkg-config: libfabric
#include <rdma/fi_errno.h>
*/
import "C"

// Errno is a positive libfabric error code.
type Errno int32

const (
	Success         Errno = Errno(C.FI_SUCCESS)
	ErrAgain        Errno = Errno(C.FI_EAGAIN)
	ErrNoMemory     Errno = Errno(C.FI_ENOMEM)
	ErrNoData       Errno = Errno(C.FI_ENODATA)
	ErrOpNotSupp    Errno = Errno(C.FI_EOPNOTSUPP)
	ErrNotSupported Errno = Errno(C.FI_ENOSYS)
	ErrInvalid      Errno = Errno(C.FI_EINVAL)
	ErrTimedOut     Errno = Errno(C.FI_ETIMEDOUT)
	ErrCanceled     Errno = Errno(C.FI_ECANCELED)
	ErrHostUnreach  Errno = Errno(C.FI_EHOSTUNREACH)
	ErrNoSpace      Errno = Errno(C.FI_ENOSPC)
	ErrUnavailable  Errno = Errno(C.FI_EAVAIL)
	ErrTrunc        Errno = Errno(C.FI_ETRUNC)
	ErrNoKey        Errno = Errno(C.FI_ENOKEY)
	ErrOther        Errno = Errno(C.FI_EOTHER)
)

func (e Errno) Error() string {
	return e.String()
}

// String returns the fi_strerror text.
func (e Errno) String() string {
	if e == Success {
		return "success"
	}
	return C.GoString(C.fi_strerror(C.int(e)))
}

// WithOp prefixes the libfabric call name.
func (e Errno) WithOp(op string) error {
	if op == "" {
		return e
	}
	return fmt.Errorf("%s: %w", op, e)
}

// ErrorFromStatus converts a libfabric return value into an error. Zero and
// positive values (byte or entry counts) are success.
func ErrorFromStatus(status int, op string) error {
	if status >= 0 {
		return nil
	}
	return Errno(-status).WithOp(op)
}
