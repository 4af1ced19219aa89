package dtl

import (
	"errors"
	"fmt"
)

// Code is a DTL status code. Every non-OK code is usable as an error and
// matches itself under errors.Is.
type Code int

const (
	CodeOK Code = iota
	// CodeSysFail is an allocation or setup failure.
	CodeSysFail
	// CodeBadBuffer is a nil, occupied or already-released buffer slot.
	CodeBadBuffer
	CodeBadPack
	CodeBadUnpack
	// CodeTransport is a failure of the messaging runtime or RDMA library
	// while sending or responding.
	CodeTransport
	// CodeBadRPC is a failed receive other than end of stream.
	CodeBadRPC
	// CodeRPCFinished reports end of stream. It is not a failure.
	CodeRPCFinished
	// CodeBadState is an operation issued out of order, such as a second
	// unpack before CloseConnection.
	CodeBadState
	// CodeIncomplete is a bounded wait that expired.
	CodeIncomplete
	// CodeBadConfig is a setup parameter out of range, such as a remote key
	// larger than the configured maximum.
	CodeBadConfig
	// CodeNotConnected is a data-path call before EstablishConnection.
	CodeNotConnected
)

var codeNames = map[Code]string{
	CodeOK:           "ok",
	CodeSysFail:      "system failure",
	CodeBadBuffer:    "bad buffer",
	CodeBadPack:      "bad pack",
	CodeBadUnpack:    "bad unpack",
	CodeTransport:    "transport failure",
	CodeBadRPC:       "bad rpc",
	CodeRPCFinished:  "rpc finished",
	CodeBadState:     "bad state",
	CodeIncomplete:   "incomplete",
	CodeBadConfig:    "bad config",
	CodeNotConnected: "not connected",
}

var (
	ErrSysFail      error = CodeSysFail
	ErrBadBuffer    error = CodeBadBuffer
	ErrBadPack      error = CodeBadPack
	ErrBadUnpack    error = CodeBadUnpack
	ErrTransport    error = CodeTransport
	ErrBadRPC       error = CodeBadRPC
	ErrRPCFinished  error = CodeRPCFinished
	ErrBadState     error = CodeBadState
	ErrIncomplete   error = CodeIncomplete
	ErrBadConfig    error = CodeBadConfig
	ErrNotConnected error = CodeNotConnected
)

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

func (c Code) Error() string {
	return "dtl: " + c.String()
}

// Error is returned by every facade and backend operation.
type Error struct {
	Op   string
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dtl %s: %s", e.Op, e.Code.String())
	}
	return fmt.Sprintf("dtl %s: %s: %v", e.Op, e.Code.String(), e.Err)
}

// Unwrap exposes both the code and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.Err}
}

func newError(op string, code Code, err error) error {
	return &Error{Op: op, Code: code, Err: err}
}

// CodeOf classifies err. A nil error is CodeOK and an error without a Code
// is CodeSysFail.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return CodeSysFail
}

// IsFinished reports whether err is the end-of-stream status.
func IsFinished(err error) bool {
	return errors.Is(err, ErrRPCFinished)
}
