package rdma

import (
	"errors"
	"fmt"
)

// Status is a library completion status. Negative values are errors.
type Status int

const (
	StatusOK               Status = 0
	StatusInProgress       Status = 1
	StatusNoMessage        Status = -1
	StatusNoResource       Status = -2
	StatusIOError          Status = -3
	StatusNoMemory         Status = -4
	StatusInvalidParam     Status = -5
	StatusUnreachable      Status = -6
	StatusInvalidAddr      Status = -7
	StatusNotImplemented   Status = -8
	StatusMessageTruncated Status = -9
	StatusNoProgress       Status = -10
	StatusBufferTooSmall   Status = -11
	StatusNoElem           Status = -12
	StatusTimedOut         Status = -20
	StatusExceedsLimit     Status = -21
	StatusUnsupported      Status = -22
	StatusCanceled         Status = -16
	StatusEndpointTimeout  Status = -80
)

var statusText = map[Status]string{
	StatusOK:               "Success",
	StatusInProgress:       "Operation in progress",
	StatusNoMessage:        "No pending message",
	StatusNoResource:       "No resources are available to initiate the operation",
	StatusIOError:          "Input/output error",
	StatusNoMemory:         "Out of memory",
	StatusInvalidParam:     "Invalid parameter",
	StatusUnreachable:      "Destination is unreachable",
	StatusInvalidAddr:      "Address not valid",
	StatusNotImplemented:   "Function not implemented",
	StatusMessageTruncated: "Message truncated",
	StatusNoProgress:       "No progress",
	StatusBufferTooSmall:   "Provided buffer is too small",
	StatusNoElem:           "No such element",
	StatusTimedOut:         "Timeout expired",
	StatusExceedsLimit:     "User-defined limit was reached",
	StatusUnsupported:      "Unsupported operation",
	StatusCanceled:         "Request canceled",
	StatusEndpointTimeout:  "Endpoint timeout",
}

// ErrIncomplete reports that a bounded wait gave up before the operation
// completed. The operation may still finish later.
var ErrIncomplete = errors.New("rdma: operation incomplete")

func (s Status) Error() string {
	return s.String()
}

func (s Status) String() string {
	if msg, ok := statusText[s]; ok {
		return msg
	}
	return fmt.Sprintf("Unknown error %d", int(s))
}

// IsError reports whether s is a failure status.
func (s Status) IsError() bool {
	return s < 0
}

// WithOp adds the library call name to the status.
func (s Status) WithOp(op string) error {
	if op == "" {
		return s
	}
	return fmt.Errorf("%s: %w", op, s)
}

// StatusOf extracts the Status carried by err. A nil error is StatusOK and an
// error without a Status is StatusIOError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusIOError
}
