// Package broker is the messaging runtime the data transport layer rides
// on: services registered under a topic, request/response RPCs addressed to
// a rank, and futures that observe a stream of responses ended by an
// ENODATA error response.
package broker

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrNoData ends a response stream.
	ErrNoData = fmt.Errorf("broker: end of stream: %w", unix.ENODATA)
	// ErrClosed is returned by a closed handle.
	ErrClosed = errors.New("broker: handle closed")
	// ErrInvalidMessage is returned when responding to a message that did
	// not arrive through a service.
	ErrInvalidMessage = errors.New("broker: message cannot be responded to")
	// ErrStreamEnded is returned when responding after an error response.
	ErrStreamEnded = errors.New("broker: response stream already ended")
)

// Message is an inbound request as seen by a service handler. It is owned
// by the runtime; handlers must not retain it after they return.
type Message struct {
	ID      string
	Topic   string
	Sender  uint32
	Payload []byte

	stream *stream
}

// HandlerFunc serves one request. Responses are sent through h.
type HandlerFunc func(ctx context.Context, h Handle, msg *Message)

// Future observes the responses to one RPC. Get blocks until a response is
// available and keeps returning it until Reset arms the future for the next
// one.
type Future interface {
	Get(ctx context.Context) ([]byte, error)
	Ready() bool
	Reset()
}

// Handle is one rank's connection to the runtime.
type Handle interface {
	Rank() uint32
	RegisterService(topic string, fn HandlerFunc) error
	RPC(ctx context.Context, topic string, nodeID uint32, payload []byte) (Future, error)
	Respond(msg *Message, payload []byte) error
	RespondError(msg *Message, errnum unix.Errno, text string) error
	Close() error
}

// RemoteError is an error response delivered to a future.
type RemoteError struct {
	Errno unix.Errno
	Text  string
}

func (e *RemoteError) Error() string {
	if e.Text == "" {
		return e.Errno.Error()
	}
	return fmt.Sprintf("%s: %s", e.Errno.Error(), e.Text)
}

func (e *RemoteError) Unwrap() error { return e.Errno }

// IsEndOfStream reports whether err ends a response stream.
func IsEndOfStream(err error) bool {
	return errors.Is(err, unix.ENODATA)
}
