// Package rdma describes the one-sided communication library the data
// transport layer drives: a context owning workers and registered memory,
// endpoints bound to remote workers, packed remote keys, and non-blocking
// puts whose completion is observed through explicit progress.
//
// Providers live in sub-packages (loopback, ofi).
package rdma

import "io"

// Feature selects library capabilities requested at Init.
type Feature uint64

const (
	// FeatureRMA enables remote memory access (put/get).
	FeatureRMA Feature = 1 << iota
	// FeatureAMO32 enables 32-bit remote atomics.
	FeatureAMO32
	// FeatureAMO64 enables 64-bit remote atomics.
	FeatureAMO64
)

// Has reports whether every bit of want is present in f.
func (f Feature) Has(want Feature) bool {
	return f&want == want
}

// ThreadMode declares how a worker will be accessed.
type ThreadMode int

const (
	// ThreadSingle means only one goroutine ever touches the worker.
	ThreadSingle ThreadMode = iota
	// ThreadSerialized means several goroutines may use the worker but the
	// caller serializes access.
	ThreadSerialized
	// ThreadMulti means the worker performs its own locking.
	ThreadMulti
)

func (m ThreadMode) String() string {
	switch m {
	case ThreadSingle:
		return "single"
	case ThreadSerialized:
		return "serialized"
	case ThreadMulti:
		return "multi"
	default:
		return "unknown"
	}
}

// Params configures a library context.
type Params struct {
	Features Feature
	// EstimatedEndpoints hints how many endpoints the process will open.
	EstimatedEndpoints int
}

// Provider creates library contexts.
type Provider interface {
	Name() string
	Init(p Params) (Context, error)
}

// Context is the process-wide library handle.
type Context interface {
	NewWorker(mode ThreadMode) (Worker, error)
	// MapMemory allocates and registers size bytes for remote access.
	MapMemory(size int) (Memory, error)
	Close() error
}

// Worker is a progress engine. Completions of operations issued through its
// endpoints are only observed when Progress is called.
type Worker interface {
	// Address returns the opaque bytes a peer passes to Connect.
	Address() ([]byte, error)
	Connect(addr []byte) (Endpoint, error)
	// Progress advances outstanding operations and returns how many made
	// progress.
	Progress() int
	Close() error
}

// Endpoint is a connection from a local worker to one remote worker.
type Endpoint interface {
	UnpackRKey(blob []byte) (RemoteKey, error)
	// Put writes local into the remote region at remoteAddr. It returns
	// (nil, nil) when the transfer completed in place, a pending Request
	// otherwise, or an error when the transfer failed immediately. local must
	// stay untouched until the request completes.
	Put(local []byte, remoteAddr uint64, rkey RemoteKey, cb Callback) (*Request, error)
	Close() error
}

// RemoteKey authorizes access to a peer's registered memory.
type RemoteKey interface {
	Close() error
}

// Memory is a registered local region. Remote writes land in it
// concurrently, so reads must go through ReadAt.
type Memory interface {
	io.ReaderAt
	io.WriterAt
	// Address is the base address peers target with Put.
	Address() uint64
	Size() int
	// PackRKey serializes the key a peer needs to access the region.
	PackRKey() ([]byte, error)
	Close() error
}
