//go:build ofi

package capi

import "fmt"

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>

static inline unsigned int dyad_fi_runtime(void) { return fi_version(); }
static inline unsigned int dyad_fi_major(unsigned int v) { return FI_MAJOR(v); }
static inline unsigned int dyad_fi_minor(unsigned int v) { return FI_MINOR(v); }
static inline uint32_t dyad_fi_build(void) { return FI_VERSION(FI_MAJOR_VERSION, FI_MINOR_VERSION); }
static inline uint32_t dyad_fi_pack(unsigned int major, unsigned int minor) { return FI_VERSION(major, minor); }
*/
import "C"

// Version is a libfabric API version.
type Version struct {
	Major uint
	Minor uint
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

func (v Version) packed() C.uint32_t {
	return C.dyad_fi_pack(C.uint(v.Major), C.uint(v.Minor))
}

func unpackVersion(v C.uint) Version {
	return Version{Major: uint(C.dyad_fi_major(v)), Minor: uint(C.dyad_fi_minor(v))}
}

// RuntimeVersion is the version of the linked library.
func RuntimeVersion() Version {
	return unpackVersion(C.dyad_fi_runtime())
}

// BuildVersion is the version of the headers at compile time.
func BuildVersion() Version {
	return unpackVersion(C.uint(C.dyad_fi_build()))
}

// CheckRuntime fails when the linked library is from another major release
// or older than the headers.
func CheckRuntime() error {
	build, runtime := BuildVersion(), RuntimeVersion()
	if runtime.Major != build.Major || runtime.Minor < build.Minor {
		return fmt.Errorf("libfabric runtime %s is incompatible with headers %s", runtime, build)
	}
	return nil
}
