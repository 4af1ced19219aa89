//go:build ofi

package capi

import "testing"

func TestRuntimeVersion(t *testing.T) {
	runtime := RuntimeVersion()
	if runtime.Major == 0 {
		t.Fatalf("unexpected runtime major version: %+v", runtime)
	}
	if err := CheckRuntime(); err != nil {
		t.Fatalf("CheckRuntime: %v", err)
	}
	if BuildVersion().String() == "0.0" {
		t.Fatalf("unexpected build version %s", BuildVersion())
	}
}
