//go:build ofi

package capi

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFromStatus(t *testing.T) {
	if err := ErrorFromStatus(0, "noop"); err != nil {
		t.Fatalf("expected nil error for success status, got %v", err)
	}
	if err := ErrorFromStatus(3, "fi_cq_read"); err != nil {
		t.Fatalf("expected positive counts to be success, got %v", err)
	}

	err := ErrorFromStatus(-int(ErrAgain), "fi_write")
	if !errors.Is(err, ErrAgain) {
		t.Fatalf("expected errors.Is match ErrAgain, got %v", err)
	}
	if !strings.Contains(err.Error(), "fi_write") {
		t.Fatalf("expected operation context in error string, got %q", err)
	}
}

func TestErrnoString(t *testing.T) {
	msg := ErrAgain.String()
	if msg == "" || strings.EqualFold(msg, "unknown") {
		t.Fatalf("unexpected strerror message: %q", msg)
	}
	if Success.String() != "success" {
		t.Fatalf("unexpected success text %q", Success.String())
	}
}
