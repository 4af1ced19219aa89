package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flux-framework/flux-dyad/internal/config"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "dyad.log")
	logger, err := New(config.LogConfig{Level: "debug", Format: "json", Outputs: []string{path}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Sugar().Debugw("fetched file", "upath", "/a", "bytes", 3)
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, raw)
	}
	if entry["msg"] != "fetched file" || entry["upath"] != "/a" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestNewHonorsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dyad.log")
	logger, err := New(config.LogConfig{
		Level:    "warn",
		Outputs:  []string{path},
		Rotation: config.RotationConfig{Enable: true, MaxSizeMB: 1},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept")
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(raw), "dropped") || !strings.Contains(string(raw), "kept") {
		t.Fatalf("unexpected log contents:\n%s", raw)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
