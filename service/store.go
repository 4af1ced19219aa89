package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by a Store that does not hold the requested path.
var ErrNotFound = errors.New("service: file not found")

// ErrInvalidPath is returned for paths that escape the store root.
var ErrInvalidPath = errors.New("service: invalid path")

// Store holds file payloads keyed by their managed path.
type Store interface {
	Get(ctx context.Context, upath string) ([]byte, error)
	Put(ctx context.Context, upath string, data []byte) error
}

// MemStore keeps payloads in memory.
type MemStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{files: make(map[string][]byte)}
}

func (s *MemStore) Get(_ context.Context, upath string) ([]byte, error) {
	key, err := cleanPath(upath)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, upath)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemStore) Put(_ context.Context, upath string, data []byte) error {
	key, err := cleanPath(upath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.files[key] = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}

// DirStore maps managed paths onto files below Root.
type DirStore struct {
	Root string
}

func (s DirStore) file(upath string) (string, error) {
	key, err := cleanPath(upath)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, filepath.FromSlash(key)), nil
}

func (s DirStore) Get(_ context.Context, upath string) ([]byte, error) {
	name, err := s.file(upath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, upath)
	}
	return data, err
}

// Put writes data through a temporary file so readers never see a partial
// payload.
func (s DirStore) Put(_ context.Context, upath string, data []byte) error {
	name, err := s.file(upath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(name), ".dyad-*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temporary file: %w", err)
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		return fmt.Errorf("move payload into place: %w", err)
	}
	return nil
}

// cleanPath normalizes upath relative to the managed root.
func cleanPath(upath string) (string, error) {
	p := path.Clean("/" + strings.TrimSpace(upath))
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." || strings.HasPrefix(upath, "../") || strings.Contains(upath, "/../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, upath)
	}
	return p, nil
}
