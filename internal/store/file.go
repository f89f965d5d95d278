package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"classcal/internal/config"
)

// FileBackend keeps one JSON file per key under a directory.
type FileBackend struct {
	dir string
	mu  sync.RWMutex
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		// Development fallback, mirrors the config default.
		dir = "./var/classcal"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir}, nil
}

// path maps key to a file name. Keys are "kind/owner"; the owner part is
// hashed so arbitrary owner ids never escape the directory.
func (f *FileBackend) path(key string) string {
	kind, owner, _ := strings.Cut(key, "/")
	sum := sha256.Sum256([]byte(owner))
	return filepath.Join(f.dir, kind+"-"+hex.EncodeToString(sum[:8])+".json")
}

func (f *FileBackend) Put(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return config.WriteFileAtomic(f.path(key), value)
}

func (f *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (f *FileBackend) Close() error { return nil }
