// Package codestore keeps uploaded program code addressed by its CodeID.
package codestore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/JuliaMoon1/gear/pkg/ids"
)

var (
	// ErrNotFound is returned for code that was never stored.
	ErrNotFound = errors.New("codestore: code not found")
	// ErrCorrupted is returned when stored bytes no longer hash to their id.
	ErrCorrupted = errors.New("codestore: code does not match its id")
)

// Store is content-addressed storage of code blobs.
type Store interface {
	// Put stores code and returns its id. Storing the same code twice is a
	// no-op.
	Put(ctx context.Context, code []byte) (ids.CodeID, error)
	// Load returns the code stored under id.
	Load(ctx context.Context, id ids.CodeID) ([]byte, error)
	Exists(ctx context.Context, id ids.CodeID) (bool, error)
	Delete(ctx context.Context, id ids.CodeID) error
}

func objectName(id ids.CodeID) string { return hex.EncodeToString(id[:]) + ".wasm" }

// verify checks that data hashes to id.
func verify(id ids.CodeID, data []byte) ([]byte, error) {
	if ids.CodeIDFromCode(data) != id {
		return nil, fmt.Errorf("%w: %s", ErrCorrupted, id)
	}
	return data, nil
}

// FileStore keeps one file per code under a directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: code blobs are not secret
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("codestore: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(id ids.CodeID) string {
	return filepath.Join(s.baseDir, objectName(id))
}

func (s *FileStore) Put(_ context.Context, code []byte) (ids.CodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := ids.CodeIDFromCode(code)
	path := s.path(id)
	if _, err := os.Stat(path); err == nil {
		return id, nil
	}
	tmp := path + ".tmp"
	//nolint:gosec // G306: code blobs are not secret
	if err := os.WriteFile(tmp, code, 0644); err != nil {
		return id, fmt.Errorf("codestore: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return id, fmt.Errorf("codestore: commit: %w", err)
	}
	return id, nil
}

func (s *FileStore) Load(_ context.Context, id ids.CodeID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("codestore: read %s: %w", id, err)
	}
	return verify(id, data)
}

func (s *FileStore) Exists(_ context.Context, id ids.CodeID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.path(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("codestore: stat %s: %w", id, err)
}

func (s *FileStore) Delete(_ context.Context, id ids.CodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("codestore: delete %s: %w", id, err)
	}
	return nil
}

// MemoryStore keeps code in process.
type MemoryStore struct {
	mu    sync.RWMutex
	codes map[ids.CodeID][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{codes: make(map[ids.CodeID][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, code []byte) (ids.CodeID, error) {
	id := ids.CodeIDFromCode(code)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[id]; !ok {
		s.codes[id] = append([]byte(nil), code...)
	}
	return id, nil
}

func (s *MemoryStore) Load(_ context.Context, id ids.CodeID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	code, ok := s.codes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]byte(nil), code...), nil
}

func (s *MemoryStore) Exists(_ context.Context, id ids.CodeID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.codes[id]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, id ids.CodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, id)
	return nil
}
