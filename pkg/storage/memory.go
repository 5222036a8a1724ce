package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps everything in process. Update transactions are
// serialized; readers see only committed data.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

type memoryReader struct{ b *MemoryBackend }

func (r memoryReader) get(_ context.Context, key []byte) ([]byte, bool, error) {
	v, ok := r.b.data[string(key)]
	return bytes.Clone(v), ok, nil
}

func (r memoryReader) scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	keys := make([]string, 0)
	for k := range r.b.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn([]byte(k), bytes.Clone(r.b.data[k])); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBackend) View(ctx context.Context, fn func(tx Tx) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return fn(readOnly{newOverlay(memoryReader{b})})
}

func (b *MemoryBackend) Update(ctx context.Context, fn func(tx Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	tx := newOverlay(memoryReader{b})
	if err := fn(tx); err != nil {
		return err
	}
	keys, values := tx.changes()
	for i, k := range keys {
		if values[i] == nil {
			delete(b.data, k)
			continue
		}
		b.data[k] = values[i]
	}
	return nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
