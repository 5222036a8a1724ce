package codestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JuliaMoon1/gear/pkg/ids"
)

func stores(t *testing.T) map[string]Store {
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "codes"))
	require.NoError(t, err)
	cached, err := NewCached(NewMemoryStore(), 4)
	require.NoError(t, err)
	return map[string]Store{"fs": fs, "memory": NewMemoryStore(), "cached": cached}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	code := []byte("\x00asm\x01\x00\x00\x00")
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.Put(ctx, code)
			require.NoError(t, err)
			assert.Equal(t, ids.CodeIDFromCode(code), id)

			again, err := s.Put(ctx, code)
			require.NoError(t, err)
			assert.Equal(t, id, again)

			got, err := s.Load(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, code, got)

			ok, err := s.Exists(ctx, id)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Delete(ctx, id))
			_, err = s.Load(ctx, id)
			assert.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, s.Delete(ctx, id))
		})
	}
}

func TestFileStore_DetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	id, err := s.Put(context.Background(), []byte("original"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, objectName(id)), []byte("tampered"), 0o600))

	_, err = s.Load(context.Background(), id)
	assert.ErrorIs(t, err, ErrCorrupted)
}

type countingStore struct {
	Store
	loads int
}

func (c *countingStore) Load(ctx context.Context, id ids.CodeID) ([]byte, error) {
	c.loads++
	return c.Store.Load(ctx, id)
}

func TestCached_ServesRepeatLoads(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Store: NewMemoryStore()}
	c, err := NewCached(inner, 2)
	require.NoError(t, err)

	id, err := c.Put(ctx, []byte("code"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := c.Load(ctx, id)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, inner.loads)
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := New(ctx, Config{Dir: dir})
	require.NoError(t, err)
	fs, ok := s.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", s)
	assert.Equal(t, filepath.Join(dir, "codes"), fs.baseDir)

	s, err = New(ctx, Config{Type: TypeMemory, CacheSize: 8})
	require.NoError(t, err)
	assert.IsType(t, &Cached{}, s)

	_, err = New(ctx, Config{Type: TypeS3})
	assert.ErrorContains(t, err, "bucket is required")

	_, err = New(ctx, Config{Type: "azure"})
	assert.ErrorContains(t, err, "unsupported type")
}
