package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBackends(t *testing.T) map[string]Backend {
	t.Helper()
	ctx := context.Background()
	sqlite, err := OpenSQL(ctx, DialectSQLite, "file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	out := map[string]Backend{
		"memory": NewMemoryBackend(),
		"sqlite": sqlite,
	}
	rb := NewRedisBackend("localhost:6379", "", 0, "gear-test:"+t.Name()+":")
	if rb.Ping(ctx) == nil {
		t.Cleanup(func() {
			_ = rb.Update(ctx, func(tx Tx) error {
				return tx.Scan(ctx, nil, func(k, _ []byte) error { return tx.Delete(ctx, k) })
			})
			_ = rb.Close()
		})
		out["redis"] = rb
	} else {
		_ = rb.Close()
	}
	return out
}

func TestBackendConformance(t *testing.T) {
	ctx := context.Background()
	for name, b := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Update(ctx, func(tx Tx) error {
				for _, k := range []string{"a/2", "a/1", "b/1", "a/3"} {
					if err := tx.Put(ctx, []byte(k), []byte("v"+k)); err != nil {
						return err
					}
				}
				// Reads inside the transaction see its own writes.
				v, ok, err := tx.Get(ctx, []byte("a/2"))
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, "va/2", string(v))
				return tx.Delete(ctx, []byte("a/3"))
			}))

			require.NoError(t, b.View(ctx, func(tx Tx) error {
				var keys []string
				err := tx.Scan(ctx, []byte("a/"), func(k, v []byte) error {
					keys = append(keys, string(k))
					assert.Equal(t, "v"+string(k), string(v))
					return nil
				})
				require.NoError(t, err)
				assert.Equal(t, []string{"a/1", "a/2"}, keys)

				_, ok, err := tx.Get(ctx, []byte("a/3"))
				require.NoError(t, err)
				assert.False(t, ok)

				assert.ErrorIs(t, tx.Put(ctx, []byte("x"), nil), ErrReadOnly)
				return nil
			}))
		})
	}
}

func TestBackendRollback(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for name, b := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			err := b.Update(ctx, func(tx Tx) error {
				require.NoError(t, tx.Put(ctx, []byte("k"), []byte("v")))
				return boom
			})
			assert.ErrorIs(t, err, boom)

			require.NoError(t, b.View(ctx, func(tx Tx) error {
				_, ok, err := tx.Get(ctx, []byte("k"))
				assert.False(t, ok)
				return err
			}))
		})
	}
}

func TestScanMergesPendingWrites(t *testing.T) {
	ctx := context.Background()
	for name, b := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Update(ctx, func(tx Tx) error {
				require.NoError(t, tx.Put(ctx, []byte("p/1"), []byte("1")))
				return tx.Put(ctx, []byte("p/3"), []byte("3"))
			}))
			require.NoError(t, b.Update(ctx, func(tx Tx) error {
				require.NoError(t, tx.Put(ctx, []byte("p/2"), []byte("2")))
				require.NoError(t, tx.Delete(ctx, []byte("p/1")))
				var got []string
				err := tx.Scan(ctx, []byte("p/"), func(k, _ []byte) error {
					got = append(got, string(k))
					return nil
				})
				assert.Equal(t, []string{"p/2", "p/3"}, got)
				return err
			}))
		})
	}
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("b"), prefixEnd([]byte("a")))
	assert.Equal(t, []byte{0x02}, prefixEnd([]byte{0x01, 0xff}))
	assert.Nil(t, prefixEnd([]byte{0xff, 0xff}))
	assert.Nil(t, prefixEnd(nil))
}

func TestMemoryBackendClosed(t *testing.T) {
	b := NewMemoryBackend()
	require.NoError(t, b.Close())
	err := b.View(context.Background(), func(Tx) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	b, err := Open(ctx, Config{Type: TypeMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)
	require.NoError(t, b.Close())

	path := t.TempDir() + "/nested/state.db"
	b, err = Open(ctx, Config{Type: TypeSQLite, DSN: path})
	require.NoError(t, err)
	require.NoError(t, b.Update(ctx, func(tx Tx) error { return tx.Put(ctx, []byte("k"), []byte("v")) }))
	require.NoError(t, b.Close())

	b, err = Open(ctx, Config{Type: TypeSQLite, DSN: path})
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.View(ctx, func(tx Tx) error {
		v, ok, err := tx.Get(ctx, []byte("k"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v", string(v))
		return nil
	}))

	_, err = Open(ctx, Config{Type: TypePostgres})
	assert.Error(t, err)
	_, err = Open(ctx, Config{Type: "etcd"})
	assert.Error(t, err)
}
