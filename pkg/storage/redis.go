package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores keys in Redis under a key prefix. Keys are hex
// encoded so SCAN patterns never see glob characters and lexical order
// matches byte order. Writes of one Update are buffered and flushed in a
// single MULTI/EXEC; Updates are serialized within the process.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
	owned  bool
	mu     sync.Mutex
}

// NewRedisBackend connects to addr and stores keys under prefix.
func NewRedisBackend(addr, password string, db int, prefix string) *RedisBackend {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	b := NewRedisBackendWithClient(rdb, prefix)
	b.owned = true
	return b
}

// NewRedisBackendWithClient uses an existing client.
func NewRedisBackendWithClient(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) key(k []byte) string { return b.prefix + hex.EncodeToString(k) }

type redisReader struct{ b *RedisBackend }

func (r redisReader) get(ctx context.Context, key []byte) ([]byte, bool, error) {
	v, err := r.b.client.Get(ctx, r.b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: redis get: %w", err)
	}
	return v, true, nil
}

func (r redisReader) scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	pattern := r.b.key(prefix) + "*"
	var keys []string
	iter := r.b.client.Scan(ctx, 0, pattern, 512).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("storage: redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	values, err := r.b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("storage: redis mget: %w", err)
	}
	for i, k := range keys {
		s, ok := values[i].(string)
		if !ok {
			// Deleted between SCAN and MGET.
			continue
		}
		raw, err := hex.DecodeString(k[len(r.b.prefix):])
		if err != nil {
			return fmt.Errorf("storage: redis key %q: %w", k, err)
		}
		if err := fn(raw, []byte(s)); err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisBackend) View(ctx context.Context, fn func(tx Tx) error) error {
	return fn(readOnly{newOverlay(redisReader{b})})
}

func (b *RedisBackend) Update(ctx context.Context, fn func(tx Tx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx := newOverlay(redisReader{b})
	if err := fn(tx); err != nil {
		return err
	}
	keys, values := tx.changes()
	if len(keys) == 0 {
		return nil
	}
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			if values[i] == nil {
				p.Del(ctx, b.key([]byte(k)))
				continue
			}
			p.Set(ctx, b.key([]byte(k)), values[i], 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: redis commit: %w", err)
	}
	return nil
}

// Close closes the client when NewRedisBackend created it.
func (b *RedisBackend) Close() error {
	if b.owned {
		return b.client.Close()
	}
	return nil
}
