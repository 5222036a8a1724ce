package codestore

import (
	"context"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/JuliaMoon1/gear/pkg/ids"
)

// Cached keeps recently loaded code in memory in front of a slower store.
// Concurrent loads of the same id share one backend request.
type Cached struct {
	Store
	cache *lru.Cache
	group singleflight.Group
}

// NewCached wraps s with an LRU of size entries.
func NewCached(s Store, size int) (*Cached, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("codestore: cache: %w", err)
	}
	return &Cached{Store: s, cache: cache}, nil
}

func (c *Cached) Load(ctx context.Context, id ids.CodeID) ([]byte, error) {
	if v, ok := c.cache.Get(id); ok {
		return v.([]byte), nil
	}
	v, err, _ := c.group.Do(id.String(), func() (interface{}, error) {
		code, err := c.Store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		c.cache.Add(id, code)
		return code, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Cached) Exists(ctx context.Context, id ids.CodeID) (bool, error) {
	if c.cache.Contains(id) {
		return true, nil
	}
	return c.Store.Exists(ctx, id)
}

func (c *Cached) Delete(ctx context.Context, id ids.CodeID) error {
	c.cache.Remove(id)
	return c.Store.Delete(ctx, id)
}

// Close closes the wrapped store when it holds resources.
func (c *Cached) Close() error {
	if cl, ok := c.Store.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}
