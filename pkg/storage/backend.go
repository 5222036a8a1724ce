// Package storage persists engine state in a byte-keyed backend and applies
// journals to it. It is the reference state layer the block runner uses;
// the processor itself never imports it.
package storage

import (
	"bytes"
	"context"
	"errors"
	"sort"
)

// ErrClosed is returned by a backend used after Close.
var ErrClosed = errors.New("storage: backend closed")

// Tx is a view of the backend inside one transaction.
type Tx interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	// Scan visits every key with prefix in ascending byte order.
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error
}

// Backend is a transactional byte store. Update commits only when fn
// returns nil; nothing fn wrote is visible otherwise.
type Backend interface {
	View(ctx context.Context, fn func(tx Tx) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// prefixEnd returns the smallest key greater than every key with prefix,
// or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// reader is the read side an overlay falls through to.
type reader interface {
	get(ctx context.Context, key []byte) ([]byte, bool, error)
	scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error
}

// overlay buffers the writes of one transaction over a base reader.
// Backends without native transactions commit the buffer in one step.
type overlay struct {
	base reader
	// writes holds nil for deleted keys.
	writes map[string][]byte
}

func newOverlay(base reader) *overlay {
	return &overlay{base: base, writes: make(map[string][]byte)}
}

func (o *overlay) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if v, ok := o.writes[string(key)]; ok {
		if v == nil {
			return nil, false, nil
		}
		return bytes.Clone(v), true, nil
	}
	return o.base.get(ctx, key)
}

func (o *overlay) Put(_ context.Context, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	o.writes[string(key)] = bytes.Clone(value)
	return nil
}

func (o *overlay) Delete(_ context.Context, key []byte) error {
	o.writes[string(key)] = nil
	return nil
}

func (o *overlay) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	merged := make(map[string][]byte)
	err := o.base.scan(ctx, prefix, func(key, value []byte) error {
		merged[string(key)] = bytes.Clone(value)
		return nil
	})
	if err != nil {
		return err
	}
	for k, v := range o.writes {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), bytes.Clone(merged[k])); err != nil {
			return err
		}
	}
	return nil
}

// changes returns the buffered writes in key order.
func (o *overlay) changes() (keys []string, values [][]byte) {
	keys = make([]string, 0, len(o.writes))
	for k := range o.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values = make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = o.writes[k]
	}
	return keys, values
}

// readOnly rejects writes made from View.
type readOnly struct{ Tx }

// ErrReadOnly is returned when writing inside View.
var ErrReadOnly = errors.New("storage: write in read-only transaction")

func (readOnly) Put(context.Context, []byte, []byte) error { return ErrReadOnly }
func (readOnly) Delete(context.Context, []byte) error      { return ErrReadOnly }
