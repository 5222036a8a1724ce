package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/JuliaMoon1/gear/pkg/ids"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// KeyFunc encodes a typed key. Encodings must preserve the order callers
// expect from Scan.
type KeyFunc[K any] func(K) []byte

// Map is a typed view of one namespace. Values are canonical CBOR.
type Map[K, V any] struct {
	ns  []byte
	key KeyFunc[K]
}

// NewMap creates the map stored under namespace. Namespaces must be unique
// within a backend.
func NewMap[K, V any](namespace string, key KeyFunc[K]) Map[K, V] {
	return Map[K, V]{ns: append([]byte(namespace), '/'), key: key}
}

// Namespace returns the key prefix of the map.
func (m Map[K, V]) Namespace() []byte { return bytes.Clone(m.ns) }

func (m Map[K, V]) full(k K) []byte {
	return append(bytes.Clone(m.ns), m.key(k)...)
}

// Get returns the value under k and whether it exists.
func (m Map[K, V]) Get(ctx context.Context, tx Tx, k K) (V, bool, error) {
	var v V
	raw, ok, err := tx.Get(ctx, m.full(k))
	if err != nil || !ok {
		return v, false, err
	}
	if err := decMode.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("storage: decode %s: %w", m.ns, err)
	}
	return v, true, nil
}

// Has reports whether k exists.
func (m Map[K, V]) Has(ctx context.Context, tx Tx, k K) (bool, error) {
	_, ok, err := tx.Get(ctx, m.full(k))
	return ok, err
}

// Put stores v under k.
func (m Map[K, V]) Put(ctx context.Context, tx Tx, k K, v V) error {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", m.ns, err)
	}
	return tx.Put(ctx, m.full(k), raw)
}

// Delete removes k.
func (m Map[K, V]) Delete(ctx context.Context, tx Tx, k K) error {
	return tx.Delete(ctx, m.full(k))
}

// Scan visits every entry whose encoded key starts with sub, in key order.
// The key handed to fn is the encoded key without the namespace.
func (m Map[K, V]) Scan(ctx context.Context, tx Tx, sub []byte, fn func(key []byte, v V) error) error {
	prefix := append(bytes.Clone(m.ns), sub...)
	return tx.Scan(ctx, prefix, func(key, raw []byte) error {
		var v V
		if err := decMode.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("storage: decode %s: %w", m.ns, err)
		}
		return fn(key[len(m.ns):], v)
	})
}

// Key encoders.

func ProgramKey(id ids.ProgramID) []byte { return id[:] }
func MessageKey(id ids.MessageID) []byte { return id[:] }
func CodeKey(id ids.CodeID) []byte       { return id[:] }
func StringKey(s string) []byte          { return []byte(s) }

// Uint64Key encodes big-endian so numeric and byte order agree.
func Uint64Key(n uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, n)
}
