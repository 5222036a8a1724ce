// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of journals and snapshots.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

// maxExactInteger is the largest magnitude an IEEE double represents
// without rounding.
const maxExactInteger = 1 << 53

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is marshaled with encoding/json first so struct tags and custom
// marshalers apply; the result is then transformed: object keys sorted,
// HTML escaping removed, numbers in their shortest ES6 form. Integers
// beyond 2^53 are emitted as decimal strings so they keep every digit.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("jcs: intermediate decode failed: %w", err)
	}
	exact, err := json.Marshal(quoteWideIntegers(generic))
	if err != nil {
		return nil, fmt.Errorf("jcs: re-marshal failed: %w", err)
	}

	out, err := jcs.Transform(exact)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// quoteWideIntegers replaces integer numbers a double cannot hold exactly
// with their decimal string.
func quoteWideIntegers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if isWideInteger(string(t)) {
			return string(t)
		}
	case []interface{}:
		for i, e := range t {
			t[i] = quoteWideIntegers(e)
		}
	case map[string]interface{}:
		for k, e := range t {
			t[k] = quoteWideIntegers(e)
		}
	}
	return v
}

func isWideInteger(n string) bool {
	digits := strings.TrimPrefix(n, "-")
	if strings.ContainsAny(digits, ".eE") {
		return false
	}
	switch {
	case len(digits) < 16:
		return false
	case len(digits) > 16:
		return true
	}
	u, err := strconv.ParseUint(digits, 10, 64)
	return err != nil || u > maxExactInteger
}

// CanonicalHash returns the prefixed SHA-256 digest of the canonical JSON
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns "sha256:" followed by the hex digest of data.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}
