// Package tokenutil derives a demo/test int64 token from an arbitrary key,
// standing in for the real Murmur3-based partitioner hash. Cluster topology
// discovery and partitioning are out of scope for the pool itself, which
// only ever sees tokens as opaque int64s; this package exists so the demo
// CLI and tests can exercise shardpool.ConnectionPool.FindLeastBusy with
// realistic-looking tokens instead of only literal int64s.
//
// Token is an immutable wrapper that caches its hash, hashed with xxhash
// rather than MD5 since nothing in this module's scope needs cryptographic
// strength.
package tokenutil

import "github.com/cespare/xxhash/v2"

// Token is an immutable wrapper around a key and its derived int64 token.
type Token struct {
	key   []byte
	value int64
}

// FromKey hashes key into a Token. The same key always yields the same
// token.
func FromKey(key []byte) Token {
	sum := xxhash.Sum64(key)
	return Token{key: key, value: int64(sum)}
}

// Key returns the key this Token was derived from.
func (t Token) Key() []byte { return t.key }

// Value returns the derived int64 token, suitable for
// shardpool.ConnectionPool.FindLeastBusy.
func (t Token) Value() int64 { return t.value }
