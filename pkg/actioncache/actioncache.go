// Package actioncache defines the action-cache contract: a key built from
// the digest of a canonicalized compile invocation, mapped to the
// ObjectRef naming the result tree for that invocation.
//
// Put is insert-or-verify: the first write for a key wins, and every
// subsequent write of the same value succeeds silently; a write of a
// different value fails with a Poisoned error naming both, or with a
// Dangling error when the value already on record cannot be resolved in
// the paired object store. Get surfaces a
// Dangling error when a stored value can no longer be resolved in the
// paired object store, rather than silently reporting a miss.
package actioncache

import (
	"context"
	"encoding/hex"

	"github.com/oneconcern/compilecache/pkg/cas"
)

// ActionKey is the digest of a canonicalized compile invocation (or, in
// tests, any 32-byte value standing in for one).
type ActionKey [cas.DigestSize]byte

// KeyFromDigest reinterprets a content digest as an ActionKey; the two are
// the same shape (BLAKE3-256) and this is the only conversion the corpus's
// own test scenarios need.
func KeyFromDigest(d cas.Digest) ActionKey { return ActionKey(d) }

func (k ActionKey) String() string { return hex.EncodeToString(k[:]) }

// Cache is the action-cache contract, implemented by memcache, diskcache,
// and the plugin backend.
type Cache interface {
	// Get returns the ObjectRef previously Put for key, or found=false if
	// key has never been written. Returns a Dangling error if the stored
	// value's object is no longer resolvable in the paired store.
	Get(ctx context.Context, key ActionKey) (ref cas.ObjectRef, found bool, err error)

	// Put stores value for key if key is unset, succeeds silently if key
	// already maps to value, and fails with a Poisoned error if key maps
	// to a different value. If that different value cannot be resolved in
	// the paired store, the error is Dangling instead of Poisoned.
	Put(ctx context.Context, key ActionKey, value cas.ObjectRef) error

	// Close releases any resources held by the cache.
	Close() error
}
