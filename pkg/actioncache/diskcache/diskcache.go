// Package diskcache is the persistent ActionCache backend: a single
// hashedtrie table ("actions") mapping a 32-byte ActionKey to the 32-byte
// digest of the CASID it names, mirroring the on-disk ObjectStore's
// design and file-naming convention.
package diskcache

import (
	"bytes"
	"context"

	"github.com/oneconcern/compilecache/pkg/actioncache"
	"github.com/oneconcern/compilecache/pkg/cas"
	"github.com/oneconcern/compilecache/pkg/caserr"
	"github.com/oneconcern/compilecache/pkg/hashedtrie"
)

const actionsTable = "actions"
const actionsScheme = "llvm.actioncache[BLAKE3->BLAKE3]"

// Option configures a Cache at Open time.
type Option func(*options)

type options struct {
	branchBits  uint
	minFileSize uint64
	maxFileSize uint64
}

// BranchBits is forwarded to the underlying hashedtrie table.
func BranchBits(b uint) Option { return func(o *options) { o.branchBits = b } }

// MinFileSize is forwarded to the underlying hashedtrie table.
func MinFileSize(n uint64) Option { return func(o *options) { o.minFileSize = n } }

// MaxFileSize is forwarded to the underlying hashedtrie table.
func MaxFileSize(n uint64) Option { return func(o *options) { o.maxFileSize = n } }

// Cache is an on-disk actioncache.Cache, paired with a cas.Store (usually
// pkg/cas/diskstore, but any cas.Store works) that it uses to resolve the
// ObjectRef a stored digest names.
type Cache struct {
	store cas.Store
	trie  *hashedtrie.Trie
}

// Open opens or creates dir/v1.actions, paired with store.
func Open(dir string, store cas.Store, opts ...Option) (*Cache, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var trieOpts []hashedtrie.Option
	if o.branchBits != 0 {
		trieOpts = append(trieOpts, hashedtrie.BranchBits(o.branchBits))
	}
	if o.minFileSize != 0 {
		trieOpts = append(trieOpts, hashedtrie.MinFileSize(o.minFileSize))
	}
	if o.maxFileSize != 0 {
		trieOpts = append(trieOpts, hashedtrie.MaxFileSize(o.maxFileSize))
	}

	trie, err := hashedtrie.OpenOrCreate(dir, actionsTable, actionsScheme, cas.DigestSize, cas.DigestSize, trieOpts...)
	if err != nil {
		return nil, err
	}
	return &Cache{store: store, trie: trie}, nil
}

func (c *Cache) Get(ctx context.Context, key actioncache.ActionKey) (cas.ObjectRef, bool, error) {
	payload, found, err := c.trie.Find(key[:])
	if err != nil {
		return cas.ObjectRef{}, false, err
	}
	if !found {
		return cas.ObjectRef{}, false, nil
	}

	id := cas.CASID{Scheme: cas.SchemeBLAKE3}
	copy(id.Digest[:], payload)

	ref, found, err := c.store.GetReference(ctx, id)
	if err != nil {
		return cas.ObjectRef{}, false, err
	}
	if !found {
		return cas.ObjectRef{}, false, caserr.NewDangling(key.String(), id.String())
	}
	return ref, true, nil
}

func (c *Cache) Put(ctx context.Context, key actioncache.ActionKey, value cas.ObjectRef) error {
	id, err := c.store.GetID(value)
	if err != nil {
		return err
	}
	want := append([]byte(nil), id.Digest[:]...)

	got, err := c.trie.InsertLazy(key[:], func() ([]byte, error) { return want, nil })
	if err != nil {
		return err
	}
	if bytes.Equal(got, want) {
		return nil
	}

	// A different value is already on record. Before reporting poisoning,
	// confirm the existing value is even resolvable in this store: if it
	// isn't, the cache and store have drifted and the real problem is
	// dangling, not a conflicting write.
	existing := cas.CASID{Scheme: cas.SchemeBLAKE3}
	copy(existing.Digest[:], got)
	if _, found, resolveErr := c.store.GetReference(ctx, existing); resolveErr == nil && !found {
		return caserr.NewDangling(key.String(), existing.String())
	}
	return caserr.NewPoisoned(key.String(), existing.String(), id.String())
}

func (c *Cache) Close() error { return c.trie.Close() }
