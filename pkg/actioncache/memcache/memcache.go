// Package memcache is the heap-resident ActionCache backend, paired with
// an in-memory or on-disk cas.Store.
package memcache

import (
	"bytes"
	"context"
	"sync"

	"github.com/oneconcern/compilecache/pkg/actioncache"
	"github.com/oneconcern/compilecache/pkg/cas"
	"github.com/oneconcern/compilecache/pkg/caserr"
)

// Cache is an in-memory actioncache.Cache, paired with a single cas.Store
// that it uses to translate between ObjectRef and CASID.
type Cache struct {
	store cas.Store

	mu      sync.Mutex
	entries map[actioncache.ActionKey]cas.CASID
}

// New creates an empty in-memory action cache backed by store.
func New(store cas.Store) *Cache {
	return &Cache{store: store, entries: make(map[actioncache.ActionKey]cas.CASID)}
}

func (c *Cache) Get(ctx context.Context, key actioncache.ActionKey) (cas.ObjectRef, bool, error) {
	c.mu.Lock()
	id, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return cas.ObjectRef{}, false, nil
	}

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

	c.mu.Lock()
	existing, ok := c.entries[key]
	if !ok {
		c.entries[key] = id
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if bytes.Equal(existing.Digest[:], id.Digest[:]) && existing.Scheme == id.Scheme {
		return nil
	}

	// A different value is already on record; confirm it is even
	// resolvable in this store before reporting poisoning, since a value
	// the store can no longer resolve is a dangling cache, not a
	// conflicting write.
	if _, found, resolveErr := c.store.GetReference(ctx, existing); resolveErr == nil && !found {
		return caserr.NewDangling(key.String(), existing.String())
	}
	return caserr.NewPoisoned(key.String(), existing.String(), id.String())
}

func (c *Cache) Close() error { return nil }
