package diskcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oneconcern/compilecache/pkg/actioncache"
	"github.com/oneconcern/compilecache/pkg/cas"
	"github.com/oneconcern/compilecache/pkg/cas/memstore"
	"github.com/oneconcern/compilecache/pkg/caserr"
)

func keyFrom(id cas.CASID) actioncache.ActionKey {
	return actioncache.KeyFromDigest(id.Digest)
}

func newTestCache(t *testing.T, dir string, store cas.Store) *Cache {
	t.Helper()
	c, err := Open(dir, store, MinFileSize(64*1024), MaxFileSize(16*1024*1024))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestActionCacheHit(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	c := newTestCache(t, t.TempDir(), s)

	p, err := s.CreateProxy(ctx, nil, []byte("1"))
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, keyFrom(p.ID), p.Ref))

	got, found, err := c.Get(ctx, keyFrom(p.ID))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, p.Ref, got)
}

func TestActionCacheMiss(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	c := newTestCache(t, t.TempDir(), s)

	p1, err := s.CreateProxy(ctx, nil, []byte("1"))
	require.NoError(t, err)
	p2, err := s.CreateProxy(ctx, nil, []byte("2"))
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, keyFrom(p1.ID), p2.Ref))

	_, found, err := c.Get(ctx, keyFrom(p2.ID))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, c.Put(ctx, keyFrom(p2.ID), p1.Ref))

	got, found, err := c.Get(ctx, keyFrom(p2.ID))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, p1.Ref, got)
}

func TestActionCacheRewritePoisoning(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	c := newTestCache(t, t.TempDir(), s)

	p1, err := s.CreateProxy(ctx, nil, []byte("1"))
	require.NoError(t, err)
	p2, err := s.CreateProxy(ctx, nil, []byte("2"))
	require.NoError(t, err)

	key := keyFrom(p1.ID)

	require.NoError(t, c.Put(ctx, key, p1.Ref))

	err = c.Put(ctx, key, p2.Ref)
	require.Error(t, err)
	require.True(t, caserr.Is(err, caserr.KindPoisoned))

	require.NoError(t, c.Put(ctx, key, p1.Ref))
}

// TestOnDiskCrossStoreDangling mirrors the spec's fourth action-cache
// scenario: two independent in-memory object stores share a single
// on-disk action cache. A value written against one store resolves fine
// through a cache paired with that store, but is Dangling through a cache
// paired with the other — the stores never shared the object.
func TestOnDiskCrossStoreDangling(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1 := memstore.New()
	s2 := memstore.New()

	p1, err := s1.CreateProxy(ctx, nil, []byte("1"))
	require.NoError(t, err)
	p2, err := s1.CreateProxy(ctx, nil, []byte("2"))
	require.NoError(t, err)
	p3, err := s2.CreateProxy(ctx, nil, []byte("1"))
	require.NoError(t, err)

	c1 := newTestCache(t, dir, s1)

	require.NoError(t, c1.Put(ctx, keyFrom(p1.ID), p2.Ref))
	got, found, err := c1.Get(ctx, keyFrom(p1.ID))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, p2.Ref, got)

	c2, err := Open(dir, s2, MinFileSize(64*1024), MaxFileSize(16*1024*1024))
	require.NoError(t, err)
	defer c2.Close()

	_, _, err = c2.Get(ctx, keyFrom(p3.ID))
	require.Error(t, err)
	require.True(t, caserr.Is(err, caserr.KindDangling))

	err = c2.Put(ctx, keyFrom(p3.ID), p3.Ref)
	require.Error(t, err)
	require.True(t, caserr.Is(err, caserr.KindDangling))
}
