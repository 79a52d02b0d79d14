package memcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oneconcern/compilecache/pkg/actioncache"
	"github.com/oneconcern/compilecache/pkg/cas"
	"github.com/oneconcern/compilecache/pkg/cas/memstore"
	"github.com/oneconcern/compilecache/pkg/caserr"
)

func keyFrom(t *testing.T, id cas.CASID) actioncache.ActionKey {
	t.Helper()
	return actioncache.KeyFromDigest(id.Digest)
}

func TestActionCacheHit(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	c := New(s)

	p, err := s.CreateProxy(ctx, nil, []byte("1"))
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, keyFrom(t, p.ID), p.Ref))

	got, found, err := c.Get(ctx, keyFrom(t, p.ID))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, p.Ref, got)
}

func TestActionCacheMiss(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	c := New(s)

	p1, err := s.CreateProxy(ctx, nil, []byte("1"))
	require.NoError(t, err)
	p2, err := s.CreateProxy(ctx, nil, []byte("2"))
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, keyFrom(t, p1.ID), p2.Ref))

	_, found, err := c.Get(ctx, keyFrom(t, p2.ID))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, c.Put(ctx, keyFrom(t, p2.ID), p1.Ref))

	got, found, err := c.Get(ctx, keyFrom(t, p2.ID))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, p1.Ref, got)
}

func TestActionCacheRewritePoisoning(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	c := New(s)

	p1, err := s.CreateProxy(ctx, nil, []byte("1"))
	require.NoError(t, err)
	p2, err := s.CreateProxy(ctx, nil, []byte("2"))
	require.NoError(t, err)

	key := keyFrom(t, p1.ID)

	require.NoError(t, c.Put(ctx, key, p1.Ref))

	err = c.Put(ctx, key, p2.Ref)
	require.Error(t, err)
	require.True(t, caserr.Is(err, caserr.KindPoisoned))

	require.NoError(t, c.Put(ctx, key, p1.Ref))
}
