package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oneconcern/compilecache/pkg/cas"
)

func TestStoreIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	ref1, err := s.Store(ctx, nil, []byte("hello"))
	require.NoError(t, err)

	ref2, err := s.Store(ctx, nil, []byte("hello"))
	require.NoError(t, err)

	require.Equal(t, ref1, ref2)
}

func TestStoreDistinctContentDistinctRefs(t *testing.T) {
	s := New()
	ctx := context.Background()

	ref1, err := s.Store(ctx, nil, []byte("hello"))
	require.NoError(t, err)

	ref2, err := s.Store(ctx, nil, []byte("world"))
	require.NoError(t, err)

	require.NotEqual(t, ref1, ref2)
}

func TestLoadRoundTrips(t *testing.T) {
	s := New()
	ctx := context.Background()

	child, err := s.Store(ctx, nil, []byte("child"))
	require.NoError(t, err)

	parent, err := s.Store(ctx, []cas.ObjectRef{child}, []byte("parent"))
	require.NoError(t, err)

	h, err := s.Load(ctx, parent)
	require.NoError(t, err)
	require.Equal(t, []byte("parent"), h.Data)
	require.Equal(t, 1, h.NumRefs())
	require.Equal(t, child, h.ReadRef(0))
}

func TestGetReferenceUnknownID(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := cas.ComputeDigest(nil, []byte("nope"))
	require.NoError(t, err)

	_, found, err := s.GetReference(ctx, cas.CASID{Scheme: cas.SchemeBLAKE3, Digest: id})
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetIDThenGetReferenceRoundTrips(t *testing.T) {
	s := New()
	ctx := context.Background()

	ref, err := s.Store(ctx, nil, []byte("round trip"))
	require.NoError(t, err)

	id, err := s.GetID(ref)
	require.NoError(t, err)

	back, found, err := s.GetReference(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ref, back)
}

func TestForeignRefRejected(t *testing.T) {
	s1 := New()
	s2 := New()
	ctx := context.Background()

	ref, err := s1.Store(ctx, nil, []byte("owned by s1"))
	require.NoError(t, err)

	_, err = s2.Load(ctx, ref)
	require.Error(t, err)
}

func TestCreateProxy(t *testing.T) {
	s := New()
	ctx := context.Background()

	h, err := s.CreateProxy(ctx, nil, []byte("proxied"))
	require.NoError(t, err)
	require.Equal(t, []byte("proxied"), h.Data)
}

func TestParseIDPrintIDRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	ref, err := s.Store(ctx, nil, []byte("stringy"))
	require.NoError(t, err)
	id, err := s.GetID(ref)
	require.NoError(t, err)

	text := s.PrintID(id)
	parsed, err := s.ParseID(text)
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestValidateDetectsNothingWrongOnFreshObject(t *testing.T) {
	s := New()
	ctx := context.Background()

	ref, err := s.Store(ctx, nil, []byte("valid"))
	require.NoError(t, err)
	id, err := s.GetID(ref)
	require.NoError(t, err)

	require.NoError(t, s.Validate(ctx, id))
}
