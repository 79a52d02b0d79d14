package resulttree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oneconcern/compilecache/pkg/cas/memstore"
)

func TestBuildThenOpenRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	outputs := []Output{
		{Name: KindOutput, Bytes: []byte("object file bytes")},
		{Name: KindSerialDiags, Bytes: []byte("diagnostics bytes")},
		{Name: "relative/explicit/path.o", Bytes: []byte("side output")},
	}
	stderr := []byte("warning: unused variable\n")

	ref, err := Build(ctx, store, outputs, stderr)
	require.NoError(t, err)

	rt, err := Open(ctx, store, ref)
	require.NoError(t, err)

	gotStderr, err := rt.Stderr(ctx)
	require.NoError(t, err)
	require.Equal(t, stderr, gotStderr)

	gotOutputs, err := rt.Outputs(ctx)
	require.NoError(t, err)
	require.Equal(t, outputs, gotOutputs)
}

func TestBuildWithNoOutputs(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	ref, err := Build(ctx, store, nil, []byte("stderr only"))
	require.NoError(t, err)

	rt, err := Open(ctx, store, ref)
	require.NoError(t, err)

	outputs, err := rt.Outputs(ctx)
	require.NoError(t, err)
	require.Empty(t, outputs)
}

func TestOpenRejectsWrongShapedRoot(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	bogusRef, err := store.Store(ctx, nil, []byte("not a result tree"))
	require.NoError(t, err)

	_, err = Open(ctx, store, bogusRef)
	require.Error(t, err)
}

func TestBuildIsContentAddressedAcrossEquivalentRuns(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	outputs := []Output{{Name: KindOutput, Bytes: []byte("same bytes")}}
	stderr := []byte("")

	ref1, err := Build(ctx, store, outputs, stderr)
	require.NoError(t, err)
	ref2, err := Build(ctx, store, outputs, stderr)
	require.NoError(t, err)

	require.Equal(t, ref1, ref2)
}
