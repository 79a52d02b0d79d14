package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oneconcern/compilecache/pkg/actioncache"
	"github.com/oneconcern/compilecache/pkg/cas"
	"github.com/oneconcern/compilecache/pkg/caserr"
)

func newTestBackend(t *testing.T) *BadgerBackend {
	t.Helper()
	b, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testKey(b byte) actioncache.ActionKey {
	var k actioncache.ActionKey
	k[0] = b
	return k
}

func testID(b byte) cas.CASID {
	var d cas.Digest
	d[0] = b
	return cas.CASID{Scheme: cas.SchemeBLAKE3, Digest: d}
}

func TestScalarPutThenGet(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	scalar := backend.Scalar()

	key := testKey(1)
	value := testID(9)

	status, err := scalar.Put(ctx, key, value)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status)

	got, status, err := scalar.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status)
	require.Equal(t, value, got)
}

func TestScalarGetMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	scalar := backend.Scalar()

	_, status, err := scalar.Get(ctx, testKey(2))
	require.NoError(t, err)
	require.Equal(t, StatusNotFound, status)
}

func TestScalarPutTwiceSameValueSucceeds(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	scalar := backend.Scalar()

	key := testKey(3)
	value := testID(5)

	_, err := scalar.Put(ctx, key, value)
	require.NoError(t, err)
	_, err = scalar.Put(ctx, key, value)
	require.NoError(t, err)
}

func TestScalarPutConflictingValueIsPoisoned(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	scalar := backend.Scalar()

	key := testKey(4)

	_, err := scalar.Put(ctx, key, testID(1))
	require.NoError(t, err)

	status, err := scalar.Put(ctx, key, testID(2))
	require.Error(t, err)
	require.True(t, caserr.Is(err, caserr.KindPoisoned))
	require.Equal(t, StatusError, status)
}

func TestMapPutThenGetValueAsync(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	m := backend.Map()

	key := testKey(5)
	entries := []MapEntry{
		{Name: "<output>", Value: testID(1)},
		{Name: "<serial-diags>", Value: testID(2)},
	}

	status, err := m.Put(ctx, key, entries)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status)

	var callbackEntry MapEntry
	var callbackStatus Status
	future := m.GetValueAsync(ctx, key, 1, func(e MapEntry, s Status, err error) {
		callbackEntry = e
		callbackStatus = s
		require.NoError(t, err)
	})

	entry, status, err := future.Wait()
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status)
	require.Equal(t, entries[1], entry)
	require.Equal(t, StatusSuccess, callbackStatus)
	require.Equal(t, entries[1], callbackEntry)
}

func TestMapGetValueAsyncOutOfRangeIsNotFound(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	m := backend.Map()

	key := testKey(6)
	_, err := m.Put(ctx, key, []MapEntry{{Name: "<output>", Value: testID(1)}})
	require.NoError(t, err)

	future := m.GetValueAsync(ctx, key, 5, func(MapEntry, Status, error) {})
	_, status, err := future.Wait()
	require.NoError(t, err)
	require.Equal(t, StatusNotFound, status)
}

func TestCheckRequiredReportsMissingSymbols(t *testing.T) {
	available := map[Symbol]bool{
		SymObjectStore: true,
		SymObjectLoad:  true,
	}
	missing := CheckRequired(available)
	require.NotEmpty(t, missing)
	require.Contains(t, missing, SymActionCacheGet)
}

func TestCheckRequiredNoneMissingWhenAllPresent(t *testing.T) {
	available := make(map[Symbol]bool)
	for _, sym := range RequiredSymbols() {
		available[sym] = true
	}
	require.Empty(t, CheckRequired(available))
}
