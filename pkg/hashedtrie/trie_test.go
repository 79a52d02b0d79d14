package hashedtrie

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

const testKeyBytes = 32
const testPayloadBytes = 8

func newTestTrie(t *testing.T) *Trie {
	t.Helper()
	dir := t.TempDir()
	tr, err := Create(dir, "test", "test-scheme", testKeyBytes, testPayloadBytes,
		MinFileSize(64*1024), MaxFileSize(16*1024*1024))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func keyFor(n int) []byte {
	k := make([]byte, testKeyBytes)
	for i := range k {
		k[i] = byte((n + i*7) % 256)
	}
	return k
}

func payloadFor(n int) []byte {
	p := make([]byte, testPayloadBytes)
	for i := range p {
		p[i] = byte((n*3 + i) % 256)
	}
	return p
}

func TestFindOnEmptyTrie(t *testing.T) {
	tr := newTestTrie(t)

	_, found, err := tr.Find(keyFor(1))
	require.NoError(t, err)
	require.False(t, found)
}

func TestInsertLazyThenFind(t *testing.T) {
	tr := newTestTrie(t)

	key := keyFor(1)
	want := payloadFor(1)

	got, err := tr.InsertLazy(key, func() ([]byte, error) { return want, nil })
	require.NoError(t, err)
	require.Equal(t, want, got)

	found, ok, err := tr.Find(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, found)
}

func TestInsertLazyReturnsExistingWithoutReconstructing(t *testing.T) {
	tr := newTestTrie(t)

	key := keyFor(2)
	want := payloadFor(2)

	_, err := tr.InsertLazy(key, func() ([]byte, error) { return want, nil })
	require.NoError(t, err)

	var calls int32
	got, err := tr.InsertLazy(key, func() ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return payloadFor(999), nil
	})
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Zero(t, calls)
}

func TestInsertLazyManyDistinctKeys(t *testing.T) {
	tr := newTestTrie(t)

	const n = 500
	for i := 0; i < n; i++ {
		key, want := keyFor(i), payloadFor(i)
		got, err := tr.InsertLazy(key, func() ([]byte, error) { return want, nil })
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	for i := 0; i < n; i++ {
		got, ok, err := tr.Find(keyFor(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		require.Equal(t, payloadFor(i), got, "key %d", i)
	}
}

// TestInsertLazyConcurrentSameKeyRace mirrors the spec's trie-race scenario:
// 32 goroutines calling InsertLazy with the same key must observe exactly
// one constructor invocation and must all agree on the resulting bytes.
func TestInsertLazyConcurrentSameKeyRace(t *testing.T) {
	tr := newTestTrie(t)

	const goroutines = 32
	key := keyFor(42)

	var calls int32
	var wg sync.WaitGroup
	results := make([][]byte, goroutines)
	errs := make([]error, goroutines)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = tr.InsertLazy(key, func() ([]byte, error) {
				atomic.AddInt32(&calls, 1)
				return payloadFor(42), nil
			})
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, calls)
	for i := 0; i < goroutines; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, payloadFor(42), results[i], "goroutine %d", i)
	}
}

func TestInsertLazyConstructorErrorIsNotCached(t *testing.T) {
	tr := newTestTrie(t)

	key := keyFor(7)
	boom := fmt.Errorf("boom")

	_, err := tr.InsertLazy(key, func() ([]byte, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	_, found, err := tr.Find(key)
	require.NoError(t, err)
	require.False(t, found)

	want := payloadFor(7)
	got, err := tr.InsertLazy(key, func() ([]byte, error) { return want, nil })
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFindRejectsWrongKeyLength(t *testing.T) {
	tr := newTestTrie(t)
	_, _, err := tr.Find([]byte("too-short"))
	require.Error(t, err)
}

func TestOpenOrCreateReopensExistingTable(t *testing.T) {
	dir := t.TempDir()

	tr1, err := OpenOrCreate(dir, "reopen", "test-scheme", testKeyBytes, testPayloadBytes)
	require.NoError(t, err)

	key, want := keyFor(3), payloadFor(3)
	_, err = tr1.InsertLazy(key, func() ([]byte, error) { return want, nil })
	require.NoError(t, err)
	require.NoError(t, tr1.Close())

	tr2, err := OpenOrCreate(dir, "reopen", "test-scheme", testKeyBytes, testPayloadBytes)
	require.NoError(t, err)
	defer tr2.Close()

	got, ok, err := tr2.Find(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestOpenRejectsMismatchedKeyWidth(t *testing.T) {
	dir := t.TempDir()

	tr1, err := Create(dir, "mismatch", "test-scheme", testKeyBytes, testPayloadBytes)
	require.NoError(t, err)
	require.NoError(t, tr1.Close())

	_, err = Open(dir, "mismatch", testKeyBytes*2, testPayloadBytes)
	require.Error(t, err)
}

func TestBitsAtExtractsMostSignificantFirst(t *testing.T) {
	key := []byte{0b11000000}
	require.EqualValues(t, 0b11, bitsAt(key, 0, 2))
	require.EqualValues(t, 0b00, bitsAt(key, 1, 2))
}

func TestEncodeDecodeSlotRoundTrip(t *testing.T) {
	for _, tag := range []uint64{tagEmpty, tagLeaf, tagChild} {
		for _, off := range []uint64{0, 8, 1 << 20} {
			s := encodeSlot(tag, off)
			gotTag, gotOff := decodeSlot(s)
			require.Equal(t, tag, gotTag)
			require.Equal(t, off, gotOff)
		}
	}
}

func TestInsertLazyHandlesHashCollisionsAtSharedPrefix(t *testing.T) {
	tr := newTestTrie(t)

	// two keys that share every bit except the very last byte: forces the
	// trie to split several levels deep before the keys diverge.
	a := make([]byte, testKeyBytes)
	b := make([]byte, testKeyBytes)
	b[testKeyBytes-1] = 0x01

	wantA := payloadFor(100)
	wantB := payloadFor(200)

	gotA, err := tr.InsertLazy(a, func() ([]byte, error) { return wantA, nil })
	require.NoError(t, err)
	require.Equal(t, wantA, gotA)

	gotB, err := tr.InsertLazy(b, func() ([]byte, error) { return wantB, nil })
	require.NoError(t, err)
	require.Equal(t, wantB, gotB)

	foundA, ok, err := tr.Find(a)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, bytes.Equal(wantA, foundA))

	foundB, ok, err := tr.Find(b)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, bytes.Equal(wantB, foundB))
}
