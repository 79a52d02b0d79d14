package plugin

import (
	"context"
	stderr "errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v3"
	jsoniter "github.com/json-iterator/go"

	"github.com/oneconcern/compilecache/pkg/actioncache"
	"github.com/oneconcern/compilecache/pkg/cas"
	"github.com/oneconcern/compilecache/pkg/caserr"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

const scalarKeyPrefix = "scalar:"
const mapKeyPrefix = "map:"

// BadgerBackend is a concrete, fully-native Backend: it implements the
// action-cache scalar and map operations in-process against a
// github.com/dgraph-io/badger/v3 key/value store rather than through a
// dynamic library. It does not implement the object-store or digest
// print/parse symbols. It gives the
// action cache an alternative to the hashedtrie-backed diskcache with
// badger's own compaction and transaction model.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens or creates a badger database rooted at path.
func OpenBadger(path string) (*BadgerBackend, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, caserr.IO("opening badger action cache at %q: %v", path, err)
	}
	return &BadgerBackend{db: db}, nil
}

func (b *BadgerBackend) Scalar() ScalarCache { return scalarCache{db: b.db} }
func (b *BadgerBackend) Map() MapCache       { return mapCache{db: b.db} }
func (b *BadgerBackend) Close() error        { return b.db.Close() }

type scalarCache struct{ db *badger.DB }

func scalarKey(key actioncache.ActionKey) []byte {
	return append([]byte(scalarKeyPrefix), key[:]...)
}

func (s scalarCache) Get(_ context.Context, key actioncache.ActionKey) (cas.CASID, Status, error) {
	var text string
	err := s.db.View(func(txn *badger.Txn) error {
		item, e := txn.Get(scalarKey(key))
		if e != nil {
			return e
		}
		return item.Value(func(v []byte) error {
			text = string(v)
			return nil
		})
	})
	if err != nil {
		if stderr.Is(err, badger.ErrKeyNotFound) {
			return cas.CASID{}, StatusNotFound, nil
		}
		return cas.CASID{}, StatusError, caserr.IO("badger scalar get: %v", err)
	}
	id, err := cas.ParseID(text)
	if err != nil {
		return cas.CASID{}, StatusError, err
	}
	return id, StatusSuccess, nil
}

// Put is insert-or-verify, same as actioncache.Cache.Put: the first write
// for a key wins; a later write of the same value succeeds; a later
// write of a different value fails with Poisoned. Conflicting concurrent
// transactions are retried, matching the corpus's badger-backed KV store.
func (s scalarCache) Put(_ context.Context, key actioncache.ActionKey, value cas.CASID) (Status, error) {
	text := value.String()

	txnErr := backoff.Retry(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			item, getErr := txn.Get(scalarKey(key))
			if getErr == nil {
				var existing string
				if valErr := item.Value(func(v []byte) error { existing = string(v); return nil }); valErr != nil {
					return backoff.Permanent(valErr)
				}
				if existing == text {
					return nil
				}
				return backoff.Permanent(caserr.NewPoisoned(key.String(), existing, text))
			}
			if !stderr.Is(getErr, badger.ErrKeyNotFound) {
				return backoff.Permanent(getErr)
			}
			setErr := txn.Set(scalarKey(key), []byte(text))
			if setErr != nil {
				if stderr.Is(setErr, badger.ErrConflict) {
					return setErr
				}
				return backoff.Permanent(setErr)
			}
			return nil
		})
	}, backoff.NewConstantBackOff(10*time.Millisecond))

	if txnErr != nil {
		var poisoned *caserr.Poisoned
		if stderr.As(txnErr, &poisoned) {
			return StatusError, poisoned
		}
		return StatusError, caserr.IO("badger scalar put: %v", txnErr)
	}
	return StatusSuccess, nil
}

type mapCache struct{ db *badger.DB }

func mapKey(key actioncache.ActionKey) []byte {
	return append([]byte(mapKeyPrefix), key[:]...)
}

func (m mapCache) readEntries(key actioncache.ActionKey) ([]MapEntry, bool, error) {
	var raw []byte
	err := m.db.View(func(txn *badger.Txn) error {
		item, e := txn.Get(mapKey(key))
		if e != nil {
			return e
		}
		return item.Value(func(v []byte) error {
			raw = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		if stderr.Is(err, badger.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, caserr.IO("badger map get: %v", err)
	}
	var entries []MapEntry
	if err := jsonAPI.Unmarshal(raw, &entries); err != nil {
		return nil, false, caserr.Corruption("badger map entry for %s is not valid JSON: %v", key, err)
	}
	return entries, true, nil
}

// GetValueAsync looks up the entries stored for key and delivers the
// entry at index to callback and the returned future, in a background
// goroutine. Mirrors the ABI's "map variant ... looked up asynchronously
// by index with a callback".
func (m mapCache) GetValueAsync(_ context.Context, key actioncache.ActionKey, index int, callback func(MapEntry, Status, error)) *MapFuture {
	future := newMapFuture()
	go func() {
		entries, found, err := m.readEntries(key)
		if err != nil {
			callback(MapEntry{}, StatusError, err)
			future.complete(MapEntry{}, StatusError, err)
			return
		}
		if !found || index < 0 || index >= len(entries) {
			callback(MapEntry{}, StatusNotFound, nil)
			future.complete(MapEntry{}, StatusNotFound, nil)
			return
		}
		entry := entries[index]
		callback(entry, StatusSuccess, nil)
		future.complete(entry, StatusSuccess, nil)
	}()
	return future
}

// Put is insert-or-verify over the whole named-entry sequence: a key
// with no entries yet stores them outright; a key already holding the
// identical sequence succeeds; anything else is Poisoned.
func (m mapCache) Put(_ context.Context, key actioncache.ActionKey, entries []MapEntry) (Status, error) {
	encoded, err := jsonAPI.Marshal(entries)
	if err != nil {
		return StatusError, caserr.IO("encoding map entries for %s: %v", key, err)
	}

	txnErr := backoff.Retry(func() error {
		return m.db.Update(func(txn *badger.Txn) error {
			item, getErr := txn.Get(mapKey(key))
			if getErr == nil {
				existing, valErr := item.ValueCopy(nil)
				if valErr != nil {
					return backoff.Permanent(valErr)
				}
				if string(existing) == string(encoded) {
					return nil
				}
				return backoff.Permanent(caserr.NewPoisoned(key.String(), string(existing), string(encoded)))
			}
			if !stderr.Is(getErr, badger.ErrKeyNotFound) {
				return backoff.Permanent(getErr)
			}
			setErr := txn.Set(mapKey(key), encoded)
			if setErr != nil {
				if stderr.Is(setErr, badger.ErrConflict) {
					return setErr
				}
				return backoff.Permanent(setErr)
			}
			return nil
		})
	}, backoff.NewConstantBackOff(10*time.Millisecond))

	if txnErr != nil {
		var poisoned *caserr.Poisoned
		if stderr.As(txnErr, &poisoned) {
			return StatusError, poisoned
		}
		return StatusError, caserr.IO("badger map put: %v", txnErr)
	}
	return StatusSuccess, nil
}
