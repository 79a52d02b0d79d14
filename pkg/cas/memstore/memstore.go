// Package memstore is the heap-resident ObjectStore backend: a
// thread-safe hash-indexed table keyed by object digest, used for
// short-lived runs and tests where a persistent on-disk store (see
// pkg/cas/diskstore) is unnecessary.
package memstore

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/oneconcern/compilecache/pkg/cas"
	"github.com/oneconcern/compilecache/pkg/caserr"
)

var nextStoreID uint64

type entry struct {
	id    cas.CASID
	refs  []cas.ObjectRef
	data  []byte
	index uint64
}

// Store is an in-memory cas.Store. The zero value is not usable; use New.
type Store struct {
	id uint64

	mu       sync.RWMutex
	byDigest map[cas.Digest]*entry
	byIndex  []*entry

	group singleflight.Group
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		id:       atomic.AddUint64(&nextStoreID, 1),
		byDigest: make(map[cas.Digest]*entry),
	}
}

func (s *Store) Store(_ context.Context, refs []cas.ObjectRef, data []byte) (cas.ObjectRef, error) {
	refIDs := make([]cas.CASID, len(refs))
	for i, r := range refs {
		id, err := s.GetID(r)
		if err != nil {
			return cas.ObjectRef{}, err
		}
		refIDs[i] = id
	}

	digest, err := cas.ComputeDigest(refIDs, data)
	if err != nil {
		return cas.ObjectRef{}, err
	}

	v, err, _ := s.group.Do(string(digest[:]), func() (interface{}, error) {
		return s.insertOrLoad(digest, refs, data), nil
	})
	if err != nil {
		return cas.ObjectRef{}, err
	}
	e := v.(*entry)
	return cas.NewRef(s.id, e.index), nil
}

func (s *Store) insertOrLoad(digest cas.Digest, refs []cas.ObjectRef, data []byte) *entry {
	s.mu.RLock()
	if e, ok := s.byDigest[digest]; ok {
		s.mu.RUnlock()
		return e
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byDigest[digest]; ok {
		return e
	}

	e := &entry{
		id:    cas.CASID{Scheme: cas.SchemeBLAKE3, Digest: digest},
		refs:  append([]cas.ObjectRef(nil), refs...),
		data:  append([]byte(nil), data...),
		index: uint64(len(s.byIndex)),
	}
	s.byIndex = append(s.byIndex, e)
	s.byDigest[digest] = e
	return e
}

func (s *Store) Load(_ context.Context, ref cas.ObjectRef) (*cas.ObjectHandle, error) {
	e, err := s.lookup(ref)
	if err != nil {
		return nil, err
	}
	return &cas.ObjectHandle{
		Ref:  ref,
		ID:   e.id,
		Data: e.data,
		Refs: append([]cas.ObjectRef(nil), e.refs...),
	}, nil
}

func (s *Store) lookup(ref cas.ObjectRef) (*entry, error) {
	if ref.StoreID() != s.id {
		return nil, caserr.ConfigMismatch("memstore: ref belongs to store %d, not %d", ref.StoreID(), s.id)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ref.Index() >= uint64(len(s.byIndex)) {
		return nil, caserr.NotFound("memstore: no object at index %d", ref.Index())
	}
	e := s.byIndex[ref.Index()]
	if e == nil {
		return nil, caserr.NotFound("memstore: no object at index %d", ref.Index())
	}
	return e, nil
}

func (s *Store) GetReference(_ context.Context, id cas.CASID) (cas.ObjectRef, bool, error) {
	if id.Scheme != cas.SchemeBLAKE3 {
		return cas.ObjectRef{}, false, caserr.ConfigMismatch("memstore: unsupported scheme %q", id.Scheme)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byDigest[id.Digest]
	if !ok {
		return cas.ObjectRef{}, false, nil
	}
	return cas.NewRef(s.id, e.index), true, nil
}

func (s *Store) GetID(ref cas.ObjectRef) (cas.CASID, error) {
	e, err := s.lookup(ref)
	if err != nil {
		return cas.CASID{}, err
	}
	return e.id, nil
}

func (s *Store) ParseID(text string) (cas.CASID, error) { return cas.ParseID(text) }
func (s *Store) PrintID(id cas.CASID) string            { return cas.PrintID(id) }

func (s *Store) CreateProxy(ctx context.Context, refs []cas.ObjectRef, data []byte) (*cas.ObjectHandle, error) {
	ref, err := s.Store(ctx, refs, data)
	if err != nil {
		return nil, err
	}
	return s.Load(ctx, ref)
}

// Validate re-derives the object's digest from its stored bytes and
// confirms it still matches id; an in-memory store cannot otherwise
// drift, but the check is cheap and mirrors the on-disk backend's.
func (s *Store) Validate(ctx context.Context, id cas.CASID) error {
	ref, ok, err := s.GetReference(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return caserr.NotFound("memstore: %s not found", id)
	}
	e, err := s.lookup(ref)
	if err != nil {
		return err
	}
	refIDs := make([]cas.CASID, len(e.refs))
	for i, r := range e.refs {
		refIDs[i], err = s.GetID(r)
		if err != nil {
			return err
		}
	}
	digest, err := cas.ComputeDigest(refIDs, e.data)
	if err != nil {
		return err
	}
	if digest != id.Digest {
		return caserr.Corruption("memstore: %s recomputes to a different digest", id)
	}
	return nil
}

func (s *Store) Close() error { return nil }
