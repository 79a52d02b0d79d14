// Package diskstore is the persistent, memory-mapped ObjectStore backend.
// Object identity and presence live in a hashedtrie table ("objects");
// the variable-length data and ref-digest arrays a record points to live
// in two flat append-only side files alongside it. A small LRU keeps
// recently loaded objects off the side files on the hot path.
package diskstore

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/oneconcern/compilecache/pkg/cas"
	"github.com/oneconcern/compilecache/pkg/caserr"
	"github.com/oneconcern/compilecache/pkg/hashedtrie"
)

const objectsTable = "objects"
const objectsScheme = "compilecache.objects[BLAKE3]"

const recordSize = 32 // 4 uint64 fields, little-endian

var nextStoreID uint64

// DefaultCacheSize is the default number of recently loaded objects kept
// in the in-process handle cache.
const DefaultCacheSize = 4096

// Option configures a Store at Open time.
type Option func(*options)

type options struct {
	cacheSize   int
	branchBits  uint
	minFileSize uint64
	maxFileSize uint64
}

func defaultOptions() options {
	return options{cacheSize: DefaultCacheSize}
}

// CacheSize overrides the number of objects kept in the in-process LRU.
func CacheSize(n int) Option { return func(o *options) { o.cacheSize = n } }

// BranchBits is forwarded to the underlying hashedtrie table.
func BranchBits(b uint) Option { return func(o *options) { o.branchBits = b } }

// MinFileSize is forwarded to the underlying hashedtrie table.
func MinFileSize(n uint64) Option { return func(o *options) { o.minFileSize = n } }

// MaxFileSize is forwarded to the underlying hashedtrie table.
func MaxFileSize(n uint64) Option { return func(o *options) { o.maxFileSize = n } }

// Store is the on-disk cas.Store backend.
type Store struct {
	id uint64

	trie *hashedtrie.Trie
	data *appendLog
	refs *appendLog

	handleMu    sync.Mutex
	digestToIdx map[cas.Digest]uint64
	idxToDigest map[uint64]cas.Digest
	nextIdx     uint64

	cache *lru.Cache
}

// Open opens or creates an on-disk object store rooted at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	o := defaultOptions()
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

	trie, err := hashedtrie.OpenOrCreate(dir, objectsTable, objectsScheme, cas.DigestSize, recordSize, trieOpts...)
	if err != nil {
		return nil, err
	}

	dataLog, err := openAppendLog(filepath.Join(dir, "v1.objects.data"))
	if err != nil {
		trie.Close()
		return nil, err
	}
	refsLog, err := openAppendLog(filepath.Join(dir, "v1.objects.refs"))
	if err != nil {
		trie.Close()
		dataLog.close()
		return nil, err
	}

	cache, err := lru.New(o.cacheSize)
	if err != nil {
		trie.Close()
		dataLog.close()
		refsLog.close()
		return nil, caserr.IO("creating object handle cache: %v", err)
	}

	return &Store{
		id:          atomic.AddUint64(&nextStoreID, 1),
		trie:        trie,
		data:        dataLog,
		refs:        refsLog,
		digestToIdx: make(map[cas.Digest]uint64),
		idxToDigest: make(map[uint64]cas.Digest),
		cache:       cache,
	}, nil
}

type record struct {
	dataOffset uint64
	dataLength uint64
	refsOffset uint64
	refsCount  uint64
}

func (r record) encode() []byte {
	b := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(b[0:8], r.dataOffset)
	binary.LittleEndian.PutUint64(b[8:16], r.dataLength)
	binary.LittleEndian.PutUint64(b[16:24], r.refsOffset)
	binary.LittleEndian.PutUint64(b[24:32], r.refsCount)
	return b
}

func decodeRecord(b []byte) record {
	return record{
		dataOffset: binary.LittleEndian.Uint64(b[0:8]),
		dataLength: binary.LittleEndian.Uint64(b[8:16]),
		refsOffset: binary.LittleEndian.Uint64(b[16:24]),
		refsCount:  binary.LittleEndian.Uint64(b[24:32]),
	}
}

// refFor assigns (or returns the existing) process-local ObjectRef for a
// digest known to be present in the trie. The mapping never survives a
// process restart; on-disk identity is the digest itself, the ref is just
// this process's handle onto it.
func (s *Store) refFor(digest cas.Digest) cas.ObjectRef {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	if idx, ok := s.digestToIdx[digest]; ok {
		return cas.NewRef(s.id, idx)
	}
	idx := s.nextIdx
	s.nextIdx++
	s.digestToIdx[digest] = idx
	s.idxToDigest[idx] = digest
	return cas.NewRef(s.id, idx)
}

func (s *Store) digestFor(ref cas.ObjectRef) (cas.Digest, error) {
	if ref.StoreID() != s.id {
		return cas.Digest{}, caserr.ConfigMismatch("diskstore: ref belongs to store %d, not %d", ref.StoreID(), s.id)
	}
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	d, ok := s.idxToDigest[ref.Index()]
	if !ok {
		return cas.Digest{}, caserr.NotFound("diskstore: no object for local ref %d", ref.Index())
	}
	return d, nil
}

func (s *Store) Store(ctx context.Context, refs []cas.ObjectRef, data []byte) (cas.ObjectRef, error) {
	refIDs := make([]cas.CASID, len(refs))
	refDigests := make([]cas.Digest, len(refs))
	for i, r := range refs {
		d, err := s.digestFor(r)
		if err != nil {
			return cas.ObjectRef{}, err
		}
		refDigests[i] = d
		refIDs[i] = cas.CASID{Scheme: cas.SchemeBLAKE3, Digest: d}
	}

	digest, err := cas.ComputeDigest(refIDs, data)
	if err != nil {
		return cas.ObjectRef{}, err
	}

	_, err = s.trie.InsertLazy(digest[:], func() ([]byte, error) {
		dataOff, err := s.data.append(data)
		if err != nil {
			return nil, err
		}
		refsOff, err := s.refs.append(packDigests(refDigests))
		if err != nil {
			return nil, err
		}
		rec := record{
			dataOffset: dataOff,
			dataLength: uint64(len(data)),
			refsOffset: refsOff,
			refsCount:  uint64(len(refDigests)),
		}
		return rec.encode(), nil
	})
	if err != nil {
		return cas.ObjectRef{}, err
	}

	return s.refFor(digest), nil
}

func packDigests(ds []cas.Digest) []byte {
	b := make([]byte, len(ds)*cas.DigestSize)
	for i, d := range ds {
		copy(b[i*cas.DigestSize:], d[:])
	}
	return b
}

func unpackDigests(b []byte) []cas.Digest {
	n := len(b) / cas.DigestSize
	out := make([]cas.Digest, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], b[i*cas.DigestSize:(i+1)*cas.DigestSize])
	}
	return out
}

func (s *Store) Load(ctx context.Context, ref cas.ObjectRef) (*cas.ObjectHandle, error) {
	digest, err := s.digestFor(ref)
	if err != nil {
		return nil, err
	}

	if cached, ok := s.cache.Get(digest); ok {
		h := *cached.(*cas.ObjectHandle)
		h.Ref = ref
		return &h, nil
	}

	rec, err := s.findRecord(digest)
	if err != nil {
		return nil, err
	}

	data, err := s.data.readAt(rec.dataOffset, rec.dataLength)
	if err != nil {
		return nil, err
	}
	refsBytes, err := s.refs.readAt(rec.refsOffset, rec.refsCount*cas.DigestSize)
	if err != nil {
		return nil, err
	}
	refDigests := unpackDigests(refsBytes)
	refObjs := make([]cas.ObjectRef, len(refDigests))
	for i, d := range refDigests {
		refObjs[i] = s.refFor(d)
	}

	h := &cas.ObjectHandle{
		Ref:  ref,
		ID:   cas.CASID{Scheme: cas.SchemeBLAKE3, Digest: digest},
		Data: data,
		Refs: refObjs,
	}
	cached := *h
	s.cache.Add(digest, &cached)
	return h, nil
}

func (s *Store) findRecord(digest cas.Digest) (record, error) {
	payload, found, err := s.trie.Find(digest[:])
	if err != nil {
		return record{}, err
	}
	if !found {
		return record{}, caserr.NotFound("diskstore: object %x not present", digest)
	}
	return decodeRecord(payload), nil
}

func (s *Store) GetReference(ctx context.Context, id cas.CASID) (cas.ObjectRef, bool, error) {
	if id.Scheme != cas.SchemeBLAKE3 {
		return cas.ObjectRef{}, false, caserr.ConfigMismatch("diskstore: unsupported scheme %q", id.Scheme)
	}
	_, ok, err := s.trie.Find(id.Digest[:])
	if err != nil {
		return cas.ObjectRef{}, false, err
	}
	if !ok {
		return cas.ObjectRef{}, false, nil
	}
	return s.refFor(id.Digest), true, nil
}

func (s *Store) GetID(ref cas.ObjectRef) (cas.CASID, error) {
	digest, err := s.digestFor(ref)
	if err != nil {
		return cas.CASID{}, err
	}
	return cas.CASID{Scheme: cas.SchemeBLAKE3, Digest: digest}, nil
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

// Validate re-derives id's digest from its on-disk bytes and confirms it
// still matches, catching the case where the backing files were corrupted
// or truncated out from under the trie's index.
func (s *Store) Validate(ctx context.Context, id cas.CASID) error {
	rec, err := s.findRecord(id.Digest)
	if err != nil {
		return err
	}
	data, err := s.data.readAt(rec.dataOffset, rec.dataLength)
	if err != nil {
		return err
	}
	refsBytes, err := s.refs.readAt(rec.refsOffset, rec.refsCount*cas.DigestSize)
	if err != nil {
		return err
	}
	refDigests := unpackDigests(refsBytes)
	refIDs := make([]cas.CASID, len(refDigests))
	for i, d := range refDigests {
		refIDs[i] = cas.CASID{Scheme: cas.SchemeBLAKE3, Digest: d}
	}
	digest, err := cas.ComputeDigest(refIDs, data)
	if err != nil {
		return err
	}
	if digest != id.Digest {
		return caserr.Corruption("diskstore: %s recomputes to a different digest", id)
	}
	return nil
}

func (s *Store) Close() error {
	refsErr := s.refs.close()
	dataErr := s.data.close()
	trieErr := s.trie.Close()
	if trieErr != nil {
		return trieErr
	}
	if dataErr != nil {
		return dataErr
	}
	return refsErr
}
