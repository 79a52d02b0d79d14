package hashedtrie

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"golang.org/x/sync/singleflight"

	"github.com/oneconcern/compilecache/pkg/caserr"
)

const (
	// DefaultBranchBits is the number of key bits consumed per trie level,
	// giving a 64-way fanout per internal node.
	DefaultBranchBits uint = 6

	// DefaultMinFileSize is the initial size reserved for a new table file.
	DefaultMinFileSize uint64 = 1 * units.MiB

	// DefaultMaxFileSize is the hard ceiling a table refuses to grow past.
	DefaultMaxFileSize uint64 = 4 * units.GiB
)

// Option configures a Trie at Create or Open time.
type Option func(*options)

type options struct {
	branchBits  uint
	minFileSize uint64
	maxFileSize uint64
}

func defaultOptions() options {
	return options{
		branchBits:  DefaultBranchBits,
		minFileSize: DefaultMinFileSize,
		maxFileSize: DefaultMaxFileSize,
	}
}

// BranchBits overrides the default 6-bit (64-way) fanout.
func BranchBits(b uint) Option {
	return func(o *options) { o.branchBits = b }
}

// MinFileSize overrides the size a newly created table is pre-sized to.
func MinFileSize(n uint64) Option {
	return func(o *options) { o.minFileSize = n }
}

// MaxFileSize overrides the size at which the table refuses to grow
// further, reporting a caserr.IO "table full" error instead.
func MaxFileSize(n uint64) Option {
	return func(o *options) { o.maxFileSize = n }
}

// Trie is a concurrent, persistent, fixed-fanout hash-indexed trie mapping
// fixed-width keys to fixed-size payloads, backed by a single memory-mapped,
// append-only file.
type Trie struct {
	f    *file
	opts options

	keyBytes     int
	payloadBytes int

	group singleflight.Group // coalesces concurrent insertLazy on the same key, in-process
}

// Create makes a new table file at dir/v1.<table>, sized for keys of
// keyBytes bytes and payloads of payloadBytes bytes. schemeName is recorded
// in the header for diagnostic and cross-process compatibility purposes
// (e.g. "llvm.actioncache[BLAKE3->BLAKE3]").
func Create(dir, table, schemeName string, keyBytes, payloadBytes int, opts ...Option) (*Trie, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	path := tablePath(dir, table)
	f, err := createFile(path, schemeName, keyBytes*8, payloadBytes, o.branchBits, o.minFileSize, o.maxFileSize)
	if err != nil {
		return nil, err
	}

	t := &Trie{f: f, opts: o, keyBytes: keyBytes, payloadBytes: payloadBytes}

	fanout := uint64(1) << o.branchBits
	rootOff, err := t.f.allocate(fanout * wordSize)
	if err != nil {
		f.close()
		return nil, err
	}
	t.f.writeHeader(rootOff, t.f.highWatermark())
	return t, nil
}

// Open maps an existing table file created by Create, in this process or
// another one sharing the same backing directory.
func Open(dir, table string, keyBytes, payloadBytes int, opts ...Option) (*Trie, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	path := tablePath(dir, table)
	f, err := openFile(path, keyBytes*8, payloadBytes, o.branchBits, o.maxFileSize)
	if err != nil {
		return nil, err
	}
	return &Trie{f: f, opts: o, keyBytes: keyBytes, payloadBytes: payloadBytes}, nil
}

// OpenOrCreate opens dir/v1.<table> if it exists, or creates it otherwise.
func OpenOrCreate(dir, table, schemeName string, keyBytes, payloadBytes int, opts ...Option) (*Trie, error) {
	path := tablePath(dir, table)
	if _, err := os.Stat(path); err == nil {
		return Open(dir, table, keyBytes, payloadBytes, opts...)
	} else if !os.IsNotExist(err) {
		return nil, caserr.IO("stat %q: %v", path, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, caserr.IO("creating table directory %q: %v", dir, err)
	}
	return Create(dir, table, schemeName, keyBytes, payloadBytes, opts...)
}

func tablePath(dir, table string) string {
	return filepath.Join(dir, "v1."+table)
}

// Close unmaps the backing file. A Trie must not be used after Close.
func (t *Trie) Close() error {
	return t.f.close()
}

// Find performs a read-only walk for key, returning its payload if present.
func (t *Trie) Find(key []byte) (payload []byte, found bool, err error) {
	if len(key) != t.keyBytes {
		return nil, false, caserr.ConfigMismatch("hashedtrie: key is %d bytes, table expects %d", len(key), t.keyBytes)
	}

	nodeOffset := t.f.rootOffset()
	limit := maxLevels(t.keyBits(), t.opts.branchBits)
	for level := 0; level < limit; level++ {
		idx := bitsAt(key, level, t.opts.branchBits)
		slot := t.f.readSlot(nodeOffset, idx)
		tag, off := decodeSlot(slot)
		switch tag {
		case tagEmpty:
			return nil, false, nil
		case tagLeaf:
			leafKey, leafPayload := t.readLeaf(off)
			if bytes.Equal(leafKey, key) {
				return leafPayload, true, nil
			}
			return nil, false, nil
		case tagChild:
			nodeOffset = off
		default:
			return nil, false, caserr.Corruption("hashedtrie: impossible slot tag %d", tag)
		}
	}
	return nil, false, caserr.Corruption("hashedtrie: walk exceeded %d levels without resolving", limit)
}

// InsertLazy returns the existing payload for key if one is present;
// otherwise it calls constructor exactly once (per process) to produce the
// payload, durably inserts it, and returns it. Concurrent InsertLazy calls
// for the same key, in this process, are coalesced: only the winner's
// constructor runs, and every caller observes the same resulting bytes.
func (t *Trie) InsertLazy(key []byte, constructor func() ([]byte, error)) ([]byte, error) {
	if len(key) != t.keyBytes {
		return nil, caserr.ConfigMismatch("hashedtrie: key is %d bytes, table expects %d", len(key), t.keyBytes)
	}

	if payload, found, err := t.Find(key); err != nil {
		return nil, err
	} else if found {
		return payload, nil
	}

	v, err, _ := t.group.Do(string(key), func() (interface{}, error) {
		return t.insertOrLoad(key, constructor)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (t *Trie) insertOrLoad(key []byte, constructor func() ([]byte, error)) ([]byte, error) {
	limit := maxLevels(t.keyBits(), t.opts.branchBits)

	// A lost CAS sends the walk back to retry; the payload already built
	// for this key is reused so constructor still runs at most once.
	var built []byte
	construct := func() ([]byte, error) {
		if built != nil {
			return built, nil
		}
		p, err := constructor()
		if err != nil {
			return nil, err
		}
		built = p
		return p, nil
	}

retry:
	nodeOffset := t.f.rootOffset()
	for level := 0; level < limit; level++ {
		idx := bitsAt(key, level, t.opts.branchBits)
		slot := t.f.readSlot(nodeOffset, idx)
		tag, off := decodeSlot(slot)

		switch tag {
		case tagEmpty:
			payload, err := construct()
			if err != nil {
				return nil, err
			}
			leafOff, err := t.writeNewLeaf(key, payload)
			if err != nil {
				return nil, err
			}
			if t.f.casSlot(nodeOffset, idx, encodeSlot(tagEmpty, 0), encodeSlot(tagLeaf, leafOff)) {
				return payload, nil
			}
			goto retry

		case tagLeaf:
			leafKey, leafPayload := t.readLeaf(off)
			if bytes.Equal(leafKey, key) {
				return leafPayload, nil
			}
			payload, err := construct()
			if err != nil {
				return nil, err
			}
			newLeafOff, err := t.writeNewLeaf(key, payload)
			if err != nil {
				return nil, err
			}
			childOff, err := t.buildSplitChain(off, leafKey, newLeafOff, key, level+1, limit)
			if err != nil {
				return nil, err
			}
			if t.f.casSlot(nodeOffset, idx, slot, encodeSlot(tagChild, childOff)) {
				return payload, nil
			}
			goto retry

		case tagChild:
			nodeOffset = off

		default:
			return nil, caserr.Corruption("hashedtrie: impossible slot tag %d", tag)
		}
	}
	return nil, caserr.Corruption("hashedtrie: walk exceeded %d levels without resolving", limit)
}

// buildSplitChain builds, off-tree, the run of internal nodes needed to
// separate existingKey (already stored at existingLeafOff) from newKey
// (already stored at newLeafOff), starting at the given level. The result
// is published by a single CAS at the caller's slot, so the new subtree
// becomes visible to readers only fully formed.
func (t *Trie) buildSplitChain(existingLeafOff uint64, existingKey []byte, newLeafOff uint64, newKey []byte, level, limit int) (uint64, error) {
	if level >= limit {
		return 0, caserr.Corruption("hashedtrie: key collision persisted past %d levels", limit)
	}

	fanout := uint64(1) << t.opts.branchBits
	nodeOff, err := t.f.allocate(fanout * wordSize)
	if err != nil {
		return 0, err
	}

	idxExisting := bitsAt(existingKey, level, t.opts.branchBits)
	idxNew := bitsAt(newKey, level, t.opts.branchBits)

	if idxExisting != idxNew {
		t.f.writeSlotPlain(nodeOff, idxExisting, encodeSlot(tagLeaf, existingLeafOff))
		t.f.writeSlotPlain(nodeOff, idxNew, encodeSlot(tagLeaf, newLeafOff))
		return nodeOff, nil
	}

	childOff, err := t.buildSplitChain(existingLeafOff, existingKey, newLeafOff, newKey, level+1, limit)
	if err != nil {
		return 0, err
	}
	t.f.writeSlotPlain(nodeOff, idxExisting, encodeSlot(tagChild, childOff))
	return nodeOff, nil
}

func (t *Trie) writeNewLeaf(key, payload []byte) (uint64, error) {
	if len(payload) != t.payloadBytes {
		return 0, caserr.ConfigMismatch("hashedtrie: payload is %d bytes, table expects %d", len(payload), t.payloadBytes)
	}
	recSize := uint64(t.keyBytes + t.payloadBytes)
	off, err := t.f.allocate(recSize)
	if err != nil {
		return 0, err
	}
	rec := make([]byte, recSize)
	copy(rec, key)
	copy(rec[t.keyBytes:], payload)
	t.f.writeBytes(off, rec)
	return off, nil
}

func (t *Trie) readLeaf(off uint64) (key, payload []byte) {
	rec := t.f.readBytes(off, uint64(t.keyBytes+t.payloadBytes))
	return rec[:t.keyBytes], rec[t.keyBytes:]
}

func (t *Trie) keyBits() int { return t.keyBytes * 8 }

// String describes the table for logging.
func (t *Trie) String() string {
	return fmt.Sprintf("hashedtrie@%s[%s]", t.f.path, t.f.schemeName)
}
