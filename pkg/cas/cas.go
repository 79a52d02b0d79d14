package cas

import "context"

// ObjectRef is an opaque, compact handle naming an Object within one store
// instance: a store identity plus a 64-bit index into that store's
// backend-specific table. Obtaining an ObjectRef is proof the object is
// addressable in that store, though its content may not yet be loaded.
//
// Using an ObjectRef against a different store than the one that produced
// it is a programming error; every Store implementation in this module
// checks the embedded store identity and rejects a foreign ref rather than
// silently indexing into the wrong table.
type ObjectRef struct {
	storeID uint64
	index   uint64
}

// NewRef constructs an ObjectRef. It exists for backend implementations
// (memstore, diskstore) to mint refs scoped to themselves; callers outside
// this module's store packages have no use for it.
func NewRef(storeID, index uint64) ObjectRef {
	return ObjectRef{storeID: storeID, index: index}
}

// StoreID identifies which store instance minted this ref.
func (r ObjectRef) StoreID() uint64 { return r.storeID }

// Index is the store-local table position this ref names.
func (r ObjectRef) Index() uint64 { return r.index }

// IsZero reports whether r is the unset ObjectRef.
func (r ObjectRef) IsZero() bool { return r == ObjectRef{} }

// ObjectHandle is a loaded view of an Object: its externalized identity,
// its raw bytes, and its outgoing references. Produced by Store.Load or
// Store.CreateProxy.
type ObjectHandle struct {
	Ref  ObjectRef
	ID   CASID
	Data []byte
	Refs []ObjectRef
}

// NumRefs returns the number of outgoing references.
func (h *ObjectHandle) NumRefs() int { return len(h.Refs) }

// ReadRef returns the i'th outgoing reference.
func (h *ObjectHandle) ReadRef(i int) ObjectRef { return h.Refs[i] }

// ForEachRef calls fn for every outgoing reference in order, stopping and
// returning the first error fn produces.
func (h *ObjectHandle) ForEachRef(fn func(ObjectRef) error) error {
	for _, ref := range h.Refs {
		if err := fn(ref); err != nil {
			return err
		}
	}
	return nil
}

// Store is the content-addressed object store contract. Two backends
// implement it: memstore (heap-resident) and diskstore (memory-mapped,
// persistent). Both provide the same insert-or-return-existing semantics:
// storing identical (refs, data) twice yields the same ref and stores only
// one copy.
type Store interface {
	// Store canonically encodes (refs, data), computes its digest, inserts
	// it if absent, and returns a ref to it. Idempotent.
	Store(ctx context.Context, refs []ObjectRef, data []byte) (ObjectRef, error)

	// Load materializes the object named by ref. May perform I/O.
	Load(ctx context.Context, ref ObjectRef) (*ObjectHandle, error)

	// GetReference looks up id without loading the object's content. The
	// second return value is false if id is unknown to this store.
	GetReference(ctx context.Context, id CASID) (ObjectRef, bool, error)

	// GetID returns the portable identity of a ref already known to this
	// store.
	GetID(ref ObjectRef) (CASID, error)

	// ParseID and PrintID convert between a CASID and its text form,
	// delegating to the package-level functions of the same name.
	ParseID(text string) (CASID, error)
	PrintID(id CASID) string

	// CreateProxy is Store followed by Load of the result.
	CreateProxy(ctx context.Context, refs []ObjectRef, data []byte) (*ObjectHandle, error)

	// Validate performs an optional integrity check of the object named by
	// id, for backends where that is meaningful (e.g. re-deriving its
	// digest from on-disk bytes).
	Validate(ctx context.Context, id CASID) error

	// Close releases any resources (file descriptors, memory mappings)
	// held by the store.
	Close() error
}
