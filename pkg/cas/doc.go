// Package cas defines the content-addressed object model shared by every
// backend in this module: an immutable Object is a byte sequence (Data)
// plus an ordered list of references to other objects (Refs), identified
// by the BLAKE3 digest of a canonical encoding of the two. Two stores of
// identical (refs, data) always yield the same CASID, and a backend keeps
// only one copy.
//
// ObjectRef is the fast, store-scoped handle callers pass around day to
// day; CASID is its portable form, used wherever an identity needs to
// survive outside the store that produced it (persisted action-cache
// values, diagnostics, the CLI). Store.GetID and Store.GetReference
// convert between the two.
//
// This package defines the shared model only. Concrete backends live in
// sibling packages: memstore (in-memory, for tests and short-lived runs)
// and diskstore (memory-mapped, for a persistent on-disk cache directory).
package cas
