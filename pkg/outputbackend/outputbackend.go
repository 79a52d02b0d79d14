// Package outputbackend is the virtual filesystem sink a compile-job run
// writes its outputs through: a capturing backend accumulates writes as
// CAS objects without ever touching real disk, a disk backend writes
// live, and a mirroring combinator drives both at once so a cache-miss
// run streams its outputs to disk while still capturing them for the
// action cache.
package outputbackend

import (
	"bytes"
	"context"
	"io"

	"github.com/oneconcern/compilecache/pkg/cas"
)

// OutputFile is one file opened against a Backend. Keep finalizes the
// write; Discard drops it. Exactly one of the two is ever called.
type OutputFile interface {
	io.Writer
	Keep(ctx context.Context) error
	Discard()
}

// Backend is the createFile entry point every OutputFile implementation
// is reached through.
type Backend interface {
	CreateFile(path string) (OutputFile, error)
}

// Capturing is the CAS-backed sink described in spec §4.4: writes to
// each OutputFile are buffered in memory; Keep stores the path (mapped to
// its symbolic kind name when the caller supplied one) and the bytes as
// separate CAS objects and appends both refs to the accumulating list;
// Discard drops the buffer without touching the store.
type Capturing struct {
	store cas.Store
	refs  []cas.ObjectRef
}

// NewCapturing creates an empty capturing backend writing objects to store.
func NewCapturing(store cas.Store) *Capturing {
	return &Capturing{store: store}
}

// CreateFile opens a buffered file stored under path itself. Use
// CreateKindFile to store a symbolic kind name (e.g. "<output>",
// "<serial-diags>", "<dependencies>") in place of the concrete path.
func (c *Capturing) CreateFile(path string) (OutputFile, error) {
	return c.createFile(path, "")
}

// CreateKindFile is CreateFile but stores kindName as the object's name
// instead of path, for the symbolic output slots the controller always
// produces regardless of what the invocation requested.
func (c *Capturing) CreateKindFile(path, kindName string) (OutputFile, error) {
	return c.createFile(path, kindName)
}

func (c *Capturing) createFile(path, kindName string) (OutputFile, error) {
	name := path
	if kindName != "" {
		name = kindName
	}
	return &capturingFile{backend: c, name: name}, nil
}

// Refs returns the interleaved [name, bytes, ...] sequence accumulated so
// far, in Keep order.
func (c *Capturing) Refs() []cas.ObjectRef {
	return append([]cas.ObjectRef(nil), c.refs...)
}

// GetCASProxy finalizes the accumulated refs into an Object and returns
// it, per spec §4.4's getCASProxy.
func (c *Capturing) GetCASProxy(ctx context.Context) (*cas.ObjectHandle, error) {
	return c.store.CreateProxy(ctx, c.Refs(), nil)
}

type capturingFile struct {
	backend *Capturing
	name    string
	buf     bytes.Buffer
	done    bool
}

func (f *capturingFile) Write(p []byte) (int, error) {
	return f.buf.Write(p)
}

func (f *capturingFile) Keep(ctx context.Context) error {
	if f.done {
		return nil
	}
	f.done = true

	nameRef, err := f.backend.store.Store(ctx, nil, []byte(f.name))
	if err != nil {
		return err
	}
	bytesRef, err := f.backend.store.Store(ctx, nil, f.buf.Bytes())
	if err != nil {
		return err
	}
	f.backend.refs = append(f.backend.refs, nameRef, bytesRef)
	return nil
}

func (f *capturingFile) Discard() {
	f.done = true
	f.buf.Reset()
}
