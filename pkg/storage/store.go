// Package storage provides the backend abstraction used to persist raw
// bytes under a string key. It is the same role the corpus's own
// storage.Store interface plays for blob backends (local filesystem,
// cloud object stores): a small, uniform surface that higher-level
// components (in this module, the compile-job output backend) can be
// built against without caring which concrete backend is in use.
package storage

import (
	"context"
	"io"
)

type errString string

func (e errString) Error() string { return string(e) }

// Sentinel errors returned by Store implementations.
const (
	ErrNotFound     errString = "not found"
	ErrExists       errString = "exists already"
	ErrNotSupported errString = "not supported"
)

// Store implementations know how to write entries to a key/value model.
// Typically this is something file-system-like: local disk, S3, GCS. All
// methods are safe for concurrent use.
type Store interface {
	String() string
	Has(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader, overwrite bool) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}

// OverWrite and NoOverWrite document the intent of Store.Put's overwrite
// argument at call sites, following the same convention the corpus uses
// for its own Put signature.
const (
	OverWrite   = true
	NoOverWrite = false
)
