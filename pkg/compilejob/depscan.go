package compilejob

import (
	"context"
	"os"

	"github.com/oneconcern/compilecache/pkg/cas"
)

// Environment variables controlling dependency-scan caching, observed by
// the scanning service per spec §6. Default mode is DepScanFull.
const (
	EnvUseIncludeTree  = "CLANG_CACHE_USE_INCLUDE_TREE"
	EnvUseCASFSDepscan = "CLANG_CACHE_USE_CASFS_DEPSCAN"
)

// DepScanModeFromEnv resolves the dependency-scan mode the running
// process should use, following the precedence implied by spec §6: an
// include-tree request wins over a plain CAS-filesystem depscan request,
// which wins over the Full default.
func DepScanModeFromEnv() DepScanMode {
	if os.Getenv(EnvUseIncludeTree) != "" {
		return DepScanFullIncludeTree
	}
	if os.Getenv(EnvUseCASFSDepscan) != "" {
		return DepScanFullTree
	}
	return DepScanFull
}

// DependencyCollector reads dependency-output-options from the compiler
// run (opaque to this package; out of scope per spec §1) and produces a
// single CAS object whose internal structure is equally opaque to the
// core.
type DependencyCollector interface {
	Collect(ctx context.Context, store cas.Store, mode DepScanMode, rawDependencyOutput []byte) (cas.ObjectRef, error)
}

// DependencyReplayer reinflates a dependency object produced by a
// DependencyCollector back to the textual form the user's
// dependency-file path expects.
type DependencyReplayer interface {
	Replay(ctx context.Context, store cas.Store, ref cas.ObjectRef) ([]byte, error)
}

// textDependencyCodec is the concrete collector/replayer pair this module
// ships: it stores the raw dependency-output bytes verbatim as a single
// CAS object, regardless of mode. A richer structured codec (e.g. one
// that decomposes an include-tree into individually deduplicated nodes)
// is a drop-in replacement behind the same two interfaces.
type textDependencyCodec struct{}

// NewTextDependencyCodec returns the bundled DependencyCollector and
// DependencyReplayer pair.
func NewTextDependencyCodec() (DependencyCollector, DependencyReplayer) {
	c := textDependencyCodec{}
	return c, c
}

func (textDependencyCodec) Collect(ctx context.Context, store cas.Store, _ DepScanMode, rawDependencyOutput []byte) (cas.ObjectRef, error) {
	return store.Store(ctx, nil, rawDependencyOutput)
}

func (textDependencyCodec) Replay(ctx context.Context, store cas.Store, ref cas.ObjectRef) ([]byte, error) {
	h, err := store.Load(ctx, ref)
	if err != nil {
		return nil, err
	}
	return h.Data, nil
}
