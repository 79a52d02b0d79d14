package compilejob

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/oneconcern/compilecache/pkg/actioncache"
	"github.com/oneconcern/compilecache/pkg/actioncache/diskcache"
	"github.com/oneconcern/compilecache/pkg/actioncache/memcache"
	"github.com/oneconcern/compilecache/pkg/cas"
	"github.com/oneconcern/compilecache/pkg/cas/diskstore"
	"github.com/oneconcern/compilecache/pkg/cas/memstore"
	"github.com/oneconcern/compilecache/pkg/caserr"
	"github.com/oneconcern/compilecache/pkg/config"
	"github.com/oneconcern/compilecache/pkg/outputbackend"
	"github.com/oneconcern/compilecache/pkg/resulttree"
)

// Option configures a Controller at Initialize time.
type Option func(*controllerOptions)

type controllerOptions struct {
	logger *zap.Logger
}

func defaultOptions() controllerOptions {
	return controllerOptions{logger: zap.NewNop()}
}

// WithLogger overrides the controller's logger; the default is a no-op.
func WithLogger(l *zap.Logger) Option {
	return func(o *controllerOptions) { o.logger = l }
}

// Controller drives the lifecycle of spec §4.5: Initialize, DeriveKey,
// Lookup, the miss path, Finalize, and Replay.
type Controller struct {
	store cas.Store
	cache actioncache.Cache

	depCollector DependencyCollector
	depReplayer  DependencyReplayer

	replay outputbackend.Backend

	logger *zap.Logger
}

// Initialize extracts the CAS backend choice from cfg, constructs the
// paired store and action cache, freezes cfg so downstream stages (and
// any diagnostics they emit) can no longer read its path back out, and
// returns a ready Controller.
func Initialize(cfg *config.CASConfig, opts ...Option) (*Controller, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	store, cache, err := buildBackend(cfg)
	if err != nil {
		return nil, err
	}

	cfg.Freeze()

	replay, err := outputbackend.NewDisk(".")
	if err != nil {
		return nil, err
	}

	depCollector, depReplayer := NewTextDependencyCodec()
	return &Controller{
		store:        store,
		cache:        cache,
		depCollector: depCollector,
		depReplayer:  depReplayer,
		replay:       replay,
		logger:       o.logger,
	}, nil
}

func buildBackend(cfg *config.CASConfig) (cas.Store, actioncache.Cache, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		store := memstore.New()
		return store, memcache.New(store), nil

	case config.BackendDisk:
		minSize, err := cfg.MinFileSizeBytes()
		if err != nil {
			return nil, nil, err
		}
		maxSize, err := cfg.MaxFileSizeBytes()
		if err != nil {
			return nil, nil, err
		}

		var storeOpts []diskstore.Option
		var cacheOpts []diskcache.Option
		if cfg.BranchBits != 0 {
			storeOpts = append(storeOpts, diskstore.BranchBits(cfg.BranchBits))
			cacheOpts = append(cacheOpts, diskcache.BranchBits(cfg.BranchBits))
		}
		if minSize != 0 {
			storeOpts = append(storeOpts, diskstore.MinFileSize(minSize))
			cacheOpts = append(cacheOpts, diskcache.MinFileSize(minSize))
		}
		if maxSize != 0 {
			storeOpts = append(storeOpts, diskstore.MaxFileSize(maxSize))
			cacheOpts = append(cacheOpts, diskcache.MaxFileSize(maxSize))
		}

		store, err := diskstore.Open(cfg.Path, storeOpts...)
		if err != nil {
			return nil, nil, err
		}
		cache, err := diskcache.Open(cfg.Path, store, cacheOpts...)
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, cache, nil

	case config.BackendPlugin:
		return nil, nil, caserr.ConfigMismatch("plugin backend has no path-based construction; build the Controller with NewWithBackend instead")

	default:
		return nil, nil, caserr.ConfigMismatch("unknown CAS backend %q", cfg.Backend)
	}
}

// NewWithBackend builds a Controller directly from an already-constructed
// store and cache, bypassing config-driven backend selection — the entry
// point the plugin backend and tests use.
func NewWithBackend(store cas.Store, cache actioncache.Cache, opts ...Option) (*Controller, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	replay, err := outputbackend.NewDisk(".")
	if err != nil {
		return nil, err
	}
	depCollector, depReplayer := NewTextDependencyCodec()
	return &Controller{store: store, cache: cache, depCollector: depCollector, depReplayer: depReplayer, replay: replay, logger: o.logger}, nil
}

// Store returns the controller's object store, for callers assembling
// their own output backend over it.
func (c *Controller) Store() cas.Store { return c.store }

// DependencyCollector returns the controller's dependency-output codec.
func (c *Controller) DependencyCollector() DependencyCollector { return c.depCollector }

// Lookup checks the action cache for key. A cache-lookup error is
// consumed and treated as a miss, per spec §7's propagation rule for the
// controller; a storage error on the later Finalize path is not.
func (c *Controller) Lookup(ctx context.Context, key actioncache.ActionKey) (*resulttree.ResultTree, bool) {
	ref, found, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("action cache lookup failed, treating as miss", zap.String("key", key.String()), zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}

	rt, err := resulttree.Open(ctx, c.store, ref)
	if err != nil {
		c.logger.Warn("result tree open failed, treating as miss", zap.String("key", key.String()), zap.Error(err))
		return nil, false
	}
	return rt, true
}

// FinalizeMiss implements spec §4.5d for a successful compile: it always
// ensures a serialized-diagnostics output is present (even if the
// invocation never requested a SerialDiagsFile, so the key stays
// independent of that flag), folds the captured outputs plus stderr into
// a {outputs, stderr} tree, puts it into the action cache, and replays
// from the just-computed tree so the on-disk state matches a hit.
//
// Storage errors here are fatal: the caller just reported success, so
// silently dropping the result would mean a later "hit" replays nothing.
func (c *Controller) FinalizeMiss(ctx context.Context, key actioncache.ActionKey, inv Invocation, outputs []resulttree.Output, stderr []byte) (*resulttree.ResultTree, error) {
	outputs = ensureSerialDiags(outputs, stderr)

	outputs, err := c.collectDependencies(ctx, inv, outputs)
	if err != nil {
		return nil, err
	}

	ref, err := c.captureResult(ctx, inv, outputs, stderr)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Put(ctx, key, ref); err != nil {
		return nil, err
	}

	rt, err := resulttree.Open(ctx, c.store, ref)
	if err != nil {
		return nil, err
	}
	if err := c.Replay(ctx, rt, inv, true); err != nil {
		return nil, err
	}
	return rt, nil
}

// captureResult implements spec §4.4/§4.5d's "install the capturing
// OutputBackend, mirrored with an on-disk backend" step: every output is
// written through a Capturing backend so it becomes a CAS object as it is
// emitted, rather than being re-read off disk afterward; outputs that
// resolve to a concrete path this run are mirrored to a live Disk write at
// the same time. The <dependencies> slot is the one exception: its Bytes
// already hold the dependency-replay codec's indirection (a printed CAS
// id, not the real dependency text — see collectDependencies), so it is
// captured without a live mirror and is instead delivered correctly by the
// subsequent Replay call, which knows how to decode it.
func (c *Controller) captureResult(ctx context.Context, inv Invocation, outputs []resulttree.Output, stderr []byte) (cas.ObjectRef, error) {
	capturing := outputbackend.NewCapturing(c.store)
	mirror := outputbackend.NewMirroring(capturing, c.replay)

	for _, o := range outputs {
		var backend outputbackend.Backend = capturing
		path := ""
		if o.Name != resulttree.KindDependency {
			if p := resolveKind(o.Name, inv); p != "" {
				path, backend = p, mirror
			}
		}

		dst, err := createKindFile(backend, path, o.Name)
		if err != nil {
			return cas.ObjectRef{}, err
		}
		if _, err := dst.Write(o.Bytes); err != nil {
			dst.Discard()
			return cas.ObjectRef{}, caserr.IO("capturing output %q: %v", o.Name, err)
		}
		if err := dst.Keep(ctx); err != nil {
			return cas.ObjectRef{}, err
		}
	}

	outputsProxy, err := capturing.GetCASProxy(ctx)
	if err != nil {
		return cas.ObjectRef{}, err
	}
	stderrRef, err := c.store.Store(ctx, nil, stderr)
	if err != nil {
		return cas.ObjectRef{}, err
	}
	return c.store.Store(ctx, []cas.ObjectRef{outputsProxy.Ref, stderrRef}, nil)
}

func createKindFile(backend outputbackend.Backend, path, kindName string) (outputbackend.OutputFile, error) {
	if kc, ok := backend.(interface {
		CreateKindFile(path, kindName string) (outputbackend.OutputFile, error)
	}); ok {
		return kc.CreateKindFile(path, kindName)
	}
	return backend.CreateFile(path)
}

// collectDependencies runs the dependency-replay codec's Collect side over
// the raw <dependencies> output, if the caller supplied one: the raw bytes
// are stored as their own CAS object (deduplicated against any identical
// dependency output already known to the store) and the output's Bytes are
// replaced with that object's printed id, so Replay can reinflate through
// the matching Replay call instead of writing the raw bytes verbatim.
func (c *Controller) collectDependencies(ctx context.Context, inv Invocation, outputs []resulttree.Output) ([]resulttree.Output, error) {
	out := make([]resulttree.Output, len(outputs))
	copy(out, outputs)
	for i, o := range out {
		if o.Name != resulttree.KindDependency {
			continue
		}
		ref, err := c.depCollector.Collect(ctx, c.store, inv.DepScanMode, o.Bytes)
		if err != nil {
			return nil, err
		}
		id, err := c.store.GetID(ref)
		if err != nil {
			return nil, err
		}
		out[i].Bytes = []byte(c.store.PrintID(id))
	}
	return out, nil
}

func ensureSerialDiags(outputs []resulttree.Output, stderr []byte) []resulttree.Output {
	for _, o := range outputs {
		if o.Name == resulttree.KindSerialDiags {
			return outputs
		}
	}
	return append(append([]resulttree.Output(nil), outputs...), resulttree.Output{Name: resulttree.KindSerialDiags, Bytes: stderr})
}

// Replay implements spec §4.5e: it prints stderr (unless justComputed,
// meaning the caller already streamed it live during the miss path), then
// walks the outputs list, substituting the invocation-supplied concrete
// path for each symbolic kind name and writing literal-named outputs
// verbatim; an empty resolved path means "not requested this time" and is
// skipped. The <dependencies> entry is reinflated through the dependency-
// replay codec rather than written verbatim, since FinalizeMiss stores it
// as a printed CAS id, not the raw dependency bytes.
func (c *Controller) Replay(ctx context.Context, rt *resulttree.ResultTree, inv Invocation, justComputed bool) error {
	if !justComputed {
		stderr, err := rt.Stderr(ctx)
		if err != nil {
			return err
		}
		if _, err := os.Stderr.Write(stderr); err != nil {
			return caserr.IO("writing replayed stderr: %v", err)
		}
	}

	outputs, err := rt.Outputs(ctx)
	if err != nil {
		return err
	}

	for _, o := range outputs {
		path := resolveKind(o.Name, inv)
		if path == "" {
			continue
		}
		data := o.Bytes
		if o.Name == resulttree.KindDependency {
			data, err = c.replayDependency(ctx, o.Bytes)
			if err != nil {
				return err
			}
		}
		dst, err := c.replay.CreateFile(path)
		if err != nil {
			return err
		}
		if _, err := dst.Write(data); err != nil {
			dst.Discard()
			return caserr.IO("writing replayed output %q: %v", path, err)
		}
		if err := dst.Keep(ctx); err != nil {
			return err
		}
	}
	return nil
}

// replayDependency resolves the printed CAS id collectDependencies stored
// in place of the raw dependency bytes and reinflates it through the
// dependency-replay codec.
func (c *Controller) replayDependency(ctx context.Context, printedID []byte) ([]byte, error) {
	id, err := c.store.ParseID(string(printedID))
	if err != nil {
		return nil, err
	}
	ref, found, err := c.store.GetReference(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, caserr.NotFound("replaying dependencies: no object with id %q", string(printedID))
	}
	return c.depReplayer.Replay(ctx, c.store, ref)
}

func resolveKind(name string, inv Invocation) string {
	switch name {
	case resulttree.KindOutput:
		return inv.OutputFile
	case resulttree.KindSerialDiags:
		return inv.SerialDiagsFile
	case resulttree.KindDependency:
		return inv.DependenciesFile
	default:
		return name
	}
}

// Close releases the store and action cache.
func (c *Controller) Close() error {
	cacheErr := c.cache.Close()
	storeErr := c.store.Close()
	if cacheErr != nil {
		return cacheErr
	}
	return storeErr
}
