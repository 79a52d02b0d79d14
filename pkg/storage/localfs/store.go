// Package localfs is a storage.Store backed by the local filesystem. Put
// stages the new content under a ".put-stage" directory at the root of the
// store's filesystem and renames it into
// place, so concurrent readers never observe a partially written key:
// afero.Fs.Rename is atomic for the filesystems this module targets.
package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/oneconcern/compilecache/pkg/storage"
)

const nestedPutStageName = ".put-stage"

// New creates a local filesystem backed Store. A nil fs defaults to the
// real OS filesystem rooted at ".cachectl/objects".
func New(fs afero.Fs) (storage.Store, error) {
	if fs == nil {
		fs = afero.NewBasePathFs(afero.NewOsFs(), filepath.Join(".cachectl", "objects"))
	}
	if err := fs.MkdirAll(nestedPutStageName, 0o700); err != nil {
		return nil, fmt.Errorf("ensuring put staging directory for %q: %w", nestedPutStageName, err)
	}
	return &localFS{fs: fs}, nil
}

type localFS struct {
	fs afero.Fs
}

func (l *localFS) String() string {
	const name = "localfs"
	switch fs := l.fs.(type) {
	case *afero.BasePathFs:
		pp, err := fs.RealPath("")
		if err != nil {
			return name
		}
		return name + "@" + pp
	default:
		return name
	}
}

func (l *localFS) Has(_ context.Context, key string) (bool, error) {
	fi, err := l.fs.Stat(key)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !fi.IsDir(), nil
}

func (l *localFS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := maybeInvalidKey(key); err != nil {
		return nil, err
	}
	has, err := l.Has(ctx, key)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, storage.ErrNotFound
	}
	return l.fs.Open(key)
}

func (l *localFS) Put(_ context.Context, key string, source io.Reader, overwrite bool) error {
	if err := maybeInvalidKey(key); err != nil {
		return err
	}
	if !overwrite {
		if fi, err := l.fs.Stat(key); err == nil && fi != nil {
			return storage.ErrExists
		}
	}

	stageKey := filepath.Join(nestedPutStageName, key+"."+uuid.NewString())
	if dir := filepath.Dir(stageKey); dir != "" {
		if err := l.fs.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("ensuring stage directory for %q: %w", key, err)
		}
	}

	target, err := l.fs.OpenFile(stageKey, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create stage file for %q: %w", key, err)
	}
	if _, err := io.Copy(target, source); err != nil {
		target.Close()
		_ = l.fs.Remove(stageKey)
		return fmt.Errorf("write stage file for %q: %w", key, err)
	}
	if err := target.Close(); err != nil {
		_ = l.fs.Remove(stageKey)
		return err
	}

	if dir := filepath.Dir(key); dir != "" {
		if err := l.fs.MkdirAll(dir, 0o700); err != nil {
			_ = l.fs.Remove(stageKey)
			return fmt.Errorf("ensuring directories for %q: %w", key, err)
		}
	}
	if err := l.fs.Rename(stageKey, key); err != nil {
		_ = l.fs.Remove(stageKey)
		return fmt.Errorf("placing %q: %w", key, err)
	}
	return nil
}

func (l *localFS) Delete(_ context.Context, key string) error {
	if err := maybeInvalidKey(key); err != nil {
		return err
	}
	if err := l.fs.Remove(key); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %q: %w", key, err)
	}
	return nil
}

func (l *localFS) Keys(_ context.Context) ([]string, error) {
	const root = "."
	var res []string
	err := afero.Walk(l.fs, root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == root || path == nestedPutStageName || strings.HasPrefix(path, nestedPutStageName+string(os.PathSeparator)) {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		res = append(res, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (l *localFS) Clear(_ context.Context) error {
	keys, err := l.Keys(context.Background())
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := l.fs.Remove(k); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clearing %q: %w", k, err)
		}
	}
	return nil
}

func maybeInvalidKey(key string) error {
	const pathSepString = string(os.PathSeparator)
	clean := strings.TrimLeft(filepath.FromSlash(key), pathSepString)
	pathComponents := strings.Split(clean, pathSepString)
	if len(pathComponents) == 0 {
		return nil
	}
	if pathComponents[0] == nestedPutStageName {
		return fmt.Errorf("key %q conflicts with put staging area name %q", key, nestedPutStageName)
	}
	return nil
}
