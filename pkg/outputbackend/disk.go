package outputbackend

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/oneconcern/compilecache/pkg/caserr"
	"github.com/oneconcern/compilecache/pkg/storage"
	"github.com/oneconcern/compilecache/pkg/storage/localfs"
)

// Disk is a Backend that writes straight to real files. It delegates the
// actual write to a storage.Store (localfs over the unrooted OS
// filesystem), which stages new content in a ".put-stage" directory under
// the process's working directory and renames it into place on Put, so a
// reader never observes a partially written output.
type Disk struct {
	root  string
	store storage.Store
}

// NewDisk creates a Backend rooted at root. root is created if absent.
func NewDisk(root string) (*Disk, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, caserr.IO("creating output root %q: %v", root, err)
	}
	store, err := localfs.New(afero.NewOsFs())
	if err != nil {
		return nil, caserr.IO("opening local filesystem backend rooted at %q: %v", root, err)
	}
	return &Disk{root: root, store: store}, nil
}

func (d *Disk) CreateFile(path string) (OutputFile, error) {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(d.root, path)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, caserr.IO("creating output directory for %q: %v", full, err)
	}
	return &diskFile{store: d.store, path: full}, nil
}

type diskFile struct {
	store storage.Store
	path  string
	buf   bytes.Buffer
	done  bool
}

func (f *diskFile) Write(p []byte) (int, error) {
	return f.buf.Write(p)
}

func (f *diskFile) Keep(ctx context.Context) error {
	if f.done {
		return nil
	}
	f.done = true
	if err := f.store.Put(ctx, f.path, &f.buf, storage.OverWrite); err != nil {
		return caserr.IO("writing output %q: %v", f.path, err)
	}
	return nil
}

func (f *diskFile) Discard() {
	f.done = true
	f.buf.Reset()
}
