package cmd

import (
	"github.com/oneconcern/compilecache/pkg/cas"
	"github.com/oneconcern/compilecache/pkg/cas/diskstore"
	"github.com/oneconcern/compilecache/pkg/cas/memstore"
	"github.com/oneconcern/compilecache/pkg/caserr"
	"github.com/oneconcern/compilecache/pkg/config"
)

// openStore builds the bare cas.Store named by casCfg, for subcommands
// (put/get) that talk to the object store directly without an action
// cache. The compile-job run command instead goes through
// compilejob.Initialize, which builds the paired store and cache
// together.
func openStore(cfg *config.CASConfig) (cas.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memstore.New(), nil

	case config.BackendDisk, "":
		var opts []diskstore.Option
		if cfg.BranchBits != 0 {
			opts = append(opts, diskstore.BranchBits(cfg.BranchBits))
		}
		if min, err := cfg.MinFileSizeBytes(); err != nil {
			return nil, err
		} else if min != 0 {
			opts = append(opts, diskstore.MinFileSize(min))
		}
		if max, err := cfg.MaxFileSizeBytes(); err != nil {
			return nil, err
		} else if max != 0 {
			opts = append(opts, diskstore.MaxFileSize(max))
		}
		return diskstore.Open(cfg.Path, opts...)

	default:
		return nil, caserr.ConfigMismatch("cachectl: backend %q has no direct store", cfg.Backend)
	}
}
