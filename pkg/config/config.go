// Package config describes the CAS configuration the compile-job
// controller builds its store and action cache from, and the "freeze and
// hide" step spec §4.5a requires before downstream stages run: once
// frozen, HiddenPath no longer returns the CAS path. The exported Path
// field itself is not cleared or locked by freezing.
package config

import (
	"github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/oneconcern/compilecache/pkg/caserr"
)

// Backend selects which cas.Store / actioncache.Cache pairing Initialize
// constructs.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendDisk   Backend = "disk"
	BackendPlugin Backend = "plugin"
)

// CASConfig is the CLI/config-file-facing description of a CAS
// deployment, unmarshalled the same way the corpus's own CLIConfig is:
// field names matched 1:1 across json/yaml/mapstructure tags so viper's
// env and file binding both work without renaming.
type CASConfig struct {
	Backend Backend `json:"backend" yaml:"backend" mapstructure:"backend"`
	Path    string  `json:"path" yaml:"path" mapstructure:"path"`

	BranchBits  uint   `json:"branch_bits" yaml:"branch_bits" mapstructure:"branch_bits"`
	MinFileSize string `json:"min_file_size" yaml:"min_file_size" mapstructure:"min_file_size"`
	MaxFileSize string `json:"max_file_size" yaml:"max_file_size" mapstructure:"max_file_size"`

	frozen bool
}

// New unmarshals a CASConfig from viper's bound sources (config file,
// environment, flags), the same entry point the corpus's own newConfig
// uses for its CLIConfig.
func New() (*CASConfig, error) {
	var c CASConfig
	if err := viper.Unmarshal(&c); err != nil {
		return nil, caserr.IO("unmarshalling CAS config: %v", err)
	}
	if c.Backend == "" {
		c.Backend = BackendDisk
	}
	return &c, nil
}

// MinFileSizeBytes parses MinFileSize (e.g. "64MiB") via
// github.com/docker/go-units, defaulting to 0 (caller substitutes a
// package default) when unset.
func (c *CASConfig) MinFileSizeBytes() (uint64, error) {
	return parseSize(c.MinFileSize)
}

// MaxFileSizeBytes parses MaxFileSize the same way as MinFileSizeBytes.
func (c *CASConfig) MaxFileSizeBytes() (uint64, error) {
	return parseSize(c.MaxFileSize)
}

func parseSize(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := units.FromHumanSize(s)
	if err != nil {
		return 0, caserr.ConfigMismatch("invalid size %q: %v", s, err)
	}
	return uint64(n), nil
}

// Freeze marks the config frozen. After Freeze, HiddenPath returns the
// empty string, so a diagnostics path built through HiddenPath cannot
// leak the on-disk CAS root. Freeze does not make the exported fields
// read-only; Path can still be read or assigned directly.
func (c *CASConfig) Freeze() {
	c.frozen = true
}

// Frozen reports whether Freeze has been called.
func (c *CASConfig) Frozen() bool { return c.frozen }

// HiddenPath returns Path before freezing, and the empty string after —
// the concrete mechanism behind spec §4.5a's "freeze and hide the CAS
// configuration from downstream stages so paths cannot leak into
// diagnostics".
func (c *CASConfig) HiddenPath() string {
	if c.frozen {
		return ""
	}
	return c.Path
}
