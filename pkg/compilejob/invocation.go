// Package compilejob implements the compile-job cache controller lifecycle
// of spec §4.5: canonicalizing an invocation into a cache key, looking it
// up, running the miss path, and replaying a hit.
package compilejob

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/oneconcern/compilecache/pkg/actioncache"
)

// DepScanMode selects the dependency-scan output shape, controlled by
// the environment variables documented in spec §6.
type DepScanMode string

const (
	// DepScanFull is the default: textual dependency output only.
	DepScanFull DepScanMode = "Full"
	// DepScanFullTree is selected by CLANG_CACHE_USE_CASFS_DEPSCAN.
	DepScanFullTree DepScanMode = "FullTree"
	// DepScanFullIncludeTree is selected by CLANG_CACHE_USE_INCLUDE_TREE.
	DepScanFullIncludeTree DepScanMode = "FullIncludeTree"
)

// Invocation is a canonicalized view of one compiler invocation: Args
// holds the semantic compiler flags and inputs (argument parsing itself
// is out of scope; callers are expected to have already separated
// location-only flags out into the named fields below). CacheCompileJob
// gates whether the controller participates at all.
type Invocation struct {
	Args []string

	CacheCompileJob bool

	// Location-only fields: these name where outputs go, not what to
	// compute, so DeriveKey strips them before hashing.
	OutputFile       string
	SerialDiagsFile  string
	DependenciesFile string

	DepScanMode DepScanMode
}

// canonicalInvocation is the cbor-encoded record DeriveKey hashes: only
// the fields that affect what gets computed, never where it is written.
type canonicalInvocation struct {
	_           struct{} `cbor:",toarray"`
	Args        []string
	DepScanMode string
}

var canonicalEncMode = mustCanonicalEncMode()

func mustCanonicalEncMode() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

// DeriveKey canonicalizes inv (stripping OutputFile, SerialDiagsFile, and
// DependenciesFile — everything that names a location rather than a
// semantic input) and hashes the result with BLAKE3, per spec §4.5b.
func DeriveKey(inv Invocation) (actioncache.ActionKey, error) {
	form := canonicalInvocation{
		Args:        inv.Args,
		DepScanMode: string(inv.DepScanMode),
	}
	encoded, err := canonicalEncMode.Marshal(form)
	if err != nil {
		return actioncache.ActionKey{}, err
	}
	return actioncache.ActionKey(blake3.Sum256(encoded)), nil
}
