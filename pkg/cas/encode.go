package cas

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/oneconcern/compilecache/pkg/caserr"
)

// canonicalForm is the exact byte shape hashed to produce an object's
// digest: a 2-element CBOR array of (ref digests, data), encoded with
// fxamacker/cbor's canonical mode so that equal (refs, data) always
// produce byte-identical encodings regardless of Go map iteration or
// similar nondeterminism elsewhere in the program.
type canonicalForm struct {
	_    struct{} `cbor:",toarray"`
	Refs [][]byte
	Data []byte
}

var canonicalEncMode = mustCanonicalEncMode()

func mustCanonicalEncMode() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

// ComputeDigest computes the BLAKE3 digest of (refs, data) under the
// canonical encoding. refs are named by their CASIDs, not by any
// store-local index, so the digest is independent of which store produced
// them.
func ComputeDigest(refs []CASID, data []byte) (Digest, error) {
	refBytes := make([][]byte, len(refs))
	for i, r := range refs {
		if r.Scheme != SchemeBLAKE3 {
			return digestZero, caserr.ConfigMismatch("digest: ref %d uses scheme %q, expected %q", i, r.Scheme, SchemeBLAKE3)
		}
		b := make([]byte, DigestSize)
		copy(b, r.Digest[:])
		refBytes[i] = b
	}

	enc, err := canonicalEncMode.Marshal(canonicalForm{Refs: refBytes, Data: data})
	if err != nil {
		return digestZero, caserr.IO("canonicalizing object for hashing: %v", err)
	}

	return blake3.Sum256(enc), nil
}

var digestZero Digest
