package cas

import (
	"encoding/hex"
	"strings"

	"github.com/oneconcern/compilecache/pkg/caserr"
)

// SchemeBLAKE3 names the only hash scheme this module currently produces.
// It is carried explicitly in every CASID so a future scheme change is a
// data compatibility question, not a silent reinterpretation of bytes.
const SchemeBLAKE3 = "blake3"

// DigestSize is the width, in bytes, of a BLAKE3 digest as used here.
const DigestSize = 32

// Digest is a raw BLAKE3 digest.
type Digest [DigestSize]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// CASID is the portable form of an object's identity: a hash scheme name
// plus the digest itself. Unlike ObjectRef, a CASID carries no store
// affiliation and round-trips through text (ParseID/String).
type CASID struct {
	Scheme string
	Digest Digest
}

func (id CASID) String() string {
	return id.Scheme + ":" + id.Digest.String()
}

// IsZero reports whether id is the zero value (no scheme, no digest).
func (id CASID) IsZero() bool {
	return id == CASID{}
}

// ParseID parses the "scheme:hex-digest" form produced by CASID.String.
// Parsing is case-insensitive: the scheme is lower-cased and the hex digest
// may use either case.
func ParseID(text string) (CASID, error) {
	scheme, hexDigest, ok := strings.Cut(text, ":")
	if !ok {
		return CASID{}, caserr.Corruption("malformed CASID %q: missing scheme separator", text)
	}
	scheme = strings.ToLower(scheme)
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return CASID{}, caserr.Corruption("malformed CASID %q: %v", text, err)
	}
	if len(raw) != DigestSize {
		return CASID{}, caserr.Corruption("malformed CASID %q: digest is %d bytes, expected %d", text, len(raw), DigestSize)
	}
	var d Digest
	copy(d[:], raw)
	return CASID{Scheme: scheme, Digest: d}, nil
}

// PrintID is the functional form of CASID.String, mirroring the
// printID/parseID pair the object store contract names explicitly.
func PrintID(id CASID) string { return id.String() }
