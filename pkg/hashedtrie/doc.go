// Package hashedtrie implements the shared on-disk substrate for the CAS
// object store and the on-disk action cache: a concurrent, persistent,
// fixed-fanout trie mapping fixed-width hash keys to fixed-size payloads.
//
// The trie branches on successive fixed-width slices of the key (branchBits
// bits per level, so a fanout of 2^branchBits). Internal nodes are arrays of
// 64-bit slots; a slot is one of empty, leaf (points at a key+payload
// record) or child (points at the next internal node). Leaves carry the
// full key so that a collision in the bits consumed so far is detected by
// comparison rather than assumed away.
//
// The backing file is memory-mapped and append-only. Multiple processes may
// map it read-write; slot publication is a single atomic compare-and-swap
// so readers never need a lock, while growing the file to allocate a new
// node or leaf is serialized across processes by an advisory file lock
// held only for the duration of the allocation.
package hashedtrie
