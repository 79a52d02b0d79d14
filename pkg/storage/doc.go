// Package storage provides the small backend abstraction used to persist
// raw bytes under a string key.
//
// This package ships one backend:
//   - local file system (localfs)
//
// The compile-job output backend (outputbackend.Disk) is built against
// the Store interface rather than against localfs directly, so an
// alternative backend can be substituted without touching its logic. The
// disk-backed CAS and action-cache implementations do not use this
// package; they store their data in hashedtrie tables and side files.
package storage
