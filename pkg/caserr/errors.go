// Package caserr defines the error taxonomy shared by the CAS, action
// cache, and compile-job cache packages.
//
// It builds on top of pkg/errors the same way that package builds on the
// standard errors package: a Kind discriminator is added so callers can
// branch on what went wrong (errors.Is against the exported sentinels)
// while still carrying a wrapped cause and, for Poisoned/Dangling, the
// conflicting values.
package caserr

import (
	stderr "errors"
	"fmt"

	cerrors "github.com/oneconcern/compilecache/pkg/errors"
)

// Kind discriminates the error taxonomy from spec §7.
type Kind int

const (
	// KindUnknown is the zero value; never constructed deliberately.
	KindUnknown Kind = iota

	// KindNotFound indicates a key or id absent from a store or cache.
	KindNotFound

	// KindPoisoned indicates an action-cache put conflicted with an
	// existing, different value.
	KindPoisoned

	// KindDangling indicates an action-cache value refers to an object
	// the paired store cannot resolve.
	KindDangling

	// KindIO indicates a filesystem, mmap, or permission failure.
	KindIO

	// KindCorruption indicates an on-disk structure is internally
	// inconsistent (bad header, impossible slot tag, bad digest length).
	KindCorruption

	// KindConfigMismatch indicates a CAS and action cache built from
	// incompatible configurations were used together.
	KindConfigMismatch

	// KindCancelled indicates a best-effort cancellation occurred;
	// the core API makes no promise this is observed mid-operation.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindPoisoned:
		return "poisoned"
	case KindDangling:
		return "dangling"
	case KindIO:
		return "io"
	case KindCorruption:
		return "corruption"
	case KindConfigMismatch:
		return "config-mismatch"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by this module's packages.
type Error struct {
	Kind  Kind
	inner *cerrors.Error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.inner.Error())
}

func (e *Error) Unwrap() error {
	return e.inner.Unwrap()
}

// Is supports errors.Is(err, caserr.NotFoundKind) style sentinel checks: two
// *Error values are equivalent for Is purposes whenever their Kind
// matches, regardless of message or wrapped cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if stderr.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, inner: cerrors.New(msg)}
}

// Wrap attaches a nested cause to the error, mirroring pkg/errors.Error.Wrap.
func (e *Error) Wrap(cause error) *Error {
	e.inner.Wrap(cause)
	return e
}

// NotFound builds a KindNotFound error from a message.
func NotFound(format string, args ...interface{}) *Error {
	return newError(KindNotFound, fmt.Sprintf(format, args...))
}

// IO builds a KindIO error from a message.
func IO(format string, args ...interface{}) *Error {
	return newError(KindIO, fmt.Sprintf(format, args...))
}

// Corruption builds a KindCorruption error from a message.
func Corruption(format string, args ...interface{}) *Error {
	return newError(KindCorruption, fmt.Sprintf(format, args...))
}

// ConfigMismatch builds a KindConfigMismatch error from a message.
func ConfigMismatch(format string, args ...interface{}) *Error {
	return newError(KindConfigMismatch, fmt.Sprintf(format, args...))
}

// Cancelled builds a KindCancelled error from a message.
func Cancelled(format string, args ...interface{}) *Error {
	return newError(KindCancelled, fmt.Sprintf(format, args...))
}

// Poisoned describes an action-cache key bound to two different values.
type Poisoned struct {
	err      *Error
	Key      string
	Existing string
	New      string
}

// NewPoisoned builds a Poisoned error naming both conflicting values, in
// the same spirit as the corpus's own "cache poisoned for key (new=...
// vs. existing ...)" message.
func NewPoisoned(key, existing, newValue string) *Poisoned {
	return &Poisoned{
		err: newError(KindPoisoned,
			fmt.Sprintf("cache poisoned for key %q (new=%s vs. existing=%s)", key, newValue, existing)),
		Key:      key,
		Existing: existing,
		New:      newValue,
	}
}

// Unwrap exposes the wrapped *Error so errors.As(err, &(*Error)(nil))
// finds it, and so callers using caserr.Is match on it.
func (p *Poisoned) Unwrap() error { return p.err }

// Error satisfies the error interface, forwarding to the wrapped *Error.
func (p *Poisoned) Error() string { return p.err.Error() }

// Dangling describes an action-cache value that names an object absent
// from the paired object store.
type Dangling struct {
	err   *Error
	Key   string
	Value string
}

// NewDangling builds a Dangling error.
func NewDangling(key, value string) *Dangling {
	return &Dangling{
		err: newError(KindDangling,
			fmt.Sprintf("action cache entry %q names object %s, unresolvable in the paired store", key, value)),
		Key:   key,
		Value: value,
	}
}

// Unwrap exposes the wrapped *Error, for the same reason as Poisoned.Unwrap.
func (d *Dangling) Unwrap() error { return d.err }

// Error satisfies the error interface, forwarding to the wrapped *Error.
func (d *Dangling) Error() string { return d.err.Error() }

// Sentinel Kind values usable with errors.Is(err, caserr.NotFoundKind)-style
// comparisons via the Error.Is method above.
var (
	NotFoundKind       = &Error{Kind: KindNotFound}
	PoisonedKind       = &Error{Kind: KindPoisoned}
	DanglingKind       = &Error{Kind: KindDangling}
	IOKind             = &Error{Kind: KindIO}
	CorruptionKind     = &Error{Kind: KindCorruption}
	ConfigMismatchKind = &Error{Kind: KindConfigMismatch}
	CancelledKind      = &Error{Kind: KindCancelled}
)

// Is reports whether err is a caserr.Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !stderr.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
