// Package downloader implements the per-request download state machines of
// spec.md §4.D-§4.H: archive-slice, block (legacy and new variant),
// next-block, proof and key-block-walker, and persistent-state downloads.
// Every downloader is a straight-line sequence of selection, prepare,
// fetch, verify and deliver steps, per spec.md's Design Notes, ported from
// the C++ actor state machines in original_source/validator/net/.
package downloader

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind is the abstract error taxonomy of spec.md §7.
type ErrorKind int

const (
	KindTimeout ErrorKind = iota
	KindNotReady
	KindProtocol
	KindIntegrityMismatch
	KindProofInvalid
	KindCancelled
	KindResourceExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNotReady:
		return "not_ready"
	case KindProtocol:
		return "protocol"
	case KindIntegrityMismatch:
		return "integrity_mismatch"
	case KindProofInvalid:
		return "proof_invalid"
	case KindCancelled:
		return "cancelled"
	case KindResourceExhausted:
		return "resource_exhausted"
	default:
		return "unknown"
	}
}

// Error is the failure every downloader's sink is fulfilled with on
// abort, per spec.md §7.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("downloader: %s", e.Kind)
	}
	return fmt.Sprintf("downloader: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newErr wraps cause (which may be nil) into an *Error of the given kind.
func newErr(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrap(cause, msg)
	} else {
		wrapped = errors.New(msg)
	}
	return &Error{Kind: kind, Err: wrapped}
}

// AsError reports whether err is a *Error and returns it.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
