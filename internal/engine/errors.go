// Package engine holds the shared error taxonomy used across archdrop's
// session, storage, send, and receive components.
package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error so the transport surface can decide how
// to render it and so logs carry a stable, non-sensitive category.
type Kind string

const (
	KindAuthFailure          Kind = "auth_failure"
	KindNotFound             Kind = "not_found"
	KindInvalidRequest       Kind = "invalid_request"
	KindPathTraversal        Kind = "path_traversal"
	KindAuthenticationFailure Kind = "authentication_failure"
	KindIncompleteUpload     Kind = "incomplete_upload"
	KindHashMismatch         Kind = "hash_mismatch"
	KindIO                   Kind = "io"
	KindInternal             Kind = "internal"
)

// Error wraps an underlying cause with the Kind the transport surface and
// logging need, plus the operation name that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op/kind wrapping err. err may be nil.
func New(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise it returns KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
