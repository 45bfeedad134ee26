// Package errors defines the typed return codes every BzTree operation
// produces, and the assertion helpers used when an invariant is violated.
//
// Ok, KeyExists, NotFound are the only codes a public Tree method ever
// returns to a caller. NodeFrozen, NotEnoughSpace, and PMwCASFailure are
// transient, driver-internal codes (core spec §7): a caller who sees one
// of those from a lower-level call is expected to retry or escalate to the
// SMO path, never to propagate it.
package errors

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/bzstore/bztree/internal/base"
)

// Code is the result of a leaf- or tree-level operation.
type Code int

const (
	// Ok indicates the operation committed successfully.
	Ok Code = iota
	// KeyExists indicates an Insert found an existing visible record for
	// the same key.
	KeyExists
	// NotFound indicates a Read, Update, or Delete found no visible
	// record for the requested key.
	NotFound
	// NodeFrozen indicates the node's StatusWord had its frozen bit set;
	// the caller must retraverse from the root.
	NodeFrozen
	// NotEnoughSpace indicates the node cannot satisfy an insert without
	// exceeding its split threshold; the caller must run the SMO.
	NotEnoughSpace
	// PMwCASFailure indicates the underlying multi-word compare-and-swap
	// lost a race; the caller retries the same logical operation.
	PMwCASFailure
)

func (c Code) String() string {
	switch c {
	case Ok:
		return "Ok"
	case KeyExists:
		return "KeyExists"
	case NotFound:
		return "NotFound"
	case NodeFrozen:
		return "NodeFrozen"
	case NotEnoughSpace:
		return "NotEnoughSpace"
	case PMwCASFailure:
		return "PMwCASFailure"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error implements the error interface so a Code can be returned and
// compared through the standard errors.Is/errors.As machinery.
func (c Code) Error() string {
	return c.String()
}

// Is reports whether target is the same code, and additionally treats
// NotFound as equivalent to base.ErrNotFound so callers using the stdlib
// sentinel keep working regardless of which layer produced the miss.
func (c Code) Is(target error) bool {
	if target == base.ErrNotFound {
		return c == NotFound
	}
	other, ok := target.(Code)
	return ok && other == c
}

// Transient reports whether code is one of the driver-internal codes that
// must never escape a public Tree method.
func (c Code) Transient() bool {
	switch c {
	case NodeFrozen, NotEnoughSpace, PMwCASFailure:
		return true
	default:
		return false
	}
}

// InvariantError wraps errors due to internal constraint violations, such
// as a checksum mismatch on a flushed region detected by the
// durable-memory facade.
type InvariantError struct {
	Err error
}

// Unwrap returns the wrapped descriptive error.
func (i InvariantError) Unwrap() error {
	return i.Err
}

func (i InvariantError) Error() string {
	return i.Err.Error()
}

// AssertInvariant panics with an assertion error built from format/args if
// ok is false. Used for the invariant violations core spec §7 calls
// unrecoverable bugs: sorted_count < 2 on an internal node, record_count ≤
// 2 at split entry, a zero-length separator, and similar.
func AssertInvariant(ok bool, format string, args ...interface{}) {
	if !ok {
		panic(InvariantError{Err: errors.AssertionFailedf(format, args...)})
	}
}

// Wrap annotates err with msg using cockroachdb/errors, returning nil if
// err is nil.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Newf constructs a new error through cockroachdb/errors, giving callers
// outside this package the same formatting and stack-capture behavior used
// internally.
func Newf(format string, args ...interface{}) error {
	return errors.Newf(format, args...)
}
