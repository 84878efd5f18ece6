// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package gsktable

import "fmt"

// ErrorKind classifies a TableError so callers can branch on failure class
// instead of parsing strings, per the error-kind taxonomy the engine commits
// to: config, io, corruption, invariant, and merge-abort failures each need
// different caller behavior.
type ErrorKind int

const (
	// KindConfig covers invalid option combinations and bad open flags.
	// Fatal to the call; the engine is never created.
	KindConfig ErrorKind = iota
	// KindIO covers open/pread/pwrite/mmap/ftruncate/rename/unlink failures.
	// Reported on the triggering operation; never silently retried.
	KindIO
	// KindCorrupt covers bad journal magic, block uncompress failure,
	// non-contiguous run ranges, non-monotonic first keys, bad varints.
	// Recovery aborts; the engine refuses to open.
	KindCorrupt
	// KindInvariant covers any violation of the run/task invariants.
	// Fatal, panic-equivalent.
	KindInvariant
	// KindAbort marks a merge task discarded because an input reader
	// failed; its output is deleted and inputs remain for retry.
	KindAbort
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindIO:
		return "io"
	case KindCorrupt:
		return "corrupt"
	case KindInvariant:
		return "invariant"
	case KindAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// TableError is the concrete error type returned across package boundaries
// for conditions the caller may need to branch on by Kind.
type TableError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *TableError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("gsktable: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("gsktable: %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *TableError) Unwrap() error { return e.Err }

// NewError wraps err as a TableError of the given kind and operation label.
func NewError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &TableError{Kind: kind, Op: op, Err: err}
}

// ConfigErrorf builds a KindConfig TableError.
func ConfigErrorf(format string, args ...interface{}) error {
	return &TableError{Kind: KindConfig, Err: fmt.Errorf(format, args...)}
}

// IOErrorf builds a KindIO TableError.
func IOErrorf(op string, err error) error {
	return NewError(KindIO, op, err)
}

// CorruptErrorf builds a KindCorrupt TableError.
func CorruptErrorf(format string, args ...interface{}) error {
	return &TableError{Kind: KindCorrupt, Err: fmt.Errorf(format, args...)}
}

// InvariantViolation builds a KindInvariant TableError. Callers treat this
// as unrecoverable for the current engine instance.
func InvariantViolation(format string, args ...interface{}) error {
	return &TableError{Kind: KindInvariant, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the ErrorKind of err, or KindIO if err is not a *TableError
// (the conservative default: treat unclassified failures as retriable I/O
// rather than silently swallowing them as something milder).
func KindOf(err error) ErrorKind {
	var te *TableError
	if e, ok := err.(*TableError); ok {
		te = e
	} else {
		return KindIO
	}
	return te.Kind
}
