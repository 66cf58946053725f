package importer

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class partitions errors by the policy applied to them: transient errors
// are retried with backoff, fatal errors halt the process, data-quality
// problems are dropped and counted at the record level.
type Class int

// Error classes, from most to least recoverable.
const (
	ClassTransient Class = iota
	ClassFatal
	ClassDataQuality
)

// String implements fmt.Stringer for log fields.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	case ClassDataQuality:
		return "data_quality"
	default:
		return "unknown"
	}
}

// ClassifiedError attaches a Class to an underlying error. Adapters classify
// at the boundary; the Pump is the sole retry-vs-halt decision point.
type ClassifiedError struct {
	Class Class
	Err   error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

// Transientf is Transient over a formatted error.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Fatal wraps err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassFatal, Err: err}
}

// Fatalf is Fatal over a formatted error.
func Fatalf(format string, args ...any) error {
	return Fatal(fmt.Errorf(format, args...))
}

// ClassOf returns the class of err. Unclassified errors default to
// transient so an adapter that forgets to classify degrades to retrying
// rather than killing the process. Context cancellation is never retried.
func ClassOf(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, ErrStaleCursor) {
		return ClassFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassFatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ClassTransient
}

// IsFatal reports whether err must halt the process.
func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == ClassFatal
}

// ErrStaleCursor is returned by cursor stores when a save carries a version
// the store cannot accept (neither the persisted version nor one past it).
// It indicates a second concurrent writer and is always fatal.
var ErrStaleCursor = errors.New("stale cursor version")
