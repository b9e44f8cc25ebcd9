// Package errtypes contains custom error types
package errtypes

import (
	"errors"
	"fmt"
)

var (
	ErrCompilationFailed = errors.New("compilation failed")
	ErrGraphMismatch     = errors.New("graph mismatch")
	ErrDeviceMismatch    = errors.New("device mismatch")
	ErrValidation        = errors.New("invalid configuration")
)

// CompilationFailedError is returned when building or warming up a graph
// fails. The cache holds no unit for Key afterwards.
type CompilationFailedError struct {
	Key string
	Err error
}

func (e *CompilationFailedError) Error() string {
	return fmt.Sprintf("%s for %s: %v", ErrCompilationFailed, e.Key, e.Err)
}

func (e *CompilationFailedError) Is(target error) bool { return target == ErrCompilationFailed }
func (e *CompilationFailedError) Unwrap() error        { return e.Err }

type GraphMismatchError struct {
	Path string
	Want string
	Got  string
	Err  error
}

func (e *GraphMismatchError) Error() string {
	msg := fmt.Sprintf("%s: %q", ErrGraphMismatch, e.Path)
	if e.Want != "" || e.Got != "" {
		msg += fmt.Sprintf(" was built for %s, module is %s", e.Got, e.Want)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GraphMismatchError) Is(target error) bool { return target == ErrGraphMismatch }
func (e *GraphMismatchError) Unwrap() error        { return e.Err }

// DeviceMismatchError is returned when a module holding a compiled unit is
// moved to a device the unit was not built for.
type DeviceMismatchError struct {
	Current string
	Target  string
}

func (e *DeviceMismatchError) Error() string {
	return fmt.Sprintf("%s: compiled graph lives on %s, cannot move to %s; clear the graph before moving", ErrDeviceMismatch, e.Current, e.Target)
}

func (e *DeviceMismatchError) Is(target error) bool { return target == ErrDeviceMismatch }

type ValidationError struct {
	Field  string
	Value  any
	Min    int
	Max    int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s=%v out of range [%d, %d]", ErrValidation, e.Field, e.Value, e.Min, e.Max)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// CheckRange returns a ValidationError when v is outside [lo, hi].
func CheckRange(field string, v, lo, hi int) error {
	if v < lo || v > hi {
		return &ValidationError{Field: field, Value: v, Min: lo, Max: hi}
	}
	return nil
}
