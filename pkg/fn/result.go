// Package fn holds the generic pieces docrag's pipelines are built from: a
// Result type, traced stages, a bounded parallel map and retry.
package fn

import "fmt"

// Result carries either a value or an error.
type Result[T any] struct {
	val T
	err error
}

// Ok wraps a value.
func Ok[T any](v T) Result[T] { return Result[T]{val: v} }

// Err wraps a failure. A nil err is treated as a zero-value success.
func Err[T any](err error) Result[T] { return Result[T]{err: err} }

// Errf is Err with fmt.Errorf formatting.
func Errf[T any](format string, args ...any) Result[T] {
	return Result[T]{err: fmt.Errorf(format, args...)}
}

// FromPair adapts a (value, error) return.
func FromPair[T any](v T, err error) Result[T] {
	if err != nil {
		return Err[T](err)
	}
	return Ok(v)
}

// IsErr reports whether r failed.
func (r Result[T]) IsErr() bool { return r.err != nil }

// Unwrap returns the value and error.
func (r Result[T]) Unwrap() (T, error) { return r.val, r.err }
