// Package errors provides the failure taxonomy shared by every stage of the
// event pipeline.
//
// Each failure is classified into one of three categories:
//   - Fatal: retrying cannot help (malformed or constraint-violating data)
//   - Retryable: the dependency may recover (timeouts, connectivity, open breaker)
//   - Indeterminate: a write may or may not have landed
//
// Storage adapters classify their own driver errors at the boundary, so code
// above them only ever inspects the category.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how a failure should be handled.
type Category int

const (
	// CategoryRetryable indicates the operation may succeed later.
	// Examples: timeouts, refused connections, open circuit breaker.
	CategoryRetryable Category = iota

	// CategoryFatal indicates retrying will not help.
	// Examples: constraint violations, malformed payloads.
	CategoryFatal

	// CategoryIndeterminate indicates the outcome of a write is unknown.
	// Resolved by probing the datastore.
	CategoryIndeterminate
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryRetryable:
		return "retryable"
	case CategoryFatal:
		return "fatal"
	case CategoryIndeterminate:
		return "indeterminate"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Attempts is the number of attempts that have been made.
	Attempts int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Attempts)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Attempts)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Retryable creates a retryable error.
func Retryable(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryRetryable, context)
}

// Fatal creates a fatal error.
func Fatal(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryFatal, context)
}

// Indeterminate creates an indeterminate error.
func Indeterminate(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryIndeterminate, context)
}

// Categorize determines how an error should be handled.
//
// Errors that carry no category are treated as retryable. The retry budget
// bounds how long such an error is retried before the event is dead-lettered,
// so an unclassified failure never drops data.
func Categorize(err error) Category {
	if err == nil {
		return CategoryFatal // shouldn't happen, fail safe
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryRetryable
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CategoryFatal
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryRetryable
	}

	return CategoryRetryable
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryRetryable
}

// IsFatal reports whether the error can never succeed on retry.
func IsFatal(err error) bool {
	return Categorize(err) == CategoryFatal
}

// IsIndeterminate reports whether the outcome of the failed write is unknown.
func IsIndeterminate(err error) bool {
	return Categorize(err) == CategoryIndeterminate
}
