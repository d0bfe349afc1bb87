// Package apperr holds the sentinel errors shared across packages. Wrap them
// with context and test with errors.Is.
package apperr

import "errors"

var (
	// ErrNotFound: the entity, record or file does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict: the remote copy changed since the local copy was fetched.
	ErrConflict = errors.New("conflict")
	// ErrAlreadyExists: a create collided with an existing item.
	ErrAlreadyExists = errors.New("already exists")
	// ErrUnknownType: the entity or record type is not registered.
	ErrUnknownType = errors.New("unknown entity type")
	// ErrInvalidValue: input cannot be coerced to the declared kind or shape.
	ErrInvalidValue = errors.New("invalid value")
)
