// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a payload failed structural validation.
var ErrValidation = errors.New("validation failed")

// ErrUnavailable indicates a backing source could not be reached.
var ErrUnavailable = errors.New("source unavailable")
