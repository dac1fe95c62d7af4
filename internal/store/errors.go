package store

import "errors"

var (
	// ErrNotFound indicates the requested key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrEmptyKey indicates an empty key was supplied.
	ErrEmptyKey = errors.New("empty key")
)
