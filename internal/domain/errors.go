package domain

import "errors"

// Store-level sentinel errors shared by every persistence adapter.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("conditional write conflict")
	ErrLimitReached  = errors.New("limit reached")
)
