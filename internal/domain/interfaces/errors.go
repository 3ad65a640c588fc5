package interfaces

import "errors"

var (
	// ErrDuplicateKey is returned by stores when a unique constraint rejects a write.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")
)
