package chatstore

import "errors"

var (
	// ErrNotFound is returned when an operation targets a persona or
	// conversation that does not exist.
	ErrNotFound = errors.New("chatstore: not found")

	// ErrAlreadyExists is returned when creating a persona whose ID is taken.
	ErrAlreadyExists = errors.New("chatstore: already exists")

	// ErrInvalid wraps validation failures on input records.
	ErrInvalid = errors.New("chatstore: invalid input")

	// ErrStorageUnavailable wraps I/O failures of the underlying engine. It is
	// fatal to the operation and never retried by the store.
	ErrStorageUnavailable = errors.New("chatstore: storage unavailable")
)
