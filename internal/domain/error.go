package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid execution context")

	// Batch lifecycle
	ErrBatchExpired      = errors.New("batch has expired")
	ErrBatchFinalized    = errors.New("batch is already finalized")
	ErrInvalidTransition = errors.New("invalid item status transition")
	ErrLockNotAcquired   = errors.New("lock is held by another instance")

	// Provider selection
	ErrUnknownProvider = errors.New("unknown provider")
	ErrNoProfile       = errors.New("no provider profile for model")
)
