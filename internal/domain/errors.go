package domain

import "errors"

// Sentinel errors shared across packages.
var (
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrUnknownRule        = errors.New("unknown rule")
	ErrInvalidThreshold   = errors.New("threshold must be between 0 and 1")
	ErrSignalTimeout      = errors.New("signal timed out")
	ErrNotFound           = errors.New("not found")

	// ErrInsufficientSamples is returned when a model is refitted before
	// enough samples have been collected.
	ErrInsufficientSamples = errors.New("insufficient samples")
)
