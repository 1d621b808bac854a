// Package common defines shared sentinel errors used across the agent's
// components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Capture resource errors.
	ErrBusy          = errors.New("capture resource busy")
	ErrCaptureFailed = errors.New("capture failed")
	ErrNotHolder     = errors.New("not the resource holder")
	ErrNoBackend     = errors.New("no usable capture backend")

	// Upload queue errors.
	ErrQueueCorrupt = errors.New("upload queue file corrupt")
	ErrTaskUnknown  = errors.New("unknown upload task")

	// Data errors (malformed remote records).
	ErrBadWindow = errors.New("malformed reservation window")
)
