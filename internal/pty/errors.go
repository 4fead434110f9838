package pty

import "errors"

// Sentinel errors returned by the Manager. Causes are wrapped alongside them,
// so callers match with errors.Is.
var (
	ErrPtyAllocationFailed = errors.New("failed to allocate pty")
	ErrSidecarNotFound     = errors.New("sidecar not found")
	ErrSpawnFailed         = errors.New("failed to start sidecar")
	ErrPtyIoSetupFailed    = errors.New("failed to set up pty io")
	ErrSessionNotFound     = errors.New("session not found")
	ErrWriteFailed         = errors.New("write error")
	ErrResizeFailed        = errors.New("resize error")

	// ErrInternal reports a recovered panic. The failing session is cleaned
	// up; other sessions are unaffected.
	ErrInternal = errors.New("internal session failure")
)
