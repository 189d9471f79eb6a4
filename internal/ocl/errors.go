package ocl

import "errors"

// Sentinel errors surfaced by the device-discovery and compiler
// collaborators. internal/core wraps these into its own structured error
// taxonomy (see internal/core/errors.go) rather than exposing them raw.
var (
	ErrNoDevice = errors.New("no matching device")
	ErrCompile  = errors.New("kernel compile/link error")
)
