package models

import "errors"

// Error kinds surfaced by the public operations of the core. Callers match
// with errors.Is; the concrete messages wrap these sentinels.
var (
	// ErrInvalidArgument marks a bad sensor id, malformed input, or a
	// missing required precondition value.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict marks a test-lifecycle precondition violation, e.g.
	// preparing a test while another one is running.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks a test id or artifact that is not present on disk.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported marks a history window outside the supported set.
	ErrUnsupported = errors.New("unsupported")
)
