package spr

import "errors"

// Sentinel errors returned by the engine. Callers match with errors.Is.
var (
	// ErrBadParam rejects a malformed request without changing state.
	ErrBadParam = errors.New("spr: bad parameter")
	// ErrNeedMore is returned for a truncated request; the caller may
	// retry with the full payload.
	ErrNeedMore = errors.New("spr: need more data")
	// ErrNoMemory aborts an operation whose buffers could not be
	// allocated. Existing state is left consistent.
	ErrNoMemory = errors.New("spr: no memory")
	// ErrUnsupported is returned for unknown opcodes.
	ErrUnsupported = errors.New("spr: unsupported")
	// ErrFailed reports a broken precondition such as a path delay that is
	// already set up.
	ErrFailed = errors.New("spr: failed")
)
