// Package pnio holds the data model and closed error set shared by every
// PROFINET IO controller subsystem (frame codec, DCP, RPC, AR manager,
// cyclic engine, registry).
package pnio

import "errors"

// Error is the closed set of error classes every operation in this module
// returns. Callers compare with errors.Is against the sentinel values
// below; internal wrapping always uses fmt.Errorf("...: %w", ...) so the
// original sentinel survives.
var (
	ErrInvalidParam     = errors.New("pnio: invalid parameter")
	ErrNoMemory         = errors.New("pnio: no memory")
	ErrIO               = errors.New("pnio: i/o error")
	ErrTimeout          = errors.New("pnio: timeout")
	ErrProtocol         = errors.New("pnio: protocol error")
	ErrNotFound         = errors.New("pnio: not found")
	ErrAlreadyExists    = errors.New("pnio: already exists")
	ErrNotInitialized   = errors.New("pnio: not initialized")
	ErrNotConnected     = errors.New("pnio: not connected")
	ErrFull             = errors.New("pnio: full")
	ErrConnectionFailed = errors.New("pnio: connection failed")

	// ErrTooShort is a ErrProtocol cause: a parse read past the end of buffer.
	ErrTooShort = errors.New("pnio: frame too short")
	// ErrNoCapacity is a ErrProtocol cause: a build write past the end of buffer.
	ErrNoCapacity = errors.New("pnio: no capacity")
)
