// Package relayerr defines the sentinel error taxonomy shared by every
// relay component. Callers compare with errors.Is; wrapping preserves the
// teacher's "<pkg>: <verb>: %w" convention at each layer boundary.
package relayerr

import "errors"

var (
	// Runtime / process errors (spec §7).
	ErrDead      = errors.New("process dead")
	ErrClosed    = errors.New("driver closed")
	ErrTimeout   = errors.New("deadline exceeded")
	ErrCancelled = errors.New("cancelled")
	ErrNotExecutable = errors.New("assistant binary not executable")
	ErrSpawnFailed   = errors.New("spawn failed")
	ErrProtocolViolation = errors.New("protocol violation")

	// Admission errors (spec §7).
	ErrOverCapacity  = errors.New("over capacity")
	ErrNameInvalid   = errors.New("invalid name")
	ErrNameReserved  = errors.New("reserved name")
	ErrNameExists    = errors.New("name already exists")
	ErrNotFound      = errors.New("not found")
	ErrIsDefault     = errors.New("is default session")
	ErrWorkdirInvalid = errors.New("invalid working directory")

	// Aggregate / job errors (spec §7).
	ErrHardFail = errors.New("hard failure")

	// Transport-boundary errors (spec §7).
	ErrNotAllowed = errors.New("not allowed")

	// Queue errors.
	ErrAlreadyRunning  = errors.New("already running")
	ErrAlreadyTerminal = errors.New("already terminal")
	ErrShutdown        = errors.New("queue shut down")
)
