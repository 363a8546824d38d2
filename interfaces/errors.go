package interfaces

import "errors"

var (
	// ErrTokenNotFound is returned when a token string is not bound to any contract.
	ErrTokenNotFound = errors.New("token not found")

	// ErrUnknownContract is returned when a contract hash has not been uploaded.
	ErrUnknownContract = errors.New("unknown contract hash")

	// ErrInsufficientBalance is a policy rejection: the token cannot pay for the
	// requested operation.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrSandboxStartFailure is returned when the sandbox runtime could not start
	// an instance for a contract.
	ErrSandboxStartFailure = errors.New("sandbox start failure")

	// ErrStreamError marks a fault on a single client stream.
	ErrStreamError = errors.New("stream error")

	ErrTokenExists        = errors.New("token already exists")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInstanceExited     = errors.New("instance exited")
	ErrListenerRegistered = errors.New("listener already registered for port")
	ErrPortReadyTimeout   = errors.New("timed out waiting for virtual port listener")
	ErrRunNotTracked      = errors.New("no metered run for token")
)
