package microhttp

import (
	"errors"
)

// Standard errors.
var (
	// ErrMalformedRequest is wrapped by every protocol violation detected by
	// the request parser. The offending connection is always closed.
	ErrMalformedRequest = errors.New("microhttp: malformed request")

	// ErrInvalidOptions is wrapped by every option validation failure.
	ErrInvalidOptions = errors.New("microhttp: invalid options")

	// ErrLoopAlreadyRunning is returned by EventLoop.Start if called twice.
	ErrLoopAlreadyRunning = errors.New("microhttp: event loop is already running")

	// ErrLoopTerminated is returned when starting a stopped EventLoop.
	ErrLoopTerminated = errors.New("microhttp: event loop has been terminated")

	// ErrLoopNotStarted is returned by EventLoop.Join if Start was never called.
	ErrLoopNotStarted = errors.New("microhttp: event loop was not started")

	// ErrNilHandler is returned by New if the handler is nil.
	ErrNilHandler = errors.New("microhttp: nil handler")

	errPollerClosed        = errors.New("microhttp: poller closed")
	errFDOutOfRange        = errors.New("microhttp: fd out of range")
	errFDAlreadyRegistered = errors.New("microhttp: fd already registered")
	errFDNotRegistered     = errors.New("microhttp: fd not registered")
)
