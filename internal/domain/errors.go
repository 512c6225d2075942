package domain

import "errors"

var (
	ErrInvalidKey         = errors.New("invalid venue or symbol")
	ErrOutOfOrder         = errors.New("observation older than stored value")
	ErrInvalidObservation = errors.New("invalid observation")
	ErrEmptyUniverse      = errors.New("empty venue or symbol universe")
	ErrRateLimited        = errors.New("rate limited")
	ErrCircuitOpen        = errors.New("circuit open")
	ErrClosed             = errors.New("closed")
	ErrWSDisconnect       = errors.New("websocket disconnected")
	ErrSymbolInactive     = errors.New("symbol not in active rotation")

	// ErrWorkerLost describes a task whose worker died mid-flight. The task's
	// future is never resolved with it; callers observe the loss through their
	// own timeout.
	ErrWorkerLost = errors.New("worker lost")
)
