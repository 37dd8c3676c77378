package structs

import "errors"

// Sentinel error kinds, one per spec.md §7 error kind.
var (
	ErrDuplicateExecutor    = errors.New("duplicate executor")
	ErrUnknownExecutor      = errors.New("unknown executor")
	ErrFrameSizeExceeded    = errors.New("serialized task exceeds max frame size")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrSchedulerCommFailed  = errors.New("scheduler communication failed")
	ErrExecutorDisconnected = errors.New("executor disconnected")
	ErrRegistrationFailed   = errors.New("executor registration failed")
	ErrDriverDisconnected   = errors.New("driver disconnected")
	ErrUnknownMessageType   = errors.New("unknown message type")
	ErrTaskExecutorAbsent   = errors.New("task executor not installed")
)
