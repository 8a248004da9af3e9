package types

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrProcessFailed     = errors.New("process failed")
	ErrProcessTimeout    = errors.New("process timed out")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrPersistence       = errors.New("persistence failure")
	ErrAlreadyRunning    = errors.New("already running")
	ErrCircuitOpen       = errors.New("circuit open")
)
