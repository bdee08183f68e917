package engine

import "errors"

var (
	ErrUnknownPanel   = errors.New("unknown panel")
	ErrInvalidCommand = errors.New("invalid command")
	ErrNotFound       = errors.New("not found")
	ErrNotStarted     = errors.New("engine not started")
	ErrSaveFailed     = errors.New("failed to save config")
)
