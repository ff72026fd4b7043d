package session

import (
	"errors"
	"fmt"
)

var (
	ErrNameInvalid     = errors.New("invalid session name")
	ErrNameReserved    = errors.New("reserved session name")
	ErrNameExists      = errors.New("session already exists")
	ErrNotFound        = errors.New("session not found")
	ErrIsDefault       = errors.New("cannot close the default session")
	ErrWorkdirInvalid  = errors.New("invalid working directory")
	ErrTooManySessions = errors.New("too many sessions")
	ErrTimeout         = errors.New("request timed out")
)

// HardFailError means the session's child died and could not be recovered
// by the respawn-and-retry path. The session stays dead until it is closed
// or explicitly reset.
type HardFailError struct {
	Session    string
	StderrTail string
	Cause      error
}

func (e *HardFailError) Error() string {
	return fmt.Sprintf("session %s failed permanently: %v", e.Session, e.Cause)
}

func (e *HardFailError) Unwrap() error {
	return e.Cause
}
