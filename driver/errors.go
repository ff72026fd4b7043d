package driver

import (
	"errors"
	"fmt"
)

var (
	ErrDead           = errors.New("assistant process dead")
	ErrClosed         = errors.New("driver closed")
	ErrWorkdirMissing = errors.New("workdir does not exist")
	ErrNotExecutable  = errors.New("assistant binary not executable")
	ErrProtocol       = errors.New("protocol violation")
)

// SpawnError wraps a failure to start the assistant child process
type SpawnError struct {
	Path  string
	Cause error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn assistant %s: %v", e.Path, e.Cause)
}

func (e *SpawnError) Unwrap() error {
	return e.Cause
}

// DeadError reports that the child exited while a request was pending.
// Partial holds whatever assistant text accumulated before the exit,
// StderrTail the last stderr output for diagnostics.
type DeadError struct {
	Partial    string
	StderrTail string
	Cause      error
}

func (e *DeadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("assistant process died mid-request: %v", e.Cause)
	}
	return "assistant process died mid-request"
}

func (e *DeadError) Is(target error) bool {
	return target == ErrDead
}

func (e *DeadError) Unwrap() error {
	return e.Cause
}
