package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task or campaign does not exist for the caller.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a record changed since it was read.
	ErrConflict = errors.New("concurrent modification")
	// ErrInvalidTransition is returned for a campaign state change that is not a forward step.
	ErrInvalidTransition = errors.New("invalid campaign transition")
)

// ValidationError is a configuration problem surfaced at save time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// ExecutionError is a command or script that exited non-zero or timed out.
type ExecutionError struct {
	Command  string
	ExitCode int
	TimedOut bool
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("execution of %q timed out. Stderr: %s", e.Command, e.Stderr)
	}
	return fmt.Sprintf("execution of %q failed (exit %d): %v. Stderr: %s", e.Command, e.ExitCode, e.Err, e.Stderr)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// NetworkError is a transport failure of an outbound HTTP request.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPStatusError is a non-2xx response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("request to %s returned status %d", e.URL, e.StatusCode)
}

// MailError is a send or mailbox connection failure.
type MailError struct {
	Op  string
	Err error
}

func (e *MailError) Error() string { return fmt.Sprintf("mail %s: %v", e.Op, e.Err) }
func (e *MailError) Unwrap() error { return e.Err }

// ListenerFatalError means a trigger source stayed unreachable after retries.
type ListenerFatalError struct {
	TaskID  string
	Trigger TriggerType
	Err     error
}

func (e *ListenerFatalError) Error() string {
	return fmt.Sprintf("listener for task %s (%s) gave up: %v", e.TaskID, e.Trigger, e.Err)
}

func (e *ListenerFatalError) Unwrap() error { return e.Err }
