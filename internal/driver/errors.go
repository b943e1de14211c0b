package driver

import (
	"fmt"
)

// SubmitError means the backend rejected a job at submission time.
type SubmitError struct {
	Iens    int
	Backend string
	Err     error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("%s: submit realization %d: %v", e.Backend, e.Iens, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// PollError is a single failed status poll. It is retried with backoff.
type PollError struct {
	Backend string
	Attempt int
	Err     error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("%s: poll attempt %d failed: %v", e.Backend, e.Attempt, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// FatalError means the backend is unusable and the run must be aborted.
type FatalError struct {
	Backend string
	Err     error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s driver failed: %v", e.Backend, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
