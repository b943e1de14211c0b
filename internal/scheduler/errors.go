package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateRealization matches every *DuplicateRealizationError.
	ErrDuplicateRealization = errors.New("realization already registered")

	// ErrAlreadyExecuting is returned when realizations are added to, or
	// Execute is called on, a scheduler that has already started.
	ErrAlreadyExecuting = errors.New("scheduler already executing")
)

// DuplicateRealizationError is returned by AddRealization when iens is
// already registered.
type DuplicateRealizationError struct {
	Iens int
}

func (e *DuplicateRealizationError) Error() string {
	return fmt.Sprintf("realization %d already registered", e.Iens)
}

func (e *DuplicateRealizationError) Is(target error) bool {
	return target == ErrDuplicateRealization
}

// JobExecutionFailure records a realization that failed every submit attempt.
type JobExecutionFailure struct {
	Iens       int
	Attempts   int
	ReturnCode int
	Message    string
}

func (e *JobExecutionFailure) Error() string {
	msg := fmt.Sprintf("realization %d failed after %d attempt(s) with return code %d", e.Iens, e.Attempts, e.ReturnCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}
