package model

import (
	"errors"
	"fmt"

	"github.com/samber/mo"
)

var (
	// ErrNotFound is returned for unknown job names and for ref ids that were
	// never submitted or have already been pruned.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when an observation would move a task
	// along a transition the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrCancelled ends a status stream whose transfer was cancelled.
	ErrCancelled = errors.New("download cancelled")
)

// Submission rejection reasons.
const (
	ReasonOutsideSandbox    = "destination is outside the download directory"
	ReasonDestinationExists = "destination already exists"
	ReasonInsufficientSpace = "insufficient free space"
)

// SubmissionError rejects a request before any task exists.
type SubmissionError struct {
	Destination string
	Reason      string
	Err         error
}

func (e *SubmissionError) Error() string {
	msg := "submission rejected"
	if e.Destination != "" {
		msg += ": " + e.Destination
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// EngineError reports that the transfer engine refused an operation.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// TransferFailure is the terminal error of a status stream whose transfer
// reached FAILED. It is never returned from a call.
type TransferFailure struct {
	RefID       int64
	Reason      string
	ResumeToken mo.Option[[]byte]
}

func (e *TransferFailure) Error() string {
	return fmt.Sprintf("download %d failed: %s", e.RefID, e.Reason)
}

// DuplicateSubscriptionError is returned when a second observer attaches to
// a stream that already has one.
type DuplicateSubscriptionError struct {
	Stream string
}

func (e *DuplicateSubscriptionError) Error() string {
	return fmt.Sprintf("%s already has a subscriber", e.Stream)
}

// JobAlreadyRunningError is returned when a job name is submitted while a
// job with that name is still active.
type JobAlreadyRunningError struct {
	JobName string
}

func (e *JobAlreadyRunningError) Error() string {
	return fmt.Sprintf("job %q is already running", e.JobName)
}

// JobFailedError ends a job status stream when one of its transfers fails.
type JobFailedError struct {
	JobName string
	Failure *TransferFailure
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %q: %v", e.JobName, e.Failure)
}

func (e *JobFailedError) Unwrap() error { return e.Failure }
