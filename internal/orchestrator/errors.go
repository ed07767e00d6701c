package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrInitTimeout is wrapped in an engine.InitError when automatic
	// initialization does not finish within the configured bound.
	ErrInitTimeout = errors.New("engine initialization timed out")
	ErrClosed      = errors.New("orchestrator closed")
	// ErrAborted is recorded in job history for jobs stopped by the caller.
	// Futures of such jobs resolve with an aborted Result instead.
	ErrAborted = errors.New("transcription aborted by user")
)

// TranscriptionError reports that a dispatched job failed.
type TranscriptionError struct {
	JobID string
	Err   error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcription %s failed: %v", e.JobID, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// InvalidInputError reports a request that cannot be processed as given.
type InvalidInputError struct {
	Reason string
	// Err is the underlying cause, if any.
	Err error
}

func (e *InvalidInputError) Error() string { return "invalid input: " + e.Reason }

func (e *InvalidInputError) Unwrap() error { return e.Err }
