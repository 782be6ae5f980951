package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSubmissionRejected is returned while an earlier failure has not been acknowledged.
	ErrSubmissionRejected = errors.New("prior job failed")
	ErrDuplicateJobName   = errors.New("duplicate job name")
	ErrScriptExecution    = errors.New("script execution failed")
	ErrUnknownJob         = errors.New("unknown job")
	ErrJobDropped         = errors.New("job dropped")
	ErrAwaitTimeout       = errors.New("timed out waiting for job")
	ErrSessionClosed      = errors.New("session closed")
	ErrSessionBusy        = errors.New("session has queued or running jobs")
	ErrResetUnsupported   = errors.New("interpreter cannot be reset")
)

// JobError ties a failure to the job it belongs to.
type JobError struct {
	Name string
	Err  error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %q failed: %v", e.Name, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}
