package domain

import (
	"context"
	"time"
)

// Interpreter defines the contract for the stateful script engine a session owns.
// Implementations are not safe for concurrent Execute calls; later scripts
// observe the effects of earlier ones.
type Interpreter interface {
	// Execute runs script and returns the value it produced.
	// emit delivers side-channel messages (e.g. prints) while the script runs.
	Execute(ctx context.Context, script string, emit func(string)) (any, error)
}

// Resetter is implemented by interpreters whose environment can be cleared.
type Resetter interface {
	Reset()
}

// JobState is the lifecycle state of a single job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateDropped   JobState = "dropped"
)

// Job represents a named unit of script execution.
type Job struct {
	Name   string `json:"name"`
	Script string `json:"script"`

	SubmittedAt time.Time `json:"submitted_at"`

	// RawID is the internal Stream ID from Redis (e.g. 1700000-0).
	// We need this to Acknowledge the message later.
	RawID string `json:"-"`
}

// Status is a point-in-time view of one job, as returned by Session.Status.
type Status struct {
	Name     string   `json:"name"`
	State    JobState `json:"state"`
	Finished bool     `json:"finished"`

	// Messages is the full delivered history, oldest first.
	Messages []string `json:"messages"`

	// New holds only the messages delivered by this call.
	New []string `json:"new"`
}

// JobMessage is a single side-channel message emitted while a job ran.
type JobMessage struct {
	JobName string    `json:"job_name"`
	Seq     int       `json:"seq"`
	Text    string    `json:"text"`
	Final   bool      `json:"final,omitempty"`
	State   JobState  `json:"state,omitempty"`
	At      time.Time `json:"at"`
}

// Outcome describes how a job finished. Exactly one of Value or Err is meaningful.
type Outcome struct {
	Name       string
	Script     string
	Value      any
	Err        error
	Dropped    []string
	StartedAt  time.Time
	FinishedAt time.Time
}
