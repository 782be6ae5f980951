package domain

import "context"

// Intake defines the contract for a remote submission feed.
// It decouples the session from the underlying message broker (Redis, RabbitMQ, etc.).
type Intake interface {
	// Publish enqueues a job for a session to pick up.
	Publish(ctx context.Context, job Job) error

	// Subscribe returns a read-only channel that streams submitted jobs.
	// It handles the details of consumer groups internally.
	Subscribe(ctx context.Context) (<-chan Job, error)

	// Acknowledge confirms that a job has been handed to a session.
	// This removes it from the Pending Entry List (PEL).
	Acknowledge(ctx context.Context, rawID string) error
}

// MessageBus fans per-job messages out to live watchers.
type MessageBus interface {
	// Broadcast publishes a single job message.
	Broadcast(ctx context.Context, msg JobMessage) error

	// SubscribeMessages returns a channel that streams messages for every job.
	// The channel is closed when ctx is done.
	SubscribeMessages(ctx context.Context) (<-chan JobMessage, error)
}

// Recorder persists the outcome of each executed job.
type Recorder interface {
	Record(ctx context.Context, outcome Outcome) error
}
