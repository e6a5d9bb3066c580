package scrape

import (
	"context"
	"time"
)

// JobRunner submits scrape configurations to the external job engine and
// retrieves their result sets.
type JobRunner interface {
	HasCredential() bool
	SubmitJob(ctx context.Context, cfg JobConfig) (JobHandle, error)
	FetchResults(ctx context.Context, handle JobHandle) ([]RawRecord, error)
}

// Gateway persists reviews, businesses and attempt metadata in the remote store.
type Gateway interface {
	// Configured reports whether endpoint and credential are both present.
	Configured() bool
	// InsertReview returns the stored review identifier when the store exposes one.
	InsertReview(ctx context.Context, review Review) (string, error)
	ReviewExists(ctx context.Context, id string) (bool, error)
	PatchReview(ctx context.Context, id string, fields map[string]any) error
	UpsertMetadata(ctx context.Context, attemptID string, fields map[string]any) error
	CreateBusiness(ctx context.Context, fields map[string]any) error
	GetMetadata(ctx context.Context, attemptID string) ([]map[string]any, error)
}

// DeferredExecutor hands a run off to a context outside the caller's
// request. TrySchedule reports false when the hand-off could not happen.
type DeferredExecutor interface {
	TrySchedule(ctx context.Context, job HandOff) (bool, error)
}

// Abandoner settles accepted hand-offs that will never run.
type Abandoner interface {
	Abandon(ctx context.Context, job HandOff, reason string)
}

// Queue provides enqueue/dequeue semantics for deferred runs.
type Queue interface {
	Enqueue(ctx context.Context, job HandOff) error
	Dequeue(ctx context.Context) (HandOff, error)
}

// Runner executes a hand-off to completion.
type Runner interface {
	Run(ctx context.Context, job HandOff) (*Result, error)
}

// Archive stores raw job-engine output for later inspection.
type Archive interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes attempt completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces attempt IDs.
type IDGenerator interface {
	NewID() (string, error)
}
