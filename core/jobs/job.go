// Package jobs runs work off the caller's goroutine on a bounded pool of workers.
// The command dispatcher uses it so a slow handler never stalls event intake.
package jobs

import (
	"context"

	"github.com/google/uuid"
)

// Job represents a unit of work queued for a worker.
type Job interface {
	// ID returns a unique identifier, used in logs.
	ID() string

	// Type returns a string identifier for the job type.
	Type() string

	// Payload returns the job's data.
	Payload() interface{}

	// SetPayload sets the job's data.
	SetPayload(interface{})

	// Context returns the context the handler runs with.
	Context() context.Context

	// SetContext sets the context for the job.
	SetContext(context.Context)
}

// BaseJob provides a basic implementation of Job.
// It can be embedded in concrete job structs to reduce boilerplate.
type BaseJob struct {
	JobID   string          `json:"job_id"`
	JobType string          `json:"job_type"`
	Data    interface{}     `json:"data"`
	Ctx     context.Context `json:"-"` // Context is not serialized
}

// NewJob returns a BaseJob with a fresh random id.
func NewJob(ctx context.Context, jobType string, payload interface{}) *BaseJob {
	return &BaseJob{JobID: uuid.NewString(), JobType: jobType, Data: payload, Ctx: ctx}
}

// ID returns the job id.
func (b *BaseJob) ID() string {
	return b.JobID
}

// Type returns the job type.
func (b *BaseJob) Type() string {
	return b.JobType
}

// Payload returns the job's data.
func (b *BaseJob) Payload() interface{} {
	return b.Data
}

// SetPayload sets the job's data.
func (b *BaseJob) SetPayload(payload interface{}) {
	b.Data = payload
}

// Context returns the context associated with the job.
func (b *BaseJob) Context() context.Context {
	if b.Ctx == nil {
		return context.Background()
	}
	return b.Ctx
}

// SetContext sets the context for the job.
func (b *BaseJob) SetContext(ctx context.Context) {
	b.Ctx = ctx
}
