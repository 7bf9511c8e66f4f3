package jobs

import "context"

// Enqueuer accepts jobs for asynchronous processing.
type Enqueuer interface {
	// Enqueue adds a job to the queue. It must not block on job execution.
	Enqueue(ctx context.Context, job Job) error
}

// Inline runs each job synchronously inside Enqueue. It is meant for tests and
// for tools that have no reason to run a pool.
type Inline struct {
	Registry HandlerRegistry
}

func (i Inline) Enqueue(ctx context.Context, job Job) error {
	handler := i.Registry.GetHandler(job.Type())
	if handler == nil {
		return errNoHandler(job)
	}
	return handler.Handle(job.Context(), job)
}
