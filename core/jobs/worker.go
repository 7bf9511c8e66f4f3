package jobs

import (
	coreerrors "sourcebot/core/errors"
	"sourcebot/core/logger"
	"sourcebot/core/metrics"

	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Worker processes queued jobs.
type Worker interface {
	// Start launches the workers and returns immediately.
	Start(ctx context.Context, registry HandlerRegistry) error

	// Stop stops accepting jobs and waits for queued and in-flight jobs to finish,
	// or for ctx to expire.
	Stop(ctx context.Context) error
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	Workers   int // defaults to 4
	QueueSize int // defaults to 64
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Pool is a fixed set of goroutines draining a bounded queue. Enqueue never blocks:
// a full queue rejects the job with errors.ErrQueueFull.
type Pool struct {
	workers int
	queue   chan Job
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex // guards running/stopped and sends on queue
	running  bool
	stopped  bool
	registry HandlerRegistry
	wg       sync.WaitGroup
}

var (
	_ Worker   = (*Pool)(nil)
	_ Enqueuer = (*Pool)(nil)
)

// NewPool builds a pool; call Start before enqueuing.
func NewPool(opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Pool{
		workers: opts.Workers,
		queue:   make(chan Job, opts.QueueSize),
		logger:  logger.OrNop(opts.Logger).Named("jobs"),
		metrics: opts.Metrics,
	}
}

func (p *Pool) Start(ctx context.Context, registry HandlerRegistry) error {
	if registry == nil {
		return errors.New("start pool: nil handler registry")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}
	if p.stopped {
		return coreerrors.ErrClosed
	}
	p.running = true
	p.registry = registry

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
	p.logger.Info("Worker pool started", zap.Int("workers", p.workers), zap.Int("queue", cap(p.queue)))
	return nil
}

func (p *Pool) Enqueue(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return coreerrors.ErrClosed
	}
	select {
	case p.queue <- job:
		p.metrics.SetQueueDepth(len(p.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.logger.Warn("Worker queue full, rejecting job", zap.String("job", job.ID()), zap.String("type", job.Type()))
		return fmt.Errorf("enqueue %s: %w", job.Type(), coreerrors.ErrQueueFull)
	}
}

func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return errors.New("worker pool not running")
	}
	p.running = false
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

// Len reports queued jobs not yet picked up.
func (p *Pool) Len() int { return len(p.queue) }

func (p *Pool) loop(worker int) {
	defer p.wg.Done()
	for job := range p.queue {
		p.metrics.SetQueueDepth(len(p.queue))
		p.run(worker, job)
	}
}

// run executes one job, recovering panics so a broken handler cannot take a
// worker down.
func (p *Pool) run(worker int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Job panicked",
				zap.Int("worker", worker),
				zap.String("job", job.ID()),
				zap.String("type", job.Type()),
				zap.Any("panic", r))
		}
	}()

	handler := p.registry.GetHandler(job.Type())
	if handler == nil {
		p.logger.Warn("No handler for job type", zap.String("type", job.Type()), zap.String("job", job.ID()))
		return
	}
	if err := handler.Handle(job.Context(), job); err != nil {
		p.logger.Error("Job failed",
			zap.Int("worker", worker),
			zap.String("job", job.ID()),
			zap.String("type", job.Type()),
			zap.Error(err))
	}
}

func errNoHandler(job Job) error {
	return fmt.Errorf("no handler for job type %s: %w", job.Type(), coreerrors.ErrNotFound)
}
