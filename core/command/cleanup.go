package command

import (
	coreerrors "sourcebot/core/errors"
	"sourcebot/core/logger"

	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Cleanup runs delayed deletions. Tasks can be cancelled until they fire; a task
// whose target is already gone completes quietly.
type Cleanup struct {
	mu      sync.Mutex
	tasks   map[string]*time.Timer
	stopped bool
	logger  *zap.Logger
}

// NewCleanup creates an idle scheduler.
func NewCleanup(l *zap.Logger) *Cleanup {
	return &Cleanup{tasks: make(map[string]*time.Timer), logger: logger.OrNop(l).Named("cleanup")}
}

// Schedule runs fn after delay and returns the task id. A non-positive delay or a
// stopped scheduler schedules nothing and returns "".
func (c *Cleanup) Schedule(delay time.Duration, fn func(ctx context.Context) error) string {
	if delay <= 0 || fn == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ""
	}
	id := uuid.NewString()
	c.tasks[id] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		_, live := c.tasks[id]
		delete(c.tasks, id)
		c.mu.Unlock()
		if !live {
			return
		}
		c.run(id, fn)
	})
	return id
}

func (c *Cleanup) run(id string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := fn(ctx)
	switch {
	case err == nil:
	case errors.Is(err, coreerrors.ErrNotFound):
		c.logger.Debug("Cleanup target already removed", zap.String("task", id))
	default:
		c.logger.Warn("Cleanup task failed", zap.String("task", id), zap.Error(err))
	}
}

// Cancel stops a pending task. It reports whether the task was still pending.
func (c *Cleanup) Cancel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return false
	}
	delete(c.tasks, id)
	t.Stop()
	return true
}

// Pending returns the number of tasks not yet run or cancelled.
func (c *Cleanup) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Stop cancels every pending task and rejects new ones.
func (c *Cleanup) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for id, t := range c.tasks {
		t.Stop()
		delete(c.tasks, id)
	}
}
