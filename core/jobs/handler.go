package jobs

import (
	"context"
	"fmt"
	"sync"
)

// Handler processes one type of job.
type Handler interface {
	// Handle processes the given job.
	// The context carries the job's deadline and cancellation.
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// HandlerRegistry maps job types to handlers.
type HandlerRegistry interface {
	// RegisterHandler registers a handler for a specific job type.
	// If a handler for the given job type already exists, it returns an error.
	RegisterHandler(jobType string, handler Handler) error

	// GetHandler retrieves the handler for a given job type.
	// Returns nil if no handler is registered for the type.
	GetHandler(jobType string) Handler
}

// Handlers is the default HandlerRegistry.
type Handlers struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlers returns an empty registry.
func NewHandlers() *Handlers {
	return &Handlers{handlers: make(map[string]Handler)}
}

func (h *Handlers) RegisterHandler(jobType string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("register %s: nil handler", jobType)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.handlers[jobType]; exists {
		return fmt.Errorf("handler already registered for job type %s", jobType)
	}
	h.handlers[jobType] = handler
	return nil
}

func (h *Handlers) GetHandler(jobType string) Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handlers[jobType]
}
