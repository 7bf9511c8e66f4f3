// Package events implements the synchronous, priority-ordered event bus shared by the
// module runtime, the command dispatcher and gateway producers.
//
// Event types are dotted names forming a closed hierarchy: an event of type
// "gateway.message.received" is delivered to listeners of "gateway.message.received",
// "gateway.message", "gateway" and the catch-all "*".
package events

import (
	coreerrors "sourcebot/core/errors"
	"sourcebot/core/logger"
	"sourcebot/core/metrics"

	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// AnyEvent subscribes to every event fired on the bus.
const AnyEvent = "*"

// TypedEvent is implemented by every event payload.
type TypedEvent interface {
	EventType() string // Returns a dotted identifier for the event type.
}

// Listener receives an event on the goroutine that fired it. Returned errors and
// panics are logged by the bus and never reach the caller of Fire.
type Listener func(ctx context.Context, ev TypedEvent) error

// Handle identifies a subscription for Unsubscribe.
type Handle uint64

// ErrInvalidEventType is returned by Subscribe for a malformed type filter.
var ErrInvalidEventType = errors.New("invalid event type")

type Bus interface {
	// Subscribe registers l for eventType and every type nested below it.
	// Higher priority listeners run first; equal priorities run in registration order.
	Subscribe(eventType string, l Listener, priority int) (Handle, error)
	// Unsubscribe removes a subscription. It reports whether the handle was registered.
	Unsubscribe(h Handle) bool
	// Fire delivers ev synchronously to every matching listener.
	Fire(ctx context.Context, ev TypedEvent)
	// Close drops every subscription; later Fire calls are no-ops.
	Close()
}

type subscription struct {
	id        Handle
	eventType string
	priority  int
	listener  Listener
}

// snapshot is never mutated after it is published.
type snapshot struct {
	byType map[string][]*subscription
	byID   map[Handle]string
}

type bus struct {
	mu      sync.Mutex // serializes writers
	snap    atomic.Pointer[snapshot]
	nextID  uint64
	closed  atomic.Bool
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New returns a new event bus instance. logger and m may be nil.
func New(l *zap.Logger, m *metrics.Metrics) Bus {
	b := &bus{logger: logger.OrNop(l).Named("events"), metrics: m}
	b.snap.Store(&snapshot{byType: map[string][]*subscription{}, byID: map[Handle]string{}})
	return b
}

// ValidType reports whether t can be used as a subscription filter.
func ValidType(t string) bool {
	if t == AnyEvent {
		return true
	}
	if t == "" {
		return false
	}
	for _, seg := range strings.Split(t, ".") {
		if seg == "" || seg == AnyEvent {
			return false
		}
	}
	return true
}

func (b *bus) Subscribe(eventType string, l Listener, priority int) (Handle, error) {
	if !ValidType(eventType) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}
	if l == nil {
		return 0, fmt.Errorf("subscribe %s: nil listener", eventType)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return 0, coreerrors.ErrClosed
	}

	b.nextID++
	sub := &subscription{id: Handle(b.nextID), eventType: eventType, priority: priority, listener: l}

	old := b.snap.Load()
	next := old.clone()
	list := append(append([]*subscription(nil), old.byType[eventType]...), sub)
	sortSubscriptions(list)
	next.byType[eventType] = list
	next.byID[sub.id] = eventType
	b.snap.Store(next)
	return sub.id, nil
}

func (b *bus) Unsubscribe(h Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.snap.Load()
	eventType, ok := old.byID[h]
	if !ok {
		return false
	}
	next := old.clone()
	delete(next.byID, h)
	list := make([]*subscription, 0, len(old.byType[eventType]))
	for _, s := range old.byType[eventType] {
		if s.id != h {
			list = append(list, s)
		}
	}
	if len(list) == 0 {
		delete(next.byType, eventType)
	} else {
		next.byType[eventType] = list
	}
	b.snap.Store(next)
	return true
}

func (b *bus) Fire(ctx context.Context, ev TypedEvent) {
	if ev == nil || b.closed.Load() {
		return
	}
	eventType := ev.EventType()
	b.metrics.EventFired(eventType)

	snap := b.snap.Load()
	var targets []*subscription
	for _, t := range lineage(eventType) {
		targets = append(targets, snap.byType[t]...)
	}
	if len(targets) == 0 {
		return
	}
	sortSubscriptions(targets)

	for _, s := range targets {
		if failure := b.safeCall(ctx, s, ev); failure != nil {
			reason := "error"
			if failure.Panic {
				reason = "panic"
			}
			b.metrics.ListenerFailed(eventType, reason)
			b.logger.Error("Event listener failed",
				zap.String("event", eventType),
				zap.String("subscribed", s.eventType),
				zap.Uint64("listener", uint64(s.id)),
				zap.Bool("panic", failure.Panic),
				zap.Error(failure.Err))
		}
	}
}

func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Swap(true) {
		return
	}
	b.snap.Store(&snapshot{byType: map[string][]*subscription{}, byID: map[Handle]string{}})
}

// safeCall invokes a listener, converting errors and panics into a dispatch failure.
func (b *bus) safeCall(ctx context.Context, s *subscription, ev TypedEvent) (failure *coreerrors.EventDispatchFailure) {
	defer func() {
		if r := recover(); r != nil {
			failure = &coreerrors.EventDispatchFailure{
				EventType: ev.EventType(),
				Listener:  uint64(s.id),
				Panic:     true,
				Err:       fmt.Errorf("%v", r),
			}
		}
	}()
	if err := s.listener(ctx, ev); err != nil {
		return &coreerrors.EventDispatchFailure{EventType: ev.EventType(), Listener: uint64(s.id), Err: err}
	}
	return nil
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		byType: make(map[string][]*subscription, len(s.byType)+1),
		byID:   make(map[Handle]string, len(s.byID)+1),
	}
	for k, v := range s.byType {
		next.byType[k] = v
	}
	for k, v := range s.byID {
		next.byID[k] = v
	}
	return next
}

// sortSubscriptions orders by descending priority, then registration order.
func sortSubscriptions(list []*subscription) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority > list[j].priority
		}
		return list[i].id < list[j].id
	})
}

// lineage returns t followed by each of its ancestors and the catch-all type.
func lineage(t string) []string {
	out := []string{t}
	for i := len(t) - 1; i > 0; i-- {
		if t[i] == '.' {
			out = append(out, t[:i])
		}
	}
	if t != AnyEvent {
		out = append(out, AnyEvent)
	}
	return out
}

// On subscribes a typed callback. Events of the matching type whose payload is not a T
// are skipped.
func On[T TypedEvent](b Bus, eventType string, priority int, fn func(ctx context.Context, ev T) error) (Handle, error) {
	return b.Subscribe(eventType, func(ctx context.Context, ev TypedEvent) error {
		typed, ok := ev.(T)
		if !ok {
			return nil
		}
		return fn(ctx, typed)
	}, priority)
}
