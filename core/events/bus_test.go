package events

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"sourcebot/core/metrics"
)

// TestEvent implements the TypedEvent interface for testing purposes.
type TestEvent struct {
	Type    string
	Payload string
}

func (e TestEvent) EventType() string {
	return e.Type
}

func TestBus_PriorityOrderAndFailureIsolation(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	m := metrics.New(prometheus.NewRegistry())
	b := New(zap.New(core), m)

	var order []int
	record := func(p int, fail func()) Listener {
		return func(ctx context.Context, ev TypedEvent) error {
			order = append(order, p)
			if fail != nil {
				fail()
			}
			return nil
		}
	}
	if _, err := b.Subscribe("test.fired", record(1, nil), 1); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe("test.fired", record(5, func() { panic("boom") }), 5); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe("test.fired", record(10, nil), 10); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Fire(context.Background(), TestEvent{Type: "test.fired"})

	if want := []int{10, 5, 1}; !reflect.DeepEqual(order, want) {
		t.Fatalf("delivery order = %v, want %v", order, want)
	}
	if logs.Len() != 1 {
		t.Fatalf("expected one logged failure, got %d", logs.Len())
	}
	if got := testutil.ToFloat64(m.ListenerFailures.WithLabelValues("test.fired", "panic")); got != 1 {
		t.Fatalf("listener panic counter = %v, want 1", got)
	}
}

func TestBus_ListenerErrorDoesNotStopDelivery(t *testing.T) {
	b := New(nil, nil)
	calls := 0
	b.Subscribe("test", func(ctx context.Context, ev TypedEvent) error {
		calls++
		return errors.New("listener failed")
	}, 2)
	b.Subscribe("test", func(ctx context.Context, ev TypedEvent) error {
		calls++
		return nil
	}, 1)

	b.Fire(context.Background(), TestEvent{Type: "test"})
	if calls != 2 {
		t.Fatalf("expected both listeners to run, got %d calls", calls)
	}
}

func TestBus_TiesKeepRegistrationOrder(t *testing.T) {
	b := New(nil, nil)
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		b.Subscribe("tie", func(ctx context.Context, ev TypedEvent) error {
			order = append(order, name)
			return nil
		}, 0)
	}
	b.Fire(context.Background(), TestEvent{Type: "tie"})
	if want := []string{"first", "second", "third"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestBus_DeliversToAncestorTypes(t *testing.T) {
	b := New(nil, nil)
	var got []string
	listen := func(tag string) Listener {
		return func(ctx context.Context, ev TypedEvent) error {
			got = append(got, tag)
			return nil
		}
	}
	b.Subscribe("gateway.message.received", listen("exact"), 3)
	b.Subscribe("gateway.message", listen("parent"), 2)
	b.Subscribe("gateway", listen("root"), 1)
	b.Subscribe(AnyEvent, listen("any"), 0)
	b.Subscribe("gateway.message.deleted", listen("sibling"), 5)
	b.Subscribe("gate", listen("prefix-only"), 5)

	b.Fire(context.Background(), TestEvent{Type: "gateway.message.received"})

	if want := []string{"exact", "parent", "root", "any"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("delivered to %v, want %v", got, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(nil, nil)
	calls := 0
	h, err := b.Subscribe("topic", func(ctx context.Context, ev TypedEvent) error {
		calls++
		return nil
	}, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !b.Unsubscribe(h) {
		t.Fatal("expected unsubscribe to report a registered handle")
	}
	if b.Unsubscribe(h) {
		t.Fatal("second unsubscribe should report false")
	}
	b.Fire(context.Background(), TestEvent{Type: "topic"})
	if calls != 0 {
		t.Fatalf("unsubscribed listener was called %d times", calls)
	}
}

func TestBus_NoBuffering(t *testing.T) {
	b := New(nil, nil)
	b.Fire(context.Background(), TestEvent{Type: "early"})
	calls := 0
	b.Subscribe("early", func(ctx context.Context, ev TypedEvent) error {
		calls++
		return nil
	}, 0)
	if calls != 0 {
		t.Fatal("late subscriber must not see earlier events")
	}
}

func TestBus_SubscribeRejectsInvalidTypes(t *testing.T) {
	b := New(nil, nil)
	noop := func(ctx context.Context, ev TypedEvent) error { return nil }
	for _, typ := range []string{"", ".a", "a..b", "a.*", "a."} {
		t.Run(typ, func(t *testing.T) {
			if _, err := b.Subscribe(typ, noop, 0); !errors.Is(err, ErrInvalidEventType) {
				t.Fatalf("Subscribe(%q) error = %v, want ErrInvalidEventType", typ, err)
			}
		})
	}
}

func TestBus_CloseStopsDelivery(t *testing.T) {
	b := New(nil, nil)
	calls := 0
	b.Subscribe("topic", func(ctx context.Context, ev TypedEvent) error {
		calls++
		return nil
	}, 0)
	b.Close()
	b.Fire(context.Background(), TestEvent{Type: "topic"})
	if calls != 0 {
		t.Fatal("closed bus delivered an event")
	}
	if _, err := b.Subscribe("topic", func(ctx context.Context, ev TypedEvent) error { return nil }, 0); err == nil {
		t.Fatal("expected subscribe on closed bus to fail")
	}
}

type otherEvent struct{}

func (otherEvent) EventType() string { return "test.typed" }

func TestOn_SkipsForeignPayloads(t *testing.T) {
	b := New(nil, nil)
	var payloads []string
	_, err := On(b, "test.typed", 0, func(ctx context.Context, ev TestEvent) error {
		payloads = append(payloads, ev.Payload)
		return nil
	})
	if err != nil {
		t.Fatalf("On: %v", err)
	}
	b.Fire(context.Background(), TestEvent{Type: "test.typed", Payload: "hello"})
	b.Fire(context.Background(), otherEvent{})
	if !reflect.DeepEqual(payloads, []string{"hello"}) {
		t.Fatalf("payloads = %v", payloads)
	}
}

func TestBus_ConcurrentSubscribeAndFire(t *testing.T) {
	b := New(nil, nil)
	var mu sync.Mutex
	seen := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h, _ := b.Subscribe("load", func(ctx context.Context, ev TypedEvent) error {
				mu.Lock()
				seen++
				mu.Unlock()
				return nil
			}, 0)
			b.Unsubscribe(h)
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Fire(context.Background(), TestEvent{Type: "load"})
			}
		}()
	}
	wg.Wait()
	// Listeners are transient; the assertion is that nothing races or deadlocks.
	_ = seen
}
