package command

import (
	"sourcebot/core/auth"
	coreerrors "sourcebot/core/errors"
	"sourcebot/core/events"
	"sourcebot/core/jobs"

	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type sent struct {
	Channel string
	N       Notification
}

// MockResponder records notifications and deletions.
type MockResponder struct {
	mu      sync.Mutex
	Sent    []sent
	Deleted []string
	gone    map[string]bool
	next    int
}

func (m *MockResponder) Send(ctx context.Context, channelID string, n Notification) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.Sent = append(m.Sent, sent{Channel: channelID, N: n})
	return fmt.Sprintf("reply-%d", m.next), nil
}

func (m *MockResponder) Delete(ctx context.Context, channelID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gone[messageID] {
		return fmt.Errorf("message %s: %w", messageID, coreerrors.ErrNotFound)
	}
	m.Deleted = append(m.Deleted, messageID)
	return nil
}

func (m *MockResponder) notifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.Sent))
	for i, s := range m.Sent {
		out[i] = s.N
	}
	return out
}

func (m *MockResponder) deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Deleted...)
}

// MockPerms grants exactly the listed (user, node) pairs.
type MockPerms map[string]bool

func (p MockPerms) HasPermission(ctx context.Context, userID, node string) bool {
	return p[userID+"|"+node]
}

type fixture struct {
	reg       *Registry
	disp      *Dispatcher
	responder *MockResponder
	calls     []*Invocation
	mu        sync.Mutex
}

func newFixture(t *testing.T, perms MockPerms, opts Options) *fixture {
	t.Helper()
	f := &fixture{reg: NewRegistry(nil), responder: &MockResponder{}}
	if opts.Prefix == "" {
		opts.Prefix = "!"
	}
	f.disp = NewDispatcher(f.reg, perms, nil, opts)
	t.Cleanup(f.disp.Close)

	record := func(ctx context.Context, inv *Invocation) error {
		f.mu.Lock()
		f.calls = append(f.calls, inv)
		f.mu.Unlock()
		return nil
	}
	err := f.reg.Register(
		&Command{Name: "ban", Aliases: []string{"b"}, Permission: "guild.ban", Handler: record},
		&Command{Name: "echo", Handler: func(ctx context.Context, inv *Invocation) error {
			record(ctx, inv)
			return inv.Replyf(ctx, "Echo", fmt.Sprint(inv.Args))
		}},
		&Command{Name: "fail", Handler: func(ctx context.Context, inv *Invocation) error {
			return errors.New("database unavailable")
		}},
		&Command{Name: "panic", Handler: func(ctx context.Context, inv *Invocation) error {
			panic("nil map")
		}},
	)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return f
}

func (f *fixture) send(content string) {
	f.disp.Dispatch(context.Background(), MessageEvent{
		Message:   Message{ID: "msg-1", ChannelID: "general", AuthorID: "alice", Content: content},
		Responder: f.responder,
	})
}

func (f *fixture) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		perms     MockPerms
		wantCalls int
		wantKinds []NotificationKind
	}{
		{name: "no prefix", content: "ban bob", wantCalls: 0},
		{name: "prefix only", content: "!   ", wantCalls: 0},
		{name: "unknown command", content: "!kick bob", wantCalls: 0},
		{name: "denied", content: "!ban bob", wantCalls: 0, wantKinds: []NotificationKind{PermissionDenied}},
		{name: "allowed", content: "!ban bob", perms: MockPerms{"alice|guild.ban": true}, wantCalls: 1},
		{name: "alias ignores case", content: "!B bob", perms: MockPerms{"alice|guild.ban": true}, wantCalls: 1},
		{name: "unrestricted command", content: "!echo hi", wantCalls: 1, wantKinds: []NotificationKind{Info}},
		{name: "handler error", content: "!fail", wantKinds: []NotificationKind{Failure}},
		{name: "handler panic", content: "!PANIC", wantKinds: []NotificationKind{Failure}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.perms, Options{})
			f.send(tt.content)

			if got := f.callCount(); got != tt.wantCalls {
				t.Fatalf("handler calls = %d, want %d", got, tt.wantCalls)
			}
			var kinds []NotificationKind
			for _, n := range f.responder.notifications() {
				kinds = append(kinds, n.Kind)
			}
			if !reflect.DeepEqual(kinds, tt.wantKinds) {
				t.Fatalf("notifications = %v, want %v", kinds, tt.wantKinds)
			}
		})
	}
}

func TestDispatch_ArgumentsAndFooter(t *testing.T) {
	f := newFixture(t, nil, Options{Prefix: "?", Footer: "sourcebot"})
	f.send(`?echo "two words" plain 'single quoted'`)

	if f.callCount() != 1 {
		t.Fatal("echo not invoked")
	}
	inv := f.calls[0]
	if want := []string{"two words", "plain", "single quoted"}; !reflect.DeepEqual(inv.Args, want) {
		t.Fatalf("Args = %q, want %q", inv.Args, want)
	}
	if inv.Label != "echo" || inv.Message.AuthorID != "alice" {
		t.Fatalf("invocation = %+v", inv)
	}
	ns := f.responder.notifications()
	if len(ns) != 1 || ns[0].Footer != "sourcebot" {
		t.Fatalf("reply = %+v", ns)
	}

	f.disp.SetPrefix("!")
	f.send(`?echo ignored`)
	if f.callCount() != 1 {
		t.Fatal("old prefix still accepted after SetPrefix")
	}
	f.send(`!echo again`)
	if f.callCount() != 2 || f.disp.Prefix() != "!" {
		t.Fatal("new prefix not applied")
	}
}

func TestDispatch_HandlerSeesInvoker(t *testing.T) {
	f := newFixture(t, nil, Options{})
	var got auth.Principal
	if err := f.reg.Register(&Command{Name: "whoami", Handler: func(ctx context.Context, inv *Invocation) error {
		got = auth.PrincipalFromContext(ctx)
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	f.send("!whoami")
	if got == nil || got.ID() != "alice" || got.Type() != PrincipalType {
		t.Fatalf("principal = %v", got)
	}
}

func TestDispatch_RateLimit(t *testing.T) {
	f := newFixture(t, nil, Options{RateLimit: 0.001, RateBurst: 1})
	f.send("!echo one")
	f.send("!echo two")
	if f.callCount() != 1 {
		t.Fatalf("calls = %d, want 1 within the burst", f.callCount())
	}
}

func TestDispatch_IdleLimitersAreSwept(t *testing.T) {
	f := newFixture(t, nil, Options{RateLimit: 1, RateBurst: 2})
	d := f.disp
	for _, author := range []string{"alice", "bob", "carol"} {
		if !d.allow(author) {
			t.Fatalf("first message from %s was limited", author)
		}
	}
	d.allow("alice")

	tests := []struct {
		name      string
		after     time.Duration
		wantKept  int
		wantAlice bool
	}{
		{"partially drained stay", 500 * time.Millisecond, 3, true},
		{"one refilled", 1500 * time.Millisecond, 1, true},
		{"all refilled", time.Hour, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d.limMu.Lock()
			d.sweepLimitersLocked(time.Now().Add(tt.after))
			kept := len(d.limiters)
			_, alice := d.limiters["alice"]
			sweepAt := d.sweepAt
			d.limMu.Unlock()
			if kept != tt.wantKept || alice != tt.wantAlice {
				t.Fatalf("kept %d (alice=%v), want %d (alice=%v)", kept, alice, tt.wantKept, tt.wantAlice)
			}
			if sweepAt != limiterSweepMin {
				t.Fatalf("sweepAt = %d, want %d", sweepAt, limiterSweepMin)
			}
		})
	}
}

func TestDispatch_LimiterMapIsBounded(t *testing.T) {
	f := newFixture(t, nil, Options{RateLimit: 1, RateBurst: 1})
	d := f.disp
	d.limMu.Lock()
	for i := 0; i < limiterSweepMin; i++ {
		// Already refilled limiters, as if each author spoke long ago.
		d.limiters[fmt.Sprintf("idle-%d", i)] = rate.NewLimiter(d.limit, d.burst)
	}
	d.limMu.Unlock()

	d.allow("newcomer")

	d.limMu.Lock()
	defer d.limMu.Unlock()
	if len(d.limiters) != 1 {
		t.Fatalf("limiters = %d after sweep, want 1", len(d.limiters))
	}
	if _, ok := d.limiters["newcomer"]; !ok {
		t.Fatal("newcomer limiter missing")
	}
}

type enqueueFunc func(ctx context.Context) error

func (f enqueueFunc) Enqueue(ctx context.Context, job jobs.Job) error { return f(ctx) }

func TestDispatch_QueueFull(t *testing.T) {
	reg := NewRegistry(nil)
	called := false
	reg.Register(&Command{Name: "slow", Handler: func(ctx context.Context, inv *Invocation) error {
		called = true
		return nil
	}})
	resp := &MockResponder{}
	d := NewDispatcher(reg, nil, enqueueFunc(func(ctx context.Context) error {
		return fmt.Errorf("enqueue: %w", coreerrors.ErrQueueFull)
	}), Options{Prefix: "!"})
	defer d.Close()

	d.Dispatch(context.Background(), MessageEvent{Message: Message{ChannelID: "c", AuthorID: "u", Content: "!slow"}, Responder: resp})
	if called {
		t.Fatal("handler ran although the queue rejected the job")
	}
	ns := resp.notifications()
	if len(ns) != 1 || ns[0].Kind != Failure {
		t.Fatalf("notifications = %+v, want one failure", ns)
	}
}

func TestDispatch_CleanupDeletesTriggerAndReply(t *testing.T) {
	f := newFixture(t, nil, Options{DeleteAfter: 10 * time.Millisecond})
	f.responder.gone = map[string]bool{"msg-1": true} // trigger removed by a moderator
	f.send("!echo hi")

	deadline := time.Now().Add(time.Second)
	for len(f.responder.deleted()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := f.responder.deleted(); !reflect.DeepEqual(got, []string{"reply-1"}) {
		t.Fatalf("deleted = %v, want only the reply", got)
	}
}

func TestAttach(t *testing.T) {
	bus := events.New(nil, nil)
	f := newFixture(t, nil, Options{})
	if _, err := f.disp.Attach(bus, 0); err != nil {
		t.Fatal(err)
	}
	bus.Fire(context.Background(), MessageEvent{
		Message:   Message{ID: "1", ChannelID: "c", AuthorID: "u", Content: "!echo via bus"},
		Responder: f.responder,
	})
	if f.callCount() != 1 {
		t.Fatal("dispatcher did not receive the bus event")
	}
}

func TestRegistry_NameConflicts(t *testing.T) {
	noop := func(ctx context.Context, inv *Invocation) error { return nil }
	reg := NewRegistry(nil)
	if err := reg.Register(&Command{Name: "help", Aliases: []string{"h", "?"}, Handler: noop}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cmds []*Command
	}{
		{"same name", []*Command{{Name: "HELP", Handler: noop}}},
		{"alias collides with alias", []*Command{{Name: "hint", Aliases: []string{"H"}, Handler: noop}}},
		{"name collides with alias", []*Command{{Name: "?", Handler: noop}}},
		{"collision inside batch", []*Command{{Name: "info", Handler: noop}, {Name: "about", Aliases: []string{"info"}, Handler: noop}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Register(tt.cmds...)
			var conflict *coreerrors.NameConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("Register error = %v, want NameConflictError", err)
			}
		})
	}
	if _, ok := reg.Lookup("info"); ok {
		t.Fatal("a rejected batch must not register any command")
	}
	if err := reg.Register(&Command{Name: "x"}); !errors.Is(err, coreerrors.ErrInvalidInput) {
		t.Fatalf("nil handler error = %v", err)
	}
	if len(reg.List()) != 1 {
		t.Fatalf("List = %v", reg.List())
	}
	if !reg.Unregister("Help") || reg.Unregister("help") {
		t.Fatal("Unregister should succeed exactly once")
	}
	if _, ok := reg.Lookup("h"); ok {
		t.Fatal("aliases must go with their command")
	}
}

func TestRegistry_DropsCommandsOfInactiveModules(t *testing.T) {
	noop := func(ctx context.Context, inv *Invocation) error { return nil }
	bus := events.New(nil, nil)
	reg := NewRegistry(nil)
	if _, err := reg.Watch(bus); err != nil {
		t.Fatal(err)
	}
	reg.Register(
		&Command{Name: "ping", Module: "ping", Handler: noop},
		&Command{Name: "pong", Module: "ping", Handler: noop},
		&Command{Name: "help", Handler: noop},
	)

	bus.Fire(context.Background(), events.ModuleEvent{Type: events.ModuleEnabledEventType, Module: "ping"})
	if len(reg.List()) != 3 {
		t.Fatal("enable must not drop commands")
	}
	bus.Fire(context.Background(), events.ModuleEvent{Type: events.ModuleDisabledEventType, Module: "ping"})
	if got := reg.List(); len(got) != 1 || got[0].Name != "help" {
		t.Fatalf("after disable: %v", got)
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"ban bob", []string{"ban", "bob"}},
		{"  spaced   out\targs ", []string{"spaced", "out", "args"}},
		{`say "hello world"`, []string{"say", "hello world"}},
		{`say 'it"s'`, []string{"say", `it"s`}},
		{`a\ b c`, []string{"a b", "c"}},
		{`empty "" quotes`, []string{"empty", "", "quotes"}},
		{`grant guild.* $5`, []string{"grant", "guild.*", "$5"}},
		{`open "unterminated quote`, []string{"open", "unterminated quote"}},
		{`pre"fix"ed`, []string{"prefixed"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Tokenize(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Tokenize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCleanup(t *testing.T) {
	c := NewCleanup(nil)
	ran := make(chan string, 2)

	cancelled := c.Schedule(time.Hour, func(ctx context.Context) error { ran <- "cancelled"; return nil })
	c.Schedule(5*time.Millisecond, func(ctx context.Context) error { ran <- "fired"; return nil })
	c.Schedule(5*time.Millisecond, func(ctx context.Context) error {
		return fmt.Errorf("gone: %w", coreerrors.ErrNotFound)
	})
	if c.Schedule(0, func(ctx context.Context) error { return nil }) != "" {
		t.Fatal("zero delay must not schedule")
	}

	if !c.Cancel(cancelled) || c.Cancel(cancelled) {
		t.Fatal("Cancel should succeed exactly once")
	}
	select {
	case got := <-ran:
		if got != "fired" {
			t.Fatalf("ran %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("task never fired")
	}

	c.Stop()
	if c.Schedule(time.Millisecond, func(ctx context.Context) error { return nil }) != "" {
		t.Fatal("stopped scheduler accepted a task")
	}
}
