package console

import (
	"sourcebot/core/command"
	coreerrors "sourcebot/core/errors"
	"sourcebot/core/events"

	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitDone(t *testing.T, g *Gateway) {
	t.Helper()
	select {
	case <-g.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not finish reading")
	}
}

func TestGateway_FiresMessages(t *testing.T) {
	bus := events.New(zap.NewNop(), nil)
	defer bus.Close()

	var mu sync.Mutex
	var got []command.Message
	if _, err := events.On(bus, command.MessageReceivedEventType, 0, func(_ context.Context, ev command.MessageEvent) error {
		mu.Lock()
		got = append(got, ev.Message)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	g := New(strings.NewReader("hello\n\n   !ping a  \n"), &syncBuffer{}, Config{Channel: "general", Author: "alice"}, nil)
	if err := g.Start(context.Background(), bus); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, g)
	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("messages = %+v, want 2", got)
	}
	want := []command.Message{
		{ID: "in-1", ChannelID: "general", AuthorID: "alice", Content: "hello"},
		{ID: "in-2", ChannelID: "general", AuthorID: "alice", Content: "!ping a"},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestGateway_SendAndDelete(t *testing.T) {
	out := &syncBuffer{}
	g := New(strings.NewReader(""), out, Config{}, nil)
	ctx := context.Background()

	id, err := g.Send(ctx, "general", command.Notification{Kind: command.Success, Title: "Done", Description: "ok", Footer: "sourcebot"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "out-1" {
		t.Errorf("id = %q, want out-1", id)
	}
	for _, part := range []string{"[general]", "Done", ": ok", "(sourcebot)"} {
		if !strings.Contains(out.String(), part) {
			t.Errorf("output %q is missing %q", out.String(), part)
		}
	}

	if err := g.Delete(ctx, "general", id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := g.Delete(ctx, "general", id); !errors.Is(err, coreerrors.ErrNotFound) {
		t.Errorf("second Delete = %v, want not found", err)
	}
	if err := g.Delete(ctx, "general", "in-4"); err != nil {
		t.Errorf("deleting an inbound line = %v, want nil", err)
	}
}

func TestGateway_RunsCommands(t *testing.T) {
	bus := events.New(zap.NewNop(), nil)
	defer bus.Close()

	reg := command.NewRegistry(nil)
	if err := reg.Register(&command.Command{Name: "ping", Handler: func(ctx context.Context, inv *command.Invocation) error {
		return inv.Replyf(ctx, "Pong", strings.Join(inv.Args, " "))
	}}); err != nil {
		t.Fatal(err)
	}
	disp := command.NewDispatcher(reg, nil, nil, command.Options{Prefix: "!"})
	defer disp.Close()
	if _, err := disp.Attach(bus, 0); err != nil {
		t.Fatal(err)
	}

	out := &syncBuffer{}
	g := New(strings.NewReader("!ping hello world\nnot a command\n"), out, Config{}, nil)
	if err := g.Start(context.Background(), bus); err != nil {
		t.Fatal(err)
	}
	waitDone(t, g)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], "Pong") || !strings.Contains(lines[0], "hello world") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestDecodeConfig(t *testing.T) {
	cfg, err := DecodeConfig(nil)
	if err != nil || cfg.Channel != "console" || cfg.Author != "console" {
		t.Fatalf("defaults = %+v, %v", cfg, err)
	}
	cfg, err = DecodeConfig(map[string]any{"author": "ops"})
	if err != nil || cfg.Author != "ops" || cfg.Channel != "console" {
		t.Fatalf("decoded = %+v, %v", cfg, err)
	}
	if _, err := DecodeConfig(map[string]any{"author": []int{1}}); err == nil {
		t.Error("DecodeConfig accepted a list for author")
	}
}
