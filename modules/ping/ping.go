// Package ping is the reference built-in module. It registers a command, listens to
// inbound messages and exports a counter that dependent modules can resolve.
package ping

import (
	"sourcebot/core/command"
	"sourcebot/core/events"
	"sourcebot/core/kernel"
	"sourcebot/core/plugin"
	"sourcebot/core/registry"

	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	Name    = "ping"
	Version = "1.0.0"

	// CounterSymbol is the exported *Counter.
	CounterSymbol = "ping.counter"
)

// Config holds configuration settings specific to the ping module.
type Config struct {
	Reply      string        `mapstructure:"reply"`
	Permission string        `mapstructure:"permission"` // empty lets everyone ping
	SlowAfter  time.Duration `mapstructure:"slow_after"`
}

// Counter counts messages seen while the module is enabled.
type Counter struct {
	n atomic.Int64
}

func (c *Counter) Add()         { c.n.Add(1) }
func (c *Counter) Value() int64 { return c.n.Load() }

// Module implements kernel.Module and kernel.Loader.
type Module struct {
	desc    *plugin.Descriptor
	counter *Counter

	mu     sync.Mutex
	config Config
	logger *zap.Logger
}

var (
	_ kernel.Module = (*Module)(nil)
	_ kernel.Loader = (*Module)(nil)
)

// New is the module's kernel.Factory.
func New(desc *plugin.Descriptor) (kernel.Module, error) {
	return &Module{desc: desc, counter: &Counter{}, logger: zap.NewNop()}, nil
}

// OnLoad exports the message counter.
func (m *Module) OnLoad(ctx context.Context, scope *registry.Scope) error {
	return scope.Export(CounterSymbol, m.counter)
}

// OnEnable decodes the config, then registers the listener and the commands.
func (m *Module) OnEnable(ctx context.Context, host *kernel.Host) error {
	cfg := Config{Reply: "Pong!", SlowAfter: time.Second}
	if err := host.DecodeConfig(&cfg); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.logger = host.Logger()
	m.mu.Unlock()

	if _, err := events.On(host, command.MessageReceivedEventType, 10, func(_ context.Context, _ command.MessageEvent) error {
		m.counter.Add()
		return nil
	}); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", command.MessageReceivedEventType, err)
	}

	err := host.RegisterCommands(
		&command.Command{
			Name:        "ping",
			Aliases:     []string{"p"},
			Permission:  cfg.Permission,
			Usage:       "ping",
			Description: "Check that the bot is responsive.",
			Handler:     m.ping,
		},
		&command.Command{
			Name:        "seen",
			Usage:       "seen",
			Description: "Count the messages seen since the module was enabled.",
			Handler:     m.seen,
		},
	)
	if err != nil {
		return err
	}
	m.logger.Info("Ping module enabled", zap.String("reply", cfg.Reply))
	return nil
}

// OnDisable has nothing to stop; the host drops the listener and commands.
func (m *Module) OnDisable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Info("Ping module disabled", zap.Int64("seen", m.counter.Value()))
	return nil
}

func (m *Module) ping(ctx context.Context, inv *command.Invocation) error {
	m.mu.Lock()
	cfg, log := m.config, m.logger
	m.mu.Unlock()

	start := time.Now()
	if err := inv.Reply(ctx, command.Notification{Kind: command.Success, Title: cfg.Reply}); err != nil {
		return err
	}
	if elapsed := time.Since(start); elapsed > cfg.SlowAfter {
		log.Warn("Slow reply", zap.Duration("elapsed", elapsed))
	}
	return nil
}

func (m *Module) seen(ctx context.Context, inv *command.Invocation) error {
	return inv.Replyf(ctx, "Messages seen", strconv.FormatInt(m.counter.Value(), 10))
}
