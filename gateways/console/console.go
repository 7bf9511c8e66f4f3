// Package console is a gateway that reads chat messages line by line from a reader
// and writes notifications to a writer. It lets the bot run in a terminal and
// serves as the reference for platform gateways.
package console

import (
	"sourcebot/core/command"
	coreerrors "sourcebot/core/errors"
	"sourcebot/core/events"
	"sourcebot/core/logger"

	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

const Name = "console"

// Config holds configuration settings specific to the console gateway.
type Config struct {
	Channel string `mapstructure:"channel"`
	Author  string `mapstructure:"author"`
}

// DecodeConfig decodes raw into a Config, filling defaults.
func DecodeConfig(raw map[string]any) (Config, error) {
	cfg := Config{Channel: "console", Author: "console"}
	if raw == nil {
		return cfg, nil
	}
	if err := mapstructure.Decode(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode console gateway config: %w", err)
	}
	return cfg, nil
}

// Gateway implements app.Gateway and command.Responder.
type Gateway struct {
	in     io.Reader
	out    io.Writer
	config Config
	logger *zap.Logger
	styles styles

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	seq     int
	live    map[string]bool // sent message ids not yet deleted
}

var _ command.Responder = (*Gateway)(nil)

type styles struct {
	title map[command.NotificationKind]lipgloss.Style
	muted lipgloss.Style
}

func newStyles(out io.Writer) styles {
	r := lipgloss.NewRenderer(out)
	title := func(c lipgloss.Color) lipgloss.Style { return r.NewStyle().Bold(true).Foreground(c) }
	return styles{
		title: map[command.NotificationKind]lipgloss.Style{
			command.Info:             title(lipgloss.Color("#3B82F6")),
			command.Success:          title(lipgloss.Color("#10B981")),
			command.PermissionDenied: title(lipgloss.Color("#F59E0B")),
			command.Failure:          title(lipgloss.Color("#EF4444")),
		},
		muted: r.NewStyle().Foreground(lipgloss.Color("#6B7280")),
	}
}

// New creates a console gateway reading from in and writing to out.
func New(in io.Reader, out io.Writer, cfg Config, l *zap.Logger) *Gateway {
	if cfg.Channel == "" {
		cfg.Channel = "console"
	}
	if cfg.Author == "" {
		cfg.Author = "console"
	}
	return &Gateway{
		in:     in,
		out:    out,
		config: cfg,
		logger: logger.OrNop(l).Named("gateway.console"),
		styles: newStyles(out),
		live:   make(map[string]bool),
	}
}

// Name returns the unique name of the gateway.
func (g *Gateway) Name() string { return Name }

// Start begins reading lines. Each non-empty line is fired as a message event.
func (g *Gateway) Start(ctx context.Context, bus events.Bus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return nil
	}
	if bus == nil {
		return errors.New("console gateway: nil bus")
	}
	ctx, g.cancel = context.WithCancel(ctx)
	g.done = make(chan struct{})
	g.started = true
	go g.read(ctx, bus)
	return nil
}

func (g *Gateway) read(ctx context.Context, bus events.Bus) {
	defer close(g.done)
	scanner := bufio.NewScanner(g.in)
	n := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		n++
		bus.Fire(ctx, command.MessageEvent{
			Message: command.Message{
				ID:        "in-" + strconv.Itoa(n),
				ChannelID: g.config.Channel,
				AuthorID:  g.config.Author,
				Content:   line,
			},
			Responder: g,
		})
	}
	if err := scanner.Err(); err != nil {
		g.logger.Error("Input closed with error", zap.Error(err))
		return
	}
	g.logger.Debug("Input exhausted")
}

// Done is closed once the input is exhausted or the gateway stops reading.
func (g *Gateway) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

// Stop stops reading. A reader blocked on input is abandoned when ctx expires.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = false
	g.cancel()
	done := g.done
	g.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Debug("Input still blocked at shutdown")
	}
	return nil
}

// Send writes a notification and returns its message id.
func (g *Gateway) Send(ctx context.Context, channelID string, n command.Notification) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	id := "out-" + strconv.Itoa(g.seq)

	var b strings.Builder
	title := n.Title
	if title == "" {
		title = n.Kind.String()
	}
	style, ok := g.styles.title[n.Kind]
	if !ok {
		style = g.styles.muted
	}
	fmt.Fprintf(&b, "[%s] %s", channelID, style.Render(title))
	if n.Description != "" {
		fmt.Fprintf(&b, ": %s", n.Description)
	}
	if n.Footer != "" {
		fmt.Fprintf(&b, " %s", g.styles.muted.Render("("+n.Footer+")"))
	}
	b.WriteByte('\n')
	if _, err := io.WriteString(g.out, b.String()); err != nil {
		return "", fmt.Errorf("write notification: %w", err)
	}
	g.live[id] = true
	return id, nil
}

// Delete forgets a sent message. Console output cannot be retracted, so this only
// tracks which ids are still live.
func (g *Gateway) Delete(ctx context.Context, channelID, messageID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if strings.HasPrefix(messageID, "in-") {
		return nil
	}
	if !g.live[messageID] {
		return fmt.Errorf("message %s: %w", messageID, coreerrors.ErrNotFound)
	}
	delete(g.live, messageID)
	return nil
}
