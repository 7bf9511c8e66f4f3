package command

import (
	"sourcebot/core/auth"
	coreerrors "sourcebot/core/errors"
	"sourcebot/core/events"
	"sourcebot/core/jobs"
	"sourcebot/core/logger"
	"sourcebot/core/metrics"

	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// JobType is the job type the dispatcher handles on the worker pool.
const JobType = "command.invoke"

// PrincipalType marks principals built from chat message authors. Handlers read
// the invoker with auth.PrincipalFromContext.
const PrincipalType = "user"

const defaultHandlerTimeout = 30 * time.Second

// limiterSweepMin is the limiter count at which idle per-author limiters are first swept.
const limiterSweepMin = 1024

// PermissionChecker is the subset of the permission engine the dispatcher needs.
type PermissionChecker interface {
	HasPermission(ctx context.Context, userID, node string) bool
}

// Options configures a Dispatcher.
type Options struct {
	Prefix         string
	DeleteAfter    time.Duration // zero keeps messages
	HandlerTimeout time.Duration
	RateLimit      float64 // commands per second per invoker; zero disables limiting
	RateBurst      int
	Footer         string
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

type settings struct {
	prefix      string
	deleteAfter time.Duration
	footer      string
}

// Dispatcher resolves and runs commands from message events.
type Dispatcher struct {
	registry *Registry
	perms    PermissionChecker
	exec     jobs.Enqueuer
	cleanup  *Cleanup
	settings atomic.Pointer[settings]
	timeout  time.Duration

	limit    rate.Limit
	burst    int
	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
	sweepAt  int

	logger  *zap.Logger
	metrics *metrics.Metrics
}

var _ jobs.Handler = (*Dispatcher)(nil)

// NewDispatcher builds a dispatcher. Handlers run through exec; a nil exec runs
// them synchronously on the firing goroutine.
func NewDispatcher(reg *Registry, perms PermissionChecker, exec jobs.Enqueuer, opts Options) *Dispatcher {
	l := logger.OrNop(opts.Logger).Named("dispatcher")
	d := &Dispatcher{
		registry: reg,
		perms:    perms,
		exec:     exec,
		cleanup:  NewCleanup(l),
		timeout:  opts.HandlerTimeout,
		limiters: make(map[string]*rate.Limiter),
		sweepAt:  limiterSweepMin,
		logger:   l,
		metrics:  opts.Metrics,
	}
	if d.timeout <= 0 {
		d.timeout = defaultHandlerTimeout
	}
	if opts.RateLimit > 0 {
		d.limit = rate.Limit(opts.RateLimit)
		d.burst = max(opts.RateBurst, 1)
	}
	if d.exec == nil {
		handlers := jobs.NewHandlers()
		handlers.RegisterHandler(JobType, d)
		d.exec = jobs.Inline{Registry: handlers}
	}
	d.settings.Store(&settings{prefix: opts.Prefix, deleteAfter: opts.DeleteAfter, footer: opts.Footer})
	return d
}

// Attach subscribes the dispatcher to inbound message events.
func (d *Dispatcher) Attach(bus events.Bus, priority int) (events.Handle, error) {
	return events.On(bus, MessageReceivedEventType, priority, func(ctx context.Context, ev MessageEvent) error {
		d.Dispatch(ctx, ev)
		return nil
	})
}

// SetPrefix changes the command prefix for subsequent messages.
func (d *Dispatcher) SetPrefix(prefix string) {
	d.update(func(s *settings) { s.prefix = prefix })
}

// SetDeleteAfter changes the cleanup delay for subsequent messages.
func (d *Dispatcher) SetDeleteAfter(delay time.Duration) {
	d.update(func(s *settings) { s.deleteAfter = delay })
}

// SetFooter changes the footer appended to notifications.
func (d *Dispatcher) SetFooter(footer string) {
	d.update(func(s *settings) { s.footer = footer })
}

func (d *Dispatcher) update(fn func(*settings)) {
	for {
		old := d.settings.Load()
		next := *old
		fn(&next)
		if d.settings.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Prefix returns the current command prefix.
func (d *Dispatcher) Prefix() string { return d.settings.Load().prefix }

// Cleanup exposes the deletion scheduler.
func (d *Dispatcher) Cleanup() *Cleanup { return d.cleanup }

// Close cancels pending cleanups.
func (d *Dispatcher) Close() { d.cleanup.Stop() }

// Dispatch handles one inbound message. Messages without the prefix and unknown
// commands are ignored. Nothing is returned: every failure past resolution becomes
// a single notification to the invoker.
func (d *Dispatcher) Dispatch(ctx context.Context, ev MessageEvent) {
	s := d.settings.Load()
	content := strings.TrimSpace(ev.Message.Content)
	if s.prefix == "" || !strings.HasPrefix(content, s.prefix) {
		return
	}
	tokens := Tokenize(content[len(s.prefix):])
	if len(tokens) == 0 {
		return
	}
	cmd, ok := d.registry.Lookup(tokens[0])
	if !ok {
		d.metrics.CommandDispatched("", "unknown")
		d.logger.Debug("Ignoring unknown command", zap.String("label", tokens[0]), zap.String("author", ev.Message.AuthorID))
		return
	}
	if !d.allow(ev.Message.AuthorID) {
		d.metrics.CommandDispatched(cmd.Name, "rate_limited")
		d.logger.Debug("Invoker rate limited", zap.String("command", cmd.Name), zap.String("author", ev.Message.AuthorID))
		return
	}

	inv := &Invocation{Command: cmd, Label: tokens[0], Args: tokens[1:], Message: ev.Message, responder: ev.Responder}
	inv.reply = d.replier(inv, s)
	d.scheduleDelete(ev.Responder, ev.Message.ChannelID, ev.Message.ID, s.deleteAfter)

	if cmd.Permission != "" && (d.perms == nil || !d.perms.HasPermission(ctx, ev.Message.AuthorID, cmd.Permission)) {
		err := &coreerrors.CommandError{Command: cmd.Name, Kind: coreerrors.PermissionDenied}
		d.metrics.CommandDispatched(cmd.Name, "denied")
		d.logger.Info("Command denied",
			zap.String("command", cmd.Name),
			zap.String("author", ev.Message.AuthorID),
			zap.String("permission", cmd.Permission),
			zap.Error(err))
		d.notify(ctx, inv, Notification{
			Kind:        PermissionDenied,
			Title:       "Permission denied",
			Description: fmt.Sprintf("You do not have permission to use `%s` (%s).", cmd.Name, cmd.Permission),
		})
		return
	}

	invoker := auth.NewDefaultPrincipal(ev.Message.AuthorID, PrincipalType, "")
	job := jobs.NewJob(auth.ContextWithPrincipal(context.WithoutCancel(ctx), invoker), JobType, inv)
	if err := d.exec.Enqueue(ctx, job); err != nil {
		d.metrics.CommandDispatched(cmd.Name, "rejected")
		d.logger.Warn("Command not scheduled", zap.String("command", cmd.Name), zap.String("job", job.ID()), zap.Error(err))
		if errors.Is(err, coreerrors.ErrQueueFull) {
			d.notify(ctx, inv, Notification{Kind: Failure, Title: "Busy", Description: "Too many commands are running, try again shortly."})
		}
	}
}

// Handle runs a queued invocation.
func (d *Dispatcher) Handle(ctx context.Context, job jobs.Job) error {
	inv, ok := job.Payload().(*Invocation)
	if !ok {
		return fmt.Errorf("job %s: %w: payload %T is not an invocation", job.ID(), coreerrors.ErrInvalidInput, job.Payload())
	}
	d.run(ctx, inv)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, inv *Invocation) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := safeInvoke(ctx, inv)
	d.metrics.ObserveCommand(inv.Command.Name, time.Since(start).Seconds())
	if err == nil {
		d.metrics.CommandDispatched(inv.Command.Name, "ok")
		return
	}

	cmdErr := &coreerrors.CommandError{Command: inv.Command.Name, Kind: coreerrors.HandlerFailed, Err: err}
	d.metrics.CommandDispatched(inv.Command.Name, "failed")
	d.logger.Error("Command failed",
		zap.String("command", inv.Command.Name),
		zap.String("author", inv.Message.AuthorID),
		zap.Strings("args", inv.Args),
		zap.Error(cmdErr))
	d.notify(context.WithoutCancel(ctx), inv, Notification{
		Kind:        Failure,
		Title:       "Command failed",
		Description: fmt.Sprintf("`%s` could not be completed.", inv.Command.Name),
	})
}

// safeInvoke runs the handler, converting a panic into an error.
func safeInvoke(ctx context.Context, inv *Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return inv.Command.Handler(ctx, inv)
}

func (d *Dispatcher) replier(inv *Invocation, s *settings) func(ctx context.Context, n Notification) (string, error) {
	return func(ctx context.Context, n Notification) (string, error) {
		if inv.responder == nil {
			return "", fmt.Errorf("reply to %s: no responder", inv.Message.ChannelID)
		}
		if n.Footer == "" {
			n.Footer = s.footer
		}
		id, err := inv.responder.Send(ctx, inv.Message.ChannelID, n)
		if err != nil {
			return "", err
		}
		d.scheduleDelete(inv.responder, inv.Message.ChannelID, id, s.deleteAfter)
		return id, nil
	}
}

// notify sends a dispatcher-originated notification, logging delivery failures.
func (d *Dispatcher) notify(ctx context.Context, inv *Invocation, n Notification) {
	if _, err := inv.reply(ctx, n); err != nil {
		d.logger.Warn("Notification not delivered",
			zap.String("channel", inv.Message.ChannelID),
			zap.Stringer("kind", n.Kind),
			zap.Error(err))
	}
}

func (d *Dispatcher) scheduleDelete(r Responder, channelID, messageID string, delay time.Duration) {
	if r == nil || messageID == "" || delay <= 0 {
		return
	}
	d.cleanup.Schedule(delay, func(ctx context.Context) error {
		return r.Delete(ctx, channelID, messageID)
	})
}

func (d *Dispatcher) allow(author string) bool {
	if d.limit == 0 {
		return true
	}
	d.limMu.Lock()
	lim, ok := d.limiters[author]
	if !ok {
		if len(d.limiters) >= d.sweepAt {
			d.sweepLimitersLocked(time.Now())
		}
		lim = rate.NewLimiter(d.limit, d.burst)
		d.limiters[author] = lim
	}
	d.limMu.Unlock()
	return lim.Allow()
}

// sweepLimitersLocked drops limiters that have refilled to a full burst. Such a
// limiter behaves exactly like a fresh one, so forgetting it changes nothing.
func (d *Dispatcher) sweepLimitersLocked(now time.Time) {
	full := float64(d.burst)
	for author, lim := range d.limiters {
		if lim.TokensAt(now) >= full {
			delete(d.limiters, author)
		}
	}
	d.sweepAt = max(2*len(d.limiters), limiterSweepMin)
}
