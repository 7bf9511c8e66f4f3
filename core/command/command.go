// Package command turns inbound chat messages into command invocations. The Registry
// holds commands by name and alias; the Dispatcher listens for message events, checks
// the invoker's permission and runs the handler on the worker pool.
package command

import (
	"context"
	"strings"
)

// MessageReceivedEventType is the event type gateways fire for every inbound message.
const MessageReceivedEventType = "gateway.message.received"

// Handler executes a command. A returned error or a panic is reported to the invoker
// as a single failure notification.
type Handler func(ctx context.Context, inv *Invocation) error

// Command is a registered chat command.
type Command struct {
	Name        string
	Aliases     []string
	Permission  string // node checked before the handler runs; empty means unrestricted
	Usage       string
	Description string
	Handler     Handler
	// Module owns the command. Commands of a module are dropped when it leaves Enabled.
	Module string
}

// Labels returns the lower-cased name followed by the aliases.
func (c *Command) Labels() []string {
	labels := make([]string, 0, 1+len(c.Aliases))
	labels = append(labels, strings.ToLower(c.Name))
	for _, a := range c.Aliases {
		labels = append(labels, strings.ToLower(a))
	}
	return labels
}

// Message is an inbound chat message as seen by the core.
type Message struct {
	ID        string
	ChannelID string
	AuthorID  string
	Content   string
}

// MessageEvent carries a message together with the gateway's responder.
type MessageEvent struct {
	Message   Message
	Responder Responder
}

func (MessageEvent) EventType() string { return MessageReceivedEventType }

// NotificationKind selects how a gateway renders a notification.
type NotificationKind int

const (
	Info NotificationKind = iota
	Success
	PermissionDenied
	Failure
)

func (k NotificationKind) String() string {
	switch k {
	case Success:
		return "success"
	case PermissionDenied:
		return "permission denied"
	case Failure:
		return "failure"
	default:
		return "info"
	}
}

// Notification is a titled message sent back to a channel.
type Notification struct {
	Kind        NotificationKind
	Title       string
	Description string
	Footer      string
}

// Responder is the gateway side of a conversation.
type Responder interface {
	// Send posts n to channelID and returns the id of the posted message.
	Send(ctx context.Context, channelID string, n Notification) (string, error)
	// Delete removes a message. Deleting a message that no longer exists returns an
	// error wrapping errors.ErrNotFound.
	Delete(ctx context.Context, channelID, messageID string) error
}

// Invocation is one resolved command call.
type Invocation struct {
	Command *Command
	Label   string   // the name or alias the invoker typed
	Args    []string // tokens after the label
	Message Message

	responder Responder
	reply     func(ctx context.Context, n Notification) (string, error)
}

// Reply sends n to the invoking channel. The reply is scheduled for cleanup like
// the triggering message.
func (inv *Invocation) Reply(ctx context.Context, n Notification) error {
	_, err := inv.reply(ctx, n)
	return err
}

// Replyf sends a plain informational reply.
func (inv *Invocation) Replyf(ctx context.Context, title, description string) error {
	return inv.Reply(ctx, Notification{Kind: Info, Title: title, Description: description})
}
