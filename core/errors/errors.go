// Package errors holds the error taxonomy shared by the runtime, the event bus and
// the command dispatcher. Every typed error supports errors.Is against a kind-only
// sentinel, so callers can classify failures without string matching.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Common application-wide errors.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrInvalidInput  = errors.New("invalid input provided")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrQueueFull     = errors.New("queue is full")
	ErrClosed        = errors.New("component is closed")
)

// Wrap adds context to an existing error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}

// LoadKind classifies a ModuleLoadError.
type LoadKind int

const (
	MissingDescriptor LoadKind = iota + 1
	InvalidDescriptor
	CircularDependency
	MissingDependency
	// DependencyFailed marks a module skipped because something it depends on failed.
	DependencyFailed
	// EntryPoint marks a descriptor whose entry point could not be resolved or instantiated.
	EntryPoint
)

func (k LoadKind) String() string {
	switch k {
	case MissingDescriptor:
		return "missing descriptor"
	case InvalidDescriptor:
		return "invalid descriptor"
	case CircularDependency:
		return "circular dependency"
	case MissingDependency:
		return "missing dependency"
	case DependencyFailed:
		return "dependency failed"
	case EntryPoint:
		return "entry point"
	default:
		return "unknown"
	}
}

// ModuleLoadError is returned when a module cannot reach the Loaded state.
type ModuleLoadError struct {
	Module  string
	Kind    LoadKind
	Related []string // cycle members, missing or failed dependencies
	Err     error
}

func (e *ModuleLoadError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "module %s: %s", e.Module, e.Kind)
	if len(e.Related) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Related, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ModuleLoadError) Unwrap() error { return e.Err }

// Is matches another ModuleLoadError of the same kind. An empty Module on the
// target matches any module.
func (e *ModuleLoadError) Is(target error) bool {
	t, ok := target.(*ModuleLoadError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Module == "" || t.Module == e.Module)
}

// Kind-only sentinels for errors.Is.
var (
	ErrMissingDescriptor  = &ModuleLoadError{Kind: MissingDescriptor}
	ErrInvalidDescriptor  = &ModuleLoadError{Kind: InvalidDescriptor}
	ErrCircularDependency = &ModuleLoadError{Kind: CircularDependency}
	ErrMissingDependency  = &ModuleLoadError{Kind: MissingDependency}
	ErrDependencyFailed   = &ModuleLoadError{Kind: DependencyFailed}
	ErrEntryPoint         = &ModuleLoadError{Kind: EntryPoint}
)

// LifecycleKind classifies a ModuleLifecycleError.
type LifecycleKind int

const (
	AlreadyEnabled LifecycleKind = iota + 1
	NotLoaded
	DependencyNotEnabled
	DependentsStillActive
	HookFailed
	NotEnabled
)

func (k LifecycleKind) String() string {
	switch k {
	case AlreadyEnabled:
		return "already enabled"
	case NotLoaded:
		return "not loaded"
	case DependencyNotEnabled:
		return "dependency not enabled"
	case DependentsStillActive:
		return "dependents still active"
	case HookFailed:
		return "hook failed"
	case NotEnabled:
		return "not enabled"
	default:
		return "unknown"
	}
}

// ModuleLifecycleError is returned by enable, disable and unload transitions.
type ModuleLifecycleError struct {
	Module  string
	Kind    LifecycleKind
	Related []string
	Err     error
}

func (e *ModuleLifecycleError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "module %s: %s", e.Module, e.Kind)
	if len(e.Related) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Related, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ModuleLifecycleError) Unwrap() error { return e.Err }

func (e *ModuleLifecycleError) Is(target error) bool {
	t, ok := target.(*ModuleLifecycleError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Module == "" || t.Module == e.Module)
}

var (
	ErrAlreadyEnabled        = &ModuleLifecycleError{Kind: AlreadyEnabled}
	ErrNotLoaded             = &ModuleLifecycleError{Kind: NotLoaded}
	ErrDependencyNotEnabled  = &ModuleLifecycleError{Kind: DependencyNotEnabled}
	ErrDependentsStillActive = &ModuleLifecycleError{Kind: DependentsStillActive}
	ErrHookFailed            = &ModuleLifecycleError{Kind: HookFailed}
	ErrNotEnabled            = &ModuleLifecycleError{Kind: NotEnabled}
)

// EventDispatchFailure describes a listener that returned an error or panicked.
// It is logged by the bus and never returned from Fire.
type EventDispatchFailure struct {
	EventType string
	Listener  uint64
	Panic     bool
	Err       error
}

func (e *EventDispatchFailure) Error() string {
	if e.Panic {
		return fmt.Sprintf("listener %d panicked on %s: %v", e.Listener, e.EventType, e.Err)
	}
	return fmt.Sprintf("listener %d failed on %s: %v", e.Listener, e.EventType, e.Err)
}

func (e *EventDispatchFailure) Unwrap() error { return e.Err }

// CommandKind classifies a CommandError.
type CommandKind int

const (
	PermissionDenied CommandKind = iota + 1
	HandlerFailed
)

func (k CommandKind) String() string {
	switch k {
	case PermissionDenied:
		return "permission denied"
	case HandlerFailed:
		return "handler failed"
	default:
		return "unknown"
	}
}

// CommandError is converted into exactly one user-visible notification by the dispatcher.
type CommandError struct {
	Command string
	Kind    CommandKind
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command %s: %s: %v", e.Command, e.Kind, e.Err)
	}
	return fmt.Sprintf("command %s: %s", e.Command, e.Kind)
}

func (e *CommandError) Unwrap() error { return e.Err }

func (e *CommandError) Is(target error) bool {
	t, ok := target.(*CommandError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Command == "" || t.Command == e.Command)
}

var (
	ErrPermissionDenied = &CommandError{Kind: PermissionDenied}
	ErrHandlerFailed    = &CommandError{Kind: HandlerFailed}
)

// NameConflictError is returned when a command name or alias is already taken.
type NameConflictError struct {
	Name     string
	Existing string
}

func (e *NameConflictError) Error() string {
	return fmt.Sprintf("command name %q conflicts with registered command %q", e.Name, e.Existing)
}
