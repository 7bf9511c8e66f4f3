package events

// Module lifecycle event types, published by the module runtime after each transition.
const (
	ModuleEventType         = "module"
	ModuleLoadedEventType   = "module.loaded"
	ModuleEnabledEventType  = "module.enabled"
	ModuleDisabledEventType = "module.disabled"
	ModuleFailedEventType   = "module.failed"
	ModuleUnloadedEventType = "module.unloaded"
)

// ModuleEvent reports a module lifecycle transition. Type is one of the
// Module*EventType constants; Err is set for module.failed.
type ModuleEvent struct {
	Type    string
	Module  string
	Version string
	Err     error
}

func (e ModuleEvent) EventType() string { return e.Type }

// Active reports whether the module is still running after this transition.
func (e ModuleEvent) Active() bool {
	return e.Type == ModuleLoadedEventType || e.Type == ModuleEnabledEventType
}
