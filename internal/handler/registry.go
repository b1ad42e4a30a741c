package handler

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps triggers to handlers. Command names are unique; event types
// may carry any number of handlers, run in registration order.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Handler
	events   map[string][]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]Handler),
		events:   make(map[string][]Handler),
	}
}

// Register adds h. Panics on an invalid handler or a duplicate command name.
func (r *Registry) Register(h Handler) {
	if err := h.validate(); err != nil {
		panic(err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := h.Trigger.name
	if h.Trigger.IsCommand() {
		if _, exists := r.commands[name]; exists {
			panic(fmt.Sprintf("handler already registered for command: %s", name))
		}
		r.commands[name] = h
		return
	}
	r.events[name] = append(r.events[name], h)
}

// Lookup returns the handlers bound to t.
func (r *Registry) Lookup(t Trigger) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t.IsCommand() {
		if h, ok := r.commands[t.name]; ok {
			return []Handler{h}
		}
		return nil
	}
	return append([]Handler(nil), r.events[t.name]...)
}

// Commands returns every command handler sorted by name.
func (r *Registry) Commands() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, 0, len(r.commands))
	for _, h := range r.commands {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Trigger.name < out[j].Trigger.name })
	return out
}

// DefaultRegistry creates a registry with the built-in commands.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Ping())
	r.Register(Help(r))
	return r
}
