// ABOUTME: Command registry mapping command names to plugins.
// ABOUTME: Populated at startup from configuration; no reflection or dynamic loading.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownCommand is returned when no plugin serves a command.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrDuplicateCommand is returned when a name is registered twice.
	ErrDuplicateCommand = errors.New("command already registered")

	// ErrClosed is returned after the dispatcher has been closed.
	ErrClosed = errors.New("dispatcher closed")
)

// Plugin executes one command. Implementations must honour ctx
// cancellation if they can run for long.
type Plugin interface {
	Run(ctx context.Context, args map[string]any) (map[string]any, error)
}

// PluginFunc adapts a function to Plugin.
type PluginFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

func (f PluginFunc) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	return f(ctx, args)
}

// Entry is a registered command.
type Entry struct {
	Name   string
	Plugin Plugin
	// LongRunning commands reply at once with a job id and run detached.
	LongRunning bool
}

// Registry holds the commands this agent serves.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds a command.
func (r *Registry) Register(name string, plugin Plugin, longRunning bool) error {
	if name == "" {
		return errors.New("command name is required")
	}
	if plugin == nil {
		return fmt.Errorf("command %s: plugin is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
	}
	r.entries[name] = Entry{Name: name, Plugin: plugin, LongRunning: longRunning}
	return nil
}

// Lookup returns the entry for name.
func (r *Registry) Lookup(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return e, nil
}

// Names returns the registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
