package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"clawnix/internal/domain"
)

// ErrUnknownPlugin is returned by Registry.New for names with no constructor.
var ErrUnknownPlugin = errors.New("unknown plugin")

// Deps carries what plugin constructors may need from the agent being wired.
type Deps struct {
	AgentName    string
	WorkspaceDir string
	Delegator    domain.Delegator
	Logger       *slog.Logger
}

// Constructor builds one plugin variant.
type Constructor func(deps Deps) (Plugin, error)

// Registry maps configured plugin names to their constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register adds (or replaces) the constructor for name.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = ctor
}

// New builds the plugin registered under name.
func (r *Registry) New(name string, deps Deps) (Plugin, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
	}
	p, err := ctor(deps)
	if err != nil {
		return nil, fmt.Errorf("construct plugin %s: %w", name, err)
	}
	return p, nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[name]
	return ok
}

// Names returns registered variant names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for n := range r.ctors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
