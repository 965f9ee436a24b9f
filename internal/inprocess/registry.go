package inprocess

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/kernelctl/internal/kernel"
	"github.com/danmuck/kernelctl/internal/manager"
)

var ErrUnknownKernel = errors.New("inprocess: unknown kernel name")

// DefaultKernelName is used when a launch names no kernel.
const DefaultKernelName = "shell"

// Registry maps kernel names to engine factories.
type Registry struct {
	mu   sync.RWMutex
	repo map[string]EngineFactory
}

func NewRegistry() *Registry {
	return &Registry{repo: make(map[string]EngineFactory)}
}

// DefaultRegistry serves the shell engine as "shell".
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(DefaultKernelName, ShellEngine)
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repo[name] = f
}

func (r *Registry) Get(name string) (EngineFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.repo[name]
	return f, ok
}

// Names returns the registered kernel names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.repo))
	for name := range r.repo {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Factory resolves each launch by its kernel name.
func (r *Registry) Factory() EngineFactory {
	return func(spec manager.LaunchSpec) (kernel.Engine, error) {
		name := spec.KernelName
		if name == "" {
			name = DefaultKernelName
		}
		f, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKernel, name)
		}
		return f(spec)
	}
}
