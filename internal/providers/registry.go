package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"voicetype/internal/domain"
	"voicetype/internal/ports"
)

// Factory validates a provider configuration and builds the provider for it.
type Factory func(cfg domain.ProviderConfig) (ports.RecognitionProvider, error)

// Registry maps provider names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a named factory. Names are case-insensitive.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalize(name)] = factory
}

// Resolve returns the provider for cfg.Provider. Unknown names and invalid
// configuration are reported as config errors.
func (r *Registry) Resolve(cfg domain.ProviderConfig) (ports.RecognitionProvider, error) {
	name := normalize(cfg.Provider)
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, domain.NewError(domain.ErrorKindConfig, "resolve provider",
			fmt.Errorf("unknown provider %q (available: %s)", cfg.Provider, strings.Join(r.List(), ", ")))
	}

	provider, err := factory(cfg)
	if err != nil {
		if domain.KindOf(err) == domain.ErrorKindUnknown {
			return nil, domain.NewError(domain.ErrorKindConfig, name, err)
		}
		return nil, err
	}
	return provider, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[normalize(name)]
	return ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
