package llm

import (
	"fmt"
	"log/slog"
	"sync"

	"council/internal/domain"
	"council/internal/infra/config"
)

// Registry holds named model providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.ModelProvider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]domain.ModelProvider),
	}
}

// Register adds a provider. Returns an error if the name is taken.
func (r *Registry) Register(provider domain.ModelProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = provider
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (domain.ModelProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrNotFound, "provider "+name)
	}
	return p, nil
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// BuildRegistry constructs providers from configuration, wrapping each
// with a circuit breaker when enabled.
func BuildRegistry(cfgs []config.ProviderConfig, logger *slog.Logger) (*Registry, error) {
	registry := NewRegistry()

	for _, cfg := range cfgs {
		var provider domain.ModelProvider
		var err error

		switch cfg.Type {
		case "anthropic":
			provider = NewAnthropicProvider(cfg, logger)
		case "bedrock":
			provider, err = NewBedrockProvider(cfg, logger)
		default:
			err = fmt.Errorf("unknown provider type %q", cfg.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("build provider %q: %w", cfg.Name, err)
		}

		if cfg.Breaker.Enabled {
			provider = NewCircuitBreakerProvider(provider, cfg.Breaker, logger)
		}

		if err := registry.Register(provider); err != nil {
			return nil, err
		}
	}

	return registry, nil
}
