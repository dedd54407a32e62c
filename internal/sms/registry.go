package sms

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps provider ids to providers. Providers cannot be removed.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Register(provider Provider) error {
	if provider == nil {
		return fmt.Errorf("sms: provider is nil")
	}
	id := normalizeID(provider.ID())
	if id == "" {
		return fmt.Errorf("sms: provider id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("sms: provider already registered: %s", id)
	}
	r.providers[id] = provider
	return nil
}

func (r *Registry) Get(providerID string) (Provider, error) {
	id := normalizeID(providerID)
	r.mu.RLock()
	provider, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, providerID)
	}
	return provider, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) RegisterFactory(providerID string, factory Factory) error {
	id := normalizeID(providerID)
	if id == "" {
		return fmt.Errorf("sms: provider id is required")
	}
	if factory == nil {
		return fmt.Errorf("sms: factory for %s is nil", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("sms: factory already registered: %s", id)
	}
	r.factories[id] = factory
	return nil
}

// Build constructs a provider through its factory and registers it. The
// result is checked before registration since factories run on config input.
func (r *Registry) Build(providerID string, settings Settings) (Provider, error) {
	id := normalizeID(providerID)
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sms: no factory for provider %q", providerID)
	}

	provider, err := factory(settings)
	if err != nil {
		return nil, fmt.Errorf("sms: build provider %s: %w", id, err)
	}
	if provider == nil {
		return nil, fmt.Errorf("sms: factory for %s returned nil provider", id)
	}
	if built := normalizeID(provider.ID()); built != id {
		return nil, fmt.Errorf("sms: factory for %s built provider %q", id, built)
	}
	if err := r.Register(provider); err != nil {
		return nil, err
	}
	return provider, nil
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
