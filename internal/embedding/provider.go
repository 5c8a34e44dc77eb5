// Package embedding wraps an embedding provider with deterministic
// caching, batching, retry, and cost accounting. When no provider is
// configured the service synthesizes deterministic pseudo-embeddings,
// so search and storage stay exercisable in tests and offline runs.
package embedding

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/scrypster/memento/pkg/types"
)

// Provider turns text into vectors. Implementations must preserve
// input order in the returned slice.
type Provider interface {
	Kind() string
	Dimensions() int
	Embed(ctx context.Context, texts []string) ([][]float32, types.EmbeddingUsage, error)
	HealthCheck(ctx context.Context) error
}

// Registry holds named embedding providers. Thread-safe.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under the given name. Overwrites if exists.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	r.providers[name] = p
	r.mu.Unlock()
	log.Info().Str("name", name).Str("kind", p.Kind()).Int("dims", p.Dimensions()).Msg("embedding provider registered")
}

// Get returns the provider by name, or an error if not found.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("embedding provider not found: %s", name)
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
