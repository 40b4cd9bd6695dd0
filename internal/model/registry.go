package model

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Factory builds a fresh TokenModel instance. Instances may share read-only
// weights but must not share mutable state such as a KV cache.
type Factory func() (TokenModel, error)

// Registry maps model ids to factories. Every Open returns a new loaded
// instance, so each request owns its models.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Register(id string, f Factory) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("model id is required")
	}
	if f == nil {
		return fmt.Errorf("model %q: factory is required", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[id]; ok {
		return fmt.Errorf("model %q already registered", id)
	}
	r.factories[id] = f
	return nil
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.TrimSpace(id)]
	return ok
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Open builds and loads a new instance of the model registered under id.
// The caller owns the instance and must Unload it.
func (r *Registry) Open(ctx context.Context, id string) (TokenModel, error) {
	id = strings.TrimSpace(id)
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("model %q not registered", id)
	}
	m, err := f()
	if err != nil {
		return nil, fmt.Errorf("build model %q: %w", id, err)
	}
	if err := m.Load(ctx); err != nil {
		return nil, fmt.Errorf("load model %q: %w", id, err)
	}
	return m, nil
}
