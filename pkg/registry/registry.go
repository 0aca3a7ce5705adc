package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/internal/validator"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

type cacheKey struct {
	tenantID string
	id       string
}

type cache map[cacheKey]*domain.WorkflowDefinition

// Registry is the read-through definition cache in front of a DefinitionRepository.
// Readers load an immutable map through an atomic pointer and never lock; writers
// copy the map, change the copy and swap it in under a mutex.
//
// Every Register, Invalidate and Clear bumps gen. A Get that missed the cache only
// stores what it loaded if gen did not move while it was reading the repository.
type Registry struct {
	repo    ports.DefinitionRepository
	entries atomic.Pointer[cache]
	gen     atomic.Uint64
	mu      sync.Mutex // serializes writers
	logger  *slog.Logger
}

// Option configures the Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates a registry backed by repo.
func New(repo ports.DefinitionRepository, opts ...Option) *Registry {
	r := &Registry{
		repo:   repo,
		logger: logging.NewNop(),
	}
	empty := make(cache)
	r.entries.Store(&empty)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the definition for (tenantID, id). Cached definitions are shared and
// must be treated as read-only.
func (r *Registry) Get(ctx context.Context, tenantID, id string) (*domain.WorkflowDefinition, error) {
	key := cacheKey{tenantID: tenantID, id: id}
	if def, ok := (*r.entries.Load())[key]; ok {
		return def, nil
	}

	observed := r.gen.Load()
	def, err := r.repo.FindByID(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, domain.ErrDefinitionNotFound) {
			return nil, fmt.Errorf("definition %s/%s: %w", tenantID, id, domain.ErrDefinitionNotFound)
		}
		return nil, fmt.Errorf("load definition %s/%s: %w", tenantID, id, err)
	}
	if def == nil {
		return nil, fmt.Errorf("definition %s/%s: %w", tenantID, id, domain.ErrDefinitionNotFound)
	}

	def = def.Clone()
	if !r.fill(observed, key, def) {
		r.logger.DebugContext(ctx, "definition changed while loading, not cached", "tenant_id", tenantID, "definition_id", id, "version", def.Version)
		return def, nil
	}
	r.logger.DebugContext(ctx, "definition cached", "tenant_id", tenantID, "definition_id", id, "version", def.Version)
	return def, nil
}

// Register validates def, persists it for tenantID and replaces the cache entry.
func (r *Registry) Register(ctx context.Context, tenantID string, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	if err := validator.ValidateDefinition(def); err != nil {
		return nil, err
	}

	saved, err := r.repo.Save(ctx, tenantID, def)
	if err != nil {
		return nil, fmt.Errorf("save definition %s/%s: %w", tenantID, def.ID, err)
	}

	stored := saved.Clone()
	r.swap(func(c cache) { c[cacheKey{tenantID: tenantID, id: stored.ID}] = stored })
	r.logger.InfoContext(ctx, "definition registered", "tenant_id", tenantID, "definition_id", stored.ID, "version", stored.Version)
	return stored, nil
}

// Invalidate drops the cache entry for (tenantID, id); the next Get reloads it.
func (r *Registry) Invalidate(tenantID, id string) {
	r.swap(func(c cache) { delete(c, cacheKey{tenantID: tenantID, id: id}) })
}

// Clear drops every cached definition.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen.Add(1)
	empty := make(cache)
	r.entries.Store(&empty)
}

// List returns the tenant's definitions straight from the repository.
func (r *Registry) List(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.WorkflowDefinition, error) {
	defs, err := r.repo.FindByTenant(ctx, tenantID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list definitions of %s: %w", tenantID, err)
	}
	return defs, nil
}

// Len reports the number of cached definitions.
func (r *Registry) Len() int {
	return len(*r.entries.Load())
}

// fill stores a loaded definition unless a writer ran since observed.
func (r *Registry) fill(observed uint64, key cacheKey, def *domain.WorkflowDefinition) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen.Load() != observed {
		return false
	}
	next := maps.Clone(*r.entries.Load())
	if next == nil {
		next = make(cache)
	}
	next[key] = def
	r.entries.Store(&next)
	return true
}

// swap applies a write and bumps the generation.
func (r *Registry) swap(change func(cache)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen.Add(1)
	next := maps.Clone(*r.entries.Load())
	if next == nil {
		next = make(cache)
	}
	change(next)
	r.entries.Store(&next)
}
