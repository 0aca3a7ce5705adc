package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aretw0/lattice/pkg/domain"
)

// Definitions implements ports.DefinitionRepository in memory, keyed by tenant.
type Definitions struct {
	mu   sync.RWMutex
	data map[string]map[string]*domain.WorkflowDefinition
}

// NewDefinitions creates a repository, optionally seeded with definitions for the
// tenant each one names.
func NewDefinitions(seed ...*domain.WorkflowDefinition) *Definitions {
	d := &Definitions{
		data: make(map[string]map[string]*domain.WorkflowDefinition),
	}
	for _, def := range seed {
		d.put(def.TenantID, def)
	}
	return d
}

func (d *Definitions) put(tenantID string, def *domain.WorkflowDefinition) *domain.WorkflowDefinition {
	stored := def.Clone()
	stored.TenantID = tenantID

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.data[tenantID] == nil {
		d.data[tenantID] = make(map[string]*domain.WorkflowDefinition)
	}
	d.data[tenantID][def.ID] = stored
	return stored.Clone()
}

// FindByID returns a copy of the stored definition.
func (d *Definitions) FindByID(ctx context.Context, tenantID, id string) (*domain.WorkflowDefinition, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	def, ok := d.data[tenantID][id]
	if !ok {
		return nil, domain.ErrDefinitionNotFound
	}
	return def.Clone(), nil
}

// Save stores a copy of the definition under the tenant.
func (d *Definitions) Save(ctx context.Context, tenantID string, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	return d.put(tenantID, def), nil
}

// FindByTenant lists the tenant's definitions ordered by ID.
func (d *Definitions) FindByTenant(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.WorkflowDefinition, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*domain.WorkflowDefinition, 0, len(d.data[tenantID]))
	for _, def := range d.data[tenantID] {
		if activeOnly && !def.Active {
			continue
		}
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
