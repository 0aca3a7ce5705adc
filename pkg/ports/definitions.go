package ports

import (
	"context"

	"github.com/aretw0/lattice/pkg/domain"
)

// DefinitionRepository is the durable backing store of the definition registry.
type DefinitionRepository interface {
	// FindByID returns domain.ErrDefinitionNotFound when (tenantID, id) is unknown.
	FindByID(ctx context.Context, tenantID, id string) (*domain.WorkflowDefinition, error)

	// Save persists the definition for the tenant and returns the stored value.
	Save(ctx context.Context, tenantID string, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error)

	// FindByTenant lists the tenant's definitions ordered by ID.
	FindByTenant(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.WorkflowDefinition, error)
}
