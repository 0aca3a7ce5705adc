package runtime

import (
	"fmt"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/schema"
)

// validateInput checks run input against the definition's declared inputs.
func validateInput(def *domain.WorkflowDefinition, input map[string]any) error {
	if len(def.Inputs) == 0 {
		return nil
	}
	s, err := schema.ParseTypeMap(def.Inputs)
	if err != nil {
		return fmt.Errorf("%w: definition %s: %v", domain.ErrInvalidDefinition, def.ID, err)
	}
	if err := schema.Validate(s, input); err != nil {
		return fmt.Errorf("%w for %s: %w", domain.ErrInvalidInput, def.ID, err)
	}
	return nil
}
