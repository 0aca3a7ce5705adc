package file

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aretw0/lattice/internal/codec"
	"github.com/aretw0/lattice/pkg/domain"
	"gopkg.in/yaml.v3"
)

// DefaultTenant names the directory used for definitions saved without a tenant.
const DefaultTenant = "default"

var definitionExts = []string{".yaml", ".yml", ".json"}

// Definitions implements ports.DefinitionRepository over a directory tree laid out as
// <root>/<tenant>/<definition id>.{yaml,yml,json}. Saved definitions are written as YAML.
type Definitions struct {
	Root string
}

// NewDefinitions creates a repository rooted at dir.
func NewDefinitions(dir string) *Definitions {
	return &Definitions{Root: dir}
}

func tenantDir(tenantID string) string {
	if tenantID == "" {
		return DefaultTenant
	}
	return tenantID
}

// FindByID reads the definition file of (tenantID, id).
func (d *Definitions) FindByID(ctx context.Context, tenantID, id string) (*domain.WorkflowDefinition, error) {
	if err := checkName("tenant", tenantDir(tenantID)); err != nil {
		return nil, err
	}
	if err := checkName("definition id", id); err != nil {
		return nil, err
	}

	dir := filepath.Join(d.Root, tenantDir(tenantID))
	for _, ext := range definitionExts {
		def, err := ReadDefinition(filepath.Join(dir, id+ext))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		def.TenantID = tenantID
		return def, nil
	}
	return nil, domain.ErrDefinitionNotFound
}

// Save writes the definition as YAML under the tenant directory.
func (d *Definitions) Save(ctx context.Context, tenantID string, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	if err := checkName("tenant", tenantDir(tenantID)); err != nil {
		return nil, err
	}
	if err := checkName("definition id", def.ID); err != nil {
		return nil, err
	}

	stored := def.Clone()
	stored.TenantID = tenantID

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(stored); err != nil {
		return nil, fmt.Errorf("failed to encode definition %s: %w", def.ID, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}

	dir := filepath.Join(d.Root, tenantDir(tenantID))
	if err := writeAtomic(dir, filepath.Join(dir, def.ID+".yaml"), buf.Bytes()); err != nil {
		return nil, err
	}
	// The YAML file is now the only copy.
	for _, ext := range definitionExts[1:] {
		_ = os.Remove(filepath.Join(dir, def.ID+ext))
	}
	return stored, nil
}

// FindByTenant lists the tenant's definitions ordered by ID.
func (d *Definitions) FindByTenant(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.WorkflowDefinition, error) {
	if err := checkName("tenant", tenantDir(tenantID)); err != nil {
		return nil, err
	}

	dir := filepath.Join(d.Root, tenantDir(tenantID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*domain.WorkflowDefinition{}, nil
		}
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}

	seen := make(map[string]bool)
	out := []*domain.WorkflowDefinition{}
	for _, entry := range entries {
		name := entry.Name()
		ext := filepath.Ext(name)
		id := strings.TrimSuffix(name, ext)
		if entry.IsDir() || strings.HasPrefix(name, "tmp-") || !isDefinitionExt(ext) || seen[id] {
			continue
		}
		seen[id] = true

		def, err := d.FindByID(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		if activeOnly && !def.Active {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func isDefinitionExt(ext string) bool {
	for _, e := range definitionExts {
		if e == ext {
			return true
		}
	}
	return false
}

// ReadDefinition loads a single definition file. The format follows the extension:
// .json is decoded as JSON, anything else as YAML.
func ReadDefinition(path string) (*domain.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := DecodeDefinition(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

// DecodeDefinition parses a definition document. Documents that omit them are
// active and at version 1.
func DecodeDefinition(data []byte, ext string) (*domain.WorkflowDefinition, error) {
	def := domain.WorkflowDefinition{Active: true, Version: 1}
	if strings.EqualFold(ext, ".json") {
		if err := codec.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to decode definition: %w", err)
		}
		return &def, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to decode definition: %w", err)
	}
	return &def, nil
}
