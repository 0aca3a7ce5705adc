package schema

import (
	"fmt"
	"sort"
)

// Schema is a map of field names to their expected types.
type Schema map[string]Type

// ParseTypeMap converts a map of field names to type strings into a Schema.
func ParseTypeMap(typeMap map[string]string) (Schema, error) {
	result := make(Schema, len(typeMap))
	for _, key := range sortedKeys(typeMap) {
		t, err := ParseType(typeMap[key])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		result[key] = t
	}
	return result, nil
}

// Validate checks data against the schema and reports every failing field, in
// field name order. Fields the schema does not name are allowed.
func Validate(schema Schema, data map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	var errs []error
	for _, name := range sortedKeys(schema) {
		fieldType := schema[name]
		value, exists := data[name]
		if !exists {
			if !IsOptional(fieldType) {
				errs = append(errs, &ValidationError{Key: name, Reason: "required"})
			}
			continue
		}
		if err := fieldType.Validate(value); err != nil {
			errs = append(errs, &ValidationError{Key: name, Reason: err.Error(), Value: value, Err: err})
		}
	}

	if len(errs) > 0 {
		return &AggregateError{Errors: errs}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
