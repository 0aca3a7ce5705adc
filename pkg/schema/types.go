package schema

import (
	"fmt"
	"reflect"
	"strings"
)

// Type validates one field value.
type Type interface {
	// Name returns the type string the type was parsed from (e.g. "string", "[int]").
	Name() string
	// Validate checks if a value conforms to this type.
	Validate(value any) error
}

type scalarType struct {
	name  string
	check func(any) bool
}

func (t *scalarType) Name() string { return t.name }

func (t *scalarType) Validate(value any) error {
	if !t.check(value) {
		return fmt.Errorf("expected %s, got %T", t.name, value)
	}
	return nil
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func isBool(v any) bool {
	_, ok := v.(bool)
	return ok
}

func isInt(v any) bool {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		// JSON decodes every number as float64.
		return n == float64(int64(n))
	}
	return false
}

func isFloat(v any) bool {
	switch v.(type) {
	case float32, float64:
		return true
	}
	return isInt(v)
}

func isObject(v any) bool {
	return v != nil && reflect.TypeOf(v).Kind() == reflect.Map
}

// String creates a string type validator.
func String() Type { return &scalarType{name: "string", check: isString} }

// Int creates an integer type validator.
func Int() Type { return &scalarType{name: "int", check: isInt} }

// Float creates a number type validator; integers are accepted.
func Float() Type { return &scalarType{name: "float", check: isFloat} }

// Bool creates a boolean type validator.
func Bool() Type { return &scalarType{name: "bool", check: isBool} }

// Object accepts any map, as decoded from a JSON object.
func Object() Type { return &scalarType{name: "object", check: isObject} }

// Any accepts every present value, including null.
func Any() Type { return &scalarType{name: "any", check: func(any) bool { return true }} }

type sliceType struct {
	elem Type
}

// Slice creates a slice type validator for elements of the given type.
func Slice(elem Type) Type { return &sliceType{elem: elem} }

func (t *sliceType) Name() string { return "[" + t.elem.Name() + "]" }

func (t *sliceType) Validate(value any) error {
	if value == nil {
		return fmt.Errorf("expected %s, got nil", t.Name())
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return fmt.Errorf("expected %s, got %T", t.Name(), value)
	}
	for i := 0; i < rv.Len(); i++ {
		if err := t.elem.Validate(rv.Index(i).Interface()); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	return nil
}

type optionalType struct {
	Type
}

// Optional marks a field that may be absent. A present value must still match.
func Optional(t Type) Type { return &optionalType{Type: t} }

func (t *optionalType) Name() string { return t.Type.Name() + "?" }

// IsOptional reports whether a missing field of this type is accepted.
func IsOptional(t Type) bool {
	_, ok := t.(*optionalType)
	return ok
}

// Custom creates a custom type validator with a user-defined function.
func Custom(name string, validate func(any) error) Type {
	return &customType{name: name, validate: validate}
}

type customType struct {
	name     string
	validate func(any) error
}

func (t *customType) Name() string { return t.name }

func (t *customType) Validate(value any) error { return t.validate(value) }

// ParseType converts a type string such as "int", "[string]" or "object?" to a Type.
func ParseType(typeStr string) (Type, error) {
	s := strings.TrimSpace(typeStr)
	if base, ok := strings.CutSuffix(s, "?"); ok {
		t, err := ParseType(base)
		if err != nil {
			return nil, err
		}
		if IsOptional(t) {
			return nil, fmt.Errorf("unsupported type: %s", typeStr)
		}
		return Optional(t), nil
	}

	if len(s) > 2 && s[0] == '[' && s[len(s)-1] == ']' {
		elem, err := ParseType(s[1 : len(s)-1])
		if err != nil {
			return nil, err
		}
		if IsOptional(elem) {
			return nil, fmt.Errorf("unsupported type: %s", typeStr)
		}
		return Slice(elem), nil
	}

	switch s {
	case "string":
		return String(), nil
	case "int":
		return Int(), nil
	case "float":
		return Float(), nil
	case "bool":
		return Bool(), nil
	case "object":
		return Object(), nil
	case "any":
		return Any(), nil
	}
	return nil, fmt.Errorf("unsupported type: %s", typeStr)
}
