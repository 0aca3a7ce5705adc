package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Key    string // Field name
	Reason string // Human-readable reason for failure
	Value  any    // The value that failed validation
	Err    error  // The type check failure, nil for missing fields
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Key, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// AggregateError represents multiple validation failures.
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d validation errors: %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *AggregateError) Unwrap() []error { return e.Errors }

// ValidationErrors returns the field failures carried by err, or nil.
func ValidationErrors(err error) []*ValidationError {
	var aggr *AggregateError
	if !errors.As(err, &aggr) {
		return nil
	}
	out := make([]*ValidationError, 0, len(aggr.Errors))
	for _, e := range aggr.Errors {
		var ve *ValidationError
		if errors.As(e, &ve) {
			out = append(out, ve)
		}
	}
	return out
}
