package domain

import "time"

// CompensationState tracks saga progress separately from normal run state.
type CompensationState struct {
	Strategy    CompensationStrategy `json:"strategy"`
	Pending     []string             `json:"pending"`
	Compensated []string             `json:"compensated"`
	Failed      map[string]string    `json:"failed,omitempty"`
	Success     bool                 `json:"success"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  time.Time            `json:"finished_at,omitzero"`
}

// Finished reports whether the saga has reached its final outcome.
func (s *CompensationState) Finished() bool {
	return !s.FinishedAt.IsZero()
}

// CompensationFailure is one failed compensation step.
type CompensationFailure struct {
	NodeID string `json:"node_id"`
	Error  string `json:"error"`
}

// CompensationResult is the outcome of a single coordinator invocation.
type CompensationResult struct {
	Success  bool                 `json:"success"`
	Strategy CompensationStrategy `json:"strategy,omitempty"`

	// Order is the reverse completion order the coordinator worked from.
	Order []string `json:"order,omitempty"`

	Compensated []string              `json:"compensated,omitempty"`
	Failures    []CompensationFailure `json:"failures,omitempty"`

	// Skipped lists nodes never attempted because a sequential unwind stopped early.
	Skipped []string `json:"skipped,omitempty"`
}

// Failed returns the IDs of nodes whose compensation failed.
func (r CompensationResult) Failed() []string {
	ids := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		ids = append(ids, f.NodeID)
	}
	return ids
}

// Err converts a failed result into a *CompensationError, or nil on success.
func (r CompensationResult) Err(runID string) error {
	if r.Success {
		return nil
	}
	failures := make(map[string]string, len(r.Failures))
	for _, f := range r.Failures {
		failures[f.NodeID] = f.Error
	}
	return &CompensationError{RunID: runID, Failures: failures}
}
