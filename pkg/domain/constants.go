package domain

// Reserved keys of NodeDefinition.Config read by the engine itself.
// Everything else in the map belongs to the node executor.
const (
	// KeyCompensation holds the compensation-handler reference: either a
	// handler name or a map with "handler" and optional "args".
	KeyCompensation = "compensation"

	// KeyRetry holds the retry policy, e.g. {"max_attempts": 3}.
	KeyRetry = "retry"

	// KeyTimeout holds a per-attempt execution timeout (duration string).
	KeyTimeout = "timeout"

	// KeyIdempotency is the context key under which the executor receives a
	// deterministic idempotency key for the current attempt.
	KeyIdempotency = "idempotency_key"
)
