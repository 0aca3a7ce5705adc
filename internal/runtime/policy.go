package runtime

import (
	"fmt"
	"time"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/mitchellh/mapstructure"
)

// nodePolicy is the part of a node's config the engine itself interprets.
type nodePolicy struct {
	Retry   retryPolicy   `mapstructure:"retry"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type retryPolicy struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// decodeNodePolicy reads the retry and timeout keys. "retry" may be a bare number
// (max attempts) or a map; "timeout" is a duration string such as "30s".
func decodeNodePolicy(config map[string]any) (nodePolicy, error) {
	var p nodePolicy
	if len(config) == 0 {
		return p, nil
	}

	subset := make(map[string]any, 2)
	if v, ok := config[domain.KeyRetry]; ok {
		switch n := v.(type) {
		case int, int64, float64, uint64:
			subset["retry"] = map[string]any{"max_attempts": n}
		default:
			subset["retry"] = v
		}
	}
	if v, ok := config[domain.KeyTimeout]; ok {
		subset["timeout"] = v
	}
	if len(subset) == 0 {
		return p, nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &p,
	})
	if err != nil {
		return p, err
	}
	if err := dec.Decode(subset); err != nil {
		return p, fmt.Errorf("invalid node policy: %w", err)
	}
	return p, nil
}
