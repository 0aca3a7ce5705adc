package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeNodePolicy(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]any
		want    nodePolicy
		wantErr bool
	}{
		{name: "empty", config: nil},
		{name: "unrelated keys", config: map[string]any{"url": "http://x"}},
		{
			name:   "map retry and duration string",
			config: map[string]any{"retry": map[string]any{"max_attempts": 3}, "timeout": "1500ms"},
			want:   nodePolicy{Retry: retryPolicy{MaxAttempts: 3}, Timeout: 1500 * time.Millisecond},
		},
		{
			name:   "bare number from JSON",
			config: map[string]any{"retry": float64(5)},
			want:   nodePolicy{Retry: retryPolicy{MaxAttempts: 5}},
		},
		{
			name:   "bare int",
			config: map[string]any{"retry": 2},
			want:   nodePolicy{Retry: retryPolicy{MaxAttempts: 2}},
		},
		{
			name:    "bad duration",
			config:  map[string]any{"timeout": "soon"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeNodePolicy(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
