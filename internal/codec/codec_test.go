package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqual_IgnoresNumericRepresentation(t *testing.T) {
	a := map[string]any{"count": 42, "name": "x"}

	data, err := Marshal(a)
	require.NoError(t, err)

	var b map[string]any
	require.NoError(t, Unmarshal(data, &b))
	assert.IsType(t, float64(0), b["count"])

	eq, err := Equal(a, b)
	require.NoError(t, err)
	assert.True(t, eq)

	b["name"] = "y"
	eq, err = Equal(a, b)
	require.NoError(t, err)
	assert.False(t, eq)
}
