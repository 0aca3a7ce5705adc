package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_RenamesErrorKey(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, FormatText)

	logger.Info("append failed", "error", errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, "err=boom")
	assert.NotContains(t, out, "error=boom")
}

func TestNewWithWriter_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelWarn, FormatJSON)

	logger.Info("hidden")
	logger.Warn("visible", "run_id", "r-1")

	out := strings.TrimSpace(buf.String())
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"), "expected JSON output, got %q", out)
	assert.Contains(t, out, `"run_id":"r-1"`)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
