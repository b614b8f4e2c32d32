package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerWritesFieldsAndCaller(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := New(buf, "info").With(String("comp", "test"))
	log.Debug("hidden")
	log.Warn("careful", Int("n", 3), Err(errors.New("boom")), Err(nil))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "careful", lines[0]["message"])
	assert.Equal(t, "test", lines[0]["comp"])
	assert.Equal(t, float64(3), lines[0]["n"])
	assert.Equal(t, "boom", lines[0]["err"])
	assert.True(t, strings.HasPrefix(lines[0]["caller"].(string), "logger_test.go:"))
}

func TestWithDoesNotShareFields(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	base := New(buf, "debug").With(String("a", "1"))
	left := base.With(String("side", "left"))
	right := base.With(String("side", "right"))
	left.Info("x")
	right.Info("y")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "left", lines[0]["side"])
	assert.Equal(t, "right", lines[1]["side"])
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Level
	}{
		{"DEBUG", LevelDebug},
		{" warning ", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"loud", LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in, LevelInfo), tt.in)
	}
}

func TestNopAndEnabled(t *testing.T) {
	t.Parallel()

	assert.False(t, Nop().Enabled(LevelError))
	Nop().Error("dropped")

	log := New(&bytes.Buffer{}, "warn")
	assert.True(t, log.Enabled(LevelError))
	assert.False(t, log.Enabled(LevelInfo))
}
