package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer

	log, err := NewWithWriter(&buf, true, "info")
	require.NoError(t, err)
	log.Debugw("hidden")
	log.Infow("Sweep finished", "resumed", 2)
	require.NoError(t, log.Sync())

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "Sweep finished", line["msg"])
	assert.Equal(t, "info", line["level"])
	assert.EqualValues(t, 2, line["resumed"])
}

func TestNewConsole(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer

	log, err := NewWithWriter(&buf, false, "debug")
	require.NoError(t, err)
	log.Debugw("Re-reading run", "run_id", "r1")
	require.NoError(t, log.Sync())

	assert.Contains(t, buf.String(), "Re-reading run")
	assert.Contains(t, buf.String(), "r1")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	lvl, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)

	lvl, err = ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = ParseLevel("chatty")
	require.Error(t, err)
}
