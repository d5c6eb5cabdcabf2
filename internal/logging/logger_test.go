package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLoggerWritesConsoleAndJSONFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "ratchet.log")
	logger, err := New(Options{Level: "info", Path: path, Console: &console})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("transition applied", zap.String("work_item", "wi-1"))
	require.NoError(t, logger.Close())

	assert.Contains(t, console.String(), "transition applied")
	assert.NotContains(t, console.String(), "hidden")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "transition applied", entry["msg"])
	assert.Equal(t, "wi-1", entry["work_item"])
	assert.Equal(t, "info", entry["level"])
}

func TestLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ratchet.log")
	for i := 0; i < 2; i++ {
		logger, err := New(Options{Path: path, Console: &bytes.Buffer{}})
		require.NoError(t, err)
		logger.Warn("again")
		require.NoError(t, logger.Close())
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "again"))
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)

	_, err = New(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestNopLoggerCloses(t *testing.T) {
	logger := NewNop()
	logger.Info("dropped")
	assert.NoError(t, logger.Close())
}
