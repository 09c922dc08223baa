package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNewLogger_FileOutputWithSessionFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.WithSessionID("s1").WithRun("run-1", "sonnet").Info("agent run streamed", zap.String("message_id", "m1"))
	require.NoError(t, log.Sync())

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "info", e["level"])
	assert.Equal(t, "agent run streamed", e["msg"])
	assert.Equal(t, "s1", e["session_id"])
	assert.Equal(t, "run-1", e["run_id"])
	assert.Equal(t, "sonnet", e["model_id"])
	assert.Equal(t, "m1", e["message_id"])
	assert.Contains(t, e, "timestamp")
	assert.Contains(t, e["caller"], "logger_test.go")
}

func TestNewLogger_UnknownLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	log, err := NewLogger(LoggingConfig{Level: "chatty", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Warn("shown")
	require.NoError(t, log.Sync())

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "shown", entries[0]["msg"])
}

func TestNewLogger_BadOutputPath(t *testing.T) {
	_, err := NewLogger(LoggingConfig{OutputPath: filepath.Join(t.TempDir(), "missing", "agent.log")})
	require.Error(t, err)
}
