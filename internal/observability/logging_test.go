package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracedLogger_IncludesMissionContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTracedLogger(NewJSONHandler(&buf, slog.LevelDebug), "m-1", "coordinator")

	logger.Info(context.Background(), "stage committed", "stage", "PLAN")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "m-1", record["mission_id"])
	assert.Equal(t, "coordinator", record["agent_name"])
	assert.Equal(t, "PLAN", record["stage"])
}

func TestTracedLogger_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTracedLogger(NewJSONHandler(&buf, slog.LevelDebug), "m-1", "executor")

	logger.Info(context.Background(), "dispatching", "api_key", "sk-123", "toolkit", "crm")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "[REDACTED]", record["api_key"])
	assert.Equal(t, "crm", record["toolkit"])
}

func TestTracedLogger_OmitsEmptyIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTracedLogger(NewJSONHandler(&buf, slog.LevelDebug), "", "")

	logger.Info(context.Background(), "starting up")

	assert.NotContains(t, buf.String(), "mission_id")
	assert.NotContains(t, buf.String(), "agent_name")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("anything-else"))
}
