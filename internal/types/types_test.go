package types

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	id := NewID()
	require.NoError(t, id.Validate())
	assert.False(t, id.IsZero())

	other := NewID()
	assert.NotEqual(t, id, other)
}

func TestParseID(t *testing.T) {
	id := NewID()
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseID("")
	assert.Error(t, err)

	_, err = ParseID("not-a-uuid")
	assert.Error(t, err)
}

func TestID_JSONRoundTrip(t *testing.T) {
	id := NewID()
	data, err := json.Marshal(id)
	require.NoError(t, err)

	var decoded ID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id, decoded)

	var zero ID
	data, err = json.Marshal(zero)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestWaymarkError_Error(t *testing.T) {
	err := NewError(SESSION_NOT_FOUND, "no such session")
	assert.Equal(t, "[SESSION_NOT_FOUND] no such session", err.Error())

	wrapped := WrapError(SESSION_FLUSH_FAILED, "flush failed", errors.New("disk full"))
	assert.Equal(t, "[SESSION_FLUSH_FAILED] flush failed: disk full", wrapped.Error())
	assert.Equal(t, "disk full", wrapped.Unwrap().Error())
}

func TestWaymarkError_IsMatchesByCode(t *testing.T) {
	a := NewError(SESSION_CONFLICT, "version conflict on s1")
	b := NewError(SESSION_CONFLICT, "different message")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, NewError(SESSION_NOT_FOUND, "x")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewRetryableError(DB_CONNECTION_LOST, "transient")))
	assert.False(t, IsRetryable(NewError(EXEC_AUTH_EXPIRED, "fatal")))
	assert.False(t, IsRetryable(errors.New("plain")))

	wrapped := WrapRetryableError(SESSION_BACKING_OFFLINE, "outer", errors.New("inner"))
	assert.True(t, IsRetryable(wrapped))
}

func TestRunStatus_IsTerminal(t *testing.T) {
	assert.True(t, RunStatusCompleted.IsTerminal())
	assert.True(t, RunStatusExhausted.IsTerminal())
	assert.True(t, RunStatusError.IsTerminal())
	assert.False(t, RunStatusAwaitingApproval.IsTerminal())
	assert.False(t, RunStatusSuspended.IsTerminal())
	assert.False(t, RunStatusNeedsReviewer.IsTerminal())
}

func TestRunStatus_UnmarshalRejectsUnknown(t *testing.T) {
	var s RunStatus
	err := json.Unmarshal([]byte(`"paused"`), &s)
	assert.Error(t, err)

	require.NoError(t, json.Unmarshal([]byte(`"needs_reviewer"`), &s))
	assert.Equal(t, RunStatusNeedsReviewer, s)
}
