package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatusString(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   string
	}{
		{TaskInitiated, "Initiated"},
		{TaskRunning, "Running"},
		{TaskCompleted, "Completed"},
		{TaskFailed, "Failed"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, string(tt.status))
		})
	}
}

func TestParseTaskStatus(t *testing.T) {
	for _, raw := range []string{"Initiated", "Running", "Completed", "Failed"} {
		status, err := ParseTaskStatus(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, string(status))
	}

	for _, raw := range []string{"", "running", "RUNNING", "Done", " Running", "Queued"} {
		t.Run("reject "+raw, func(t *testing.T) {
			_, err := ParseTaskStatus(raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnknownTaskStatus))
		})
	}
}

func TestCanTransitionTask(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{TaskInitiated, TaskRunning, true},
		{TaskInitiated, TaskCompleted, true},
		{TaskInitiated, TaskFailed, true},
		{TaskInitiated, TaskInitiated, false},
		{TaskRunning, TaskRunning, true},
		{TaskRunning, TaskCompleted, true},
		{TaskRunning, TaskFailed, true},
		{TaskRunning, TaskInitiated, false},
		{TaskCompleted, TaskRunning, false},
		{TaskCompleted, TaskFailed, false},
		{TaskCompleted, TaskCompleted, false},
		{TaskFailed, TaskRunning, false},
		{TaskFailed, TaskCompleted, false},
		{TaskRunning, TaskStatus("Paused"), false},
		{TaskStatus("Paused"), TaskRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransitionTask(tt.from, tt.to))
		})
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, TaskInitiated.Terminal())
	assert.False(t, TaskRunning.Terminal())
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
}

func TestParseExecutors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Executors
		empty   bool
		wantErr bool
	}{
		{name: "absent", raw: "", empty: true},
		{name: "null", raw: "null", empty: true},
		{name: "empty lists", raw: `{"teams": [], "users": []}`, empty: true},
		{name: "numeric ids", raw: `{"teams": [1, 2], "users": [3]}`, want: Executors{Teams: []string{"1", "2"}, Users: []string{"3"}}},
		{name: "string ids", raw: `{"users": ["a1b2"]}`, want: Executors{Users: []string{"a1b2"}}},
		{name: "extra keys ignored", raw: `{"teams": [7], "note": "x"}`, want: Executors{Teams: []string{"7"}}},
		{name: "list document", raw: `[1, 2]`, wantErr: true},
		{name: "string document", raw: `"teams"`, wantErr: true},
		{name: "teams not a list", raw: `{"teams": 5}`, wantErr: true},
		{name: "nested object id", raw: `{"users": [{"id": 1}]}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseExecutors(json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidExecutors))
				return
			}
			require.NoError(t, err)
			if tt.empty {
				assert.True(t, got.Empty())
				return
			}
			assert.Equal(t, tt.want.Teams, got.Teams)
			assert.Equal(t, tt.want.Users, got.Users)
		})
	}
}

func TestPatternInstanceCredential(t *testing.T) {
	inst := PatternInstance{Credentials: map[string]any{"project": float64(12)}}
	assert.Equal(t, float64(12), inst.Credential("project"))
	assert.Nil(t, inst.Credential("ee"))
	assert.Nil(t, PatternInstance{}.Credential("project"))
}

func TestTaskKindModelName(t *testing.T) {
	assert.Equal(t, "Pattern", TaskKindPattern.ModelName())
	assert.Equal(t, "PatternInstance", TaskKindPatternInstance.ModelName())
	assert.Equal(t, "", TaskKind("other").ModelName())
	assert.True(t, AutomationJobTemplate.Valid())
	assert.False(t, AutomationType("workflow").Valid())
}
