package schemas

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunStatusPending.Terminal())
	assert.False(t, RunStatusRunning.Terminal())
	assert.True(t, RunStatusCompleted.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
}

func TestRunSerialization(t *testing.T) {
	run := Run{
		ID:     "run-1",
		Type:   RunTypeSimilar,
		Input:  "edm_seed",
		Status: RunStatusPending,
		Stats:  RunStats{},
	}

	data, err := json.Marshal(run)
	require.NoError(t, err)

	// Unfinished runs must not advertise a completion time.
	assert.NotContains(t, string(data), "completed_at")
	assert.Contains(t, string(data), `"status":"pending"`)

	var decoded Run
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, run.ID, decoded.ID)
	assert.Equal(t, run.Type, decoded.Type)
}
