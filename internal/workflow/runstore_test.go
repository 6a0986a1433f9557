package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/repoflow/internal/flowerr"
)

func TestRunStore_SnapshotsAreIsolated(t *testing.T) {
	s := NewRunStore()
	s.Put(&Run{ID: "r1", WorkflowID: "w", Status: RunRunning, OutputByStep: map[string]any{}})

	got, err := s.Get("r1")
	require.NoError(t, err)
	got.OutputByStep["x"] = 1
	got.Logs = append(got.Logs, LogEntry{Message: "local"})

	again, err := s.Get("r1")
	require.NoError(t, err)
	assert.Empty(t, again.OutputByStep)
	assert.Empty(t, again.Logs)

	_, err = s.Get("nope")
	assert.ErrorIs(t, err, flowerr.ErrNotFound)
}

func TestRun_FinishIsOneWay(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := &Run{Status: RunRunning}

	assert.False(t, r.finish(RunRunning, "", at))
	assert.True(t, r.finish(RunFailed, "boom", at))
	assert.False(t, r.finish(RunOK, "", at.Add(time.Hour)))

	assert.Equal(t, RunFailed, r.Status)
	assert.Equal(t, "boom", r.Error)
	assert.Equal(t, at, *r.FinishedAt)
}

func TestRunStore_ListNewestFirst(t *testing.T) {
	s := NewRunStore()
	base := time.Now()
	s.Put(&Run{ID: "old", WorkflowID: "a", StartedAt: base})
	s.Put(&Run{ID: "new", WorkflowID: "a", StartedAt: base.Add(time.Minute)})
	s.Put(&Run{ID: "other", WorkflowID: "b", StartedAt: base.Add(time.Hour)})

	runs := s.List("a")
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, "old", runs[1].ID)
	assert.Len(t, s.List(""), 3)
}
