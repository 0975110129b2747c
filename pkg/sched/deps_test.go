package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/pkg/types"
)

// TestRunTrackerRecord tests run storage and the latest-terminal marker
func TestRunTrackerRecord(t *testing.T) {
	tr := NewRunTracker()

	run := &types.JobRun{ID: "r1", Job: "extract", State: types.JobRunRunning}
	tr.Record(run)

	got, ok := tr.Run("r1")
	require.True(t, ok)
	assert.Equal(t, types.JobRunRunning, got.State)

	_, ok = tr.LatestTerminal("extract")
	assert.False(t, ok, "a running run is not terminal")

	run.State = types.JobRunSucceeded
	tr.Record(run)

	latest, ok := tr.LatestTerminal("extract")
	require.True(t, ok)
	assert.Equal(t, "r1", latest.ID)

	// A newer terminal run replaces the marker
	tr.Record(&types.JobRun{ID: "r2", Job: "extract", State: types.JobRunFailed})
	latest, _ = tr.LatestTerminal("extract")
	assert.Equal(t, "r2", latest.ID)

	assert.Len(t, tr.Runs("extract"), 2)
}

// TestRunTrackerHistoryBound tests per-job history retention
func TestRunTrackerHistoryBound(t *testing.T) {
	tr := NewRunTracker()
	for i := 0; i < maxRunHistory+20; i++ {
		tr.Record(&types.JobRun{ID: string(rune('a'+i%26)) + string(rune('0'+i/26)), Job: "j", State: types.JobRunSucceeded})
	}
	assert.Len(t, tr.Runs("j"), maxRunHistory)
}

// TestRunTrackerReady tests dependency satisfaction per mode
func TestRunTrackerReady(t *testing.T) {
	tr := NewRunTracker()

	onSuccess := &types.JobDef{Name: "load", DependsOn: []string{"extract"}, DependencyState: types.DepSuccess}
	onCompletion := &types.JobDef{Name: "report", DependsOn: []string{"extract"}, DependencyState: types.DepCompletion}
	onFailure := &types.JobDef{Name: "alert", DependsOn: []string{"extract"}, DependencyState: types.DepFailure}

	assert.False(t, tr.Ready(onSuccess), "no upstream run yet")
	assert.False(t, tr.Ready(onCompletion))
	assert.False(t, tr.Ready(onFailure))

	tr.Record(&types.JobRun{ID: "r1", Job: "extract", State: types.JobRunFailed})
	assert.False(t, tr.Ready(onSuccess))
	assert.True(t, tr.Ready(onCompletion))
	assert.True(t, tr.Ready(onFailure))

	tr.Record(&types.JobRun{ID: "r2", Job: "extract", State: types.JobRunSucceeded})
	assert.True(t, tr.Ready(onSuccess))
	assert.True(t, tr.Ready(onCompletion))
	assert.False(t, tr.Ready(onFailure))
}

// TestRunTrackerBlockRelease tests that blocked runs release once their
// dependencies resolve, in trigger order
func TestRunTrackerBlockRelease(t *testing.T) {
	tr := NewRunTracker()

	load := &types.JobDef{Name: "load", DependsOn: []string{"extract"}, DependencyState: types.DepSuccess}
	jobs := map[string]*types.JobDef{"load": load}
	lookup := func(name string) (*types.JobDef, bool) {
		j, ok := jobs[name]
		return j, ok
	}

	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	second := &types.JobRun{ID: "b", Job: "load", TriggeredAt: base.Add(time.Minute)}
	first := &types.JobRun{ID: "a", Job: "load", TriggeredAt: base}
	tr.Record(second)
	tr.Record(first)
	tr.Block(second)
	tr.Block(first)

	assert.Equal(t, types.JobRunBlocked, first.State)
	assert.Equal(t, 2, tr.BlockedCount())

	// Dependency still unsatisfied, nothing releases
	assert.Empty(t, tr.ReleaseReady(lookup))
	assert.Equal(t, 2, tr.BlockedCount())

	tr.Record(&types.JobRun{ID: "up", Job: "extract", State: types.JobRunSucceeded})

	released := tr.ReleaseReady(lookup)
	require.Len(t, released, 2)
	assert.Equal(t, "a", released[0].ID, "earliest trigger releases first")
	assert.Equal(t, "b", released[1].ID)
	assert.Equal(t, types.JobRunReady, released[0].State)
	assert.Equal(t, 0, tr.BlockedCount())
}

// TestRunTrackerReleaseDropsVanished tests that runs of deleted jobs are
// discarded instead of released
func TestRunTrackerReleaseDropsVanished(t *testing.T) {
	tr := NewRunTracker()
	tr.Block(&types.JobRun{ID: "r", Job: "gone"})

	released := tr.ReleaseReady(func(string) (*types.JobDef, bool) { return nil, false })
	assert.Empty(t, released)
	assert.Equal(t, 0, tr.BlockedCount())
}
