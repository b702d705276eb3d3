package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendess/jobforge/pkg/job"
)

func TestCheckVersionInsertConflictsWhenAlreadyExists(t *testing.T) {
	assert.ErrorIs(t, CheckVersion(0, 0, true), ErrConcurrentJobModification)
	assert.NoError(t, CheckVersion(0, 0, false))
}

func TestCheckVersionUpdateConflictsOnMismatch(t *testing.T) {
	assert.ErrorIs(t, CheckVersion(2, 3, true), ErrConcurrentJobModification)
	assert.ErrorIs(t, CheckVersion(2, 2, false), ErrConcurrentJobModification)
	assert.NoError(t, CheckVersion(2, 2, true))
}

func TestBatchConflictsCollectsAllFailures(t *testing.T) {
	var bc BatchConflicts
	j1 := job.NewJob(job.Details{ClassName: "A", MethodName: "M"}, time.Unix(1, 0))
	j2 := job.NewJob(job.Details{ClassName: "B", MethodName: "M"}, time.Unix(2, 0))

	assert.NoError(t, bc.Err("memstore", "SaveBatch"))

	bc.Add(j1)
	bc.Add(j2)

	err := bc.Err("memstore", "SaveBatch")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConcurrentJobModification))
	assert.ElementsMatch(t, []*job.Job{j1, j2}, Conflicts(err))
}

func TestDiagnoseUnresolvedBoundsStateHistory(t *testing.T) {
	local := job.NewJob(job.Details{ClassName: "A", MethodName: "M"}, time.Unix(1, 0))
	local.Transition(job.StateEnqueued, time.Unix(2, 0), nil)
	local.Transition(job.StateProcessing, time.Unix(3, 0), nil)
	local.Transition(job.StateSucceeded, time.Unix(4, 0), nil)

	stored := local.Clone()
	stored.Version = 5

	diags := DiagnoseUnresolved([]ConflictPair{{JobID: local.ID.String(), Local: local, Stored: stored}})

	require.Len(t, diags, 1)
	assert.Equal(t, int64(0), diags[0].LocalVersion)
	assert.Equal(t, int64(5), diags[0].StoredVersion)
	assert.Len(t, diags[0].LocalStates, 3)
	assert.Equal(t, job.StateSucceeded, diags[0].LocalStates[0].State)
}
