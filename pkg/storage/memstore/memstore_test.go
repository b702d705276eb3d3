package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/time/rate"

	"github.com/mendess/jobforge/pkg/job"
	"github.com/mendess/jobforge/pkg/notify"
	"github.com/mendess/jobforge/pkg/storage"
	"github.com/mendess/jobforge/pkg/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Provider {
		return New(nil, nil)
	})
}

func TestGetByIDsFallsBackToNothingForMissingIDs(t *testing.T) {
	ctx := context.Background()
	s := New(nil, nil)
	j := job.NewJob(job.Details{ClassName: "A", MethodName: "M"}, time.Unix(1, 0))
	require.NoError(t, s.Save(ctx, j))

	out, err := s.GetByIDs(ctx, []string{j.ID.String(), "missing"})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Contains(t, out, j.ID.String())
}

func TestGetJobsBatchUsesBatchGetterCapability(t *testing.T) {
	ctx := context.Background()
	s := New(nil, nil)
	j := job.NewJob(job.Details{ClassName: "A", MethodName: "M"}, time.Unix(1, 0))
	require.NoError(t, s.Save(ctx, j))

	out, err := storage.GetJobsBatch(ctx, s, []string{j.ID.String()})
	require.NoError(t, err)
	assert.Contains(t, out, j.ID.String())
}

func TestSignatureRefcountSurvivesSharedSignatureJobs(t *testing.T) {
	ctx := context.Background()
	s := New(nil, nil)
	details := job.Details{ClassName: "A", MethodName: "M"}

	j1 := job.NewJob(details, time.Unix(1, 0))
	j1.Transition(job.StateEnqueued, time.Unix(1, 0), nil)
	j2 := job.NewJob(details, time.Unix(2, 0))
	j2.Transition(job.StateEnqueued, time.Unix(2, 0), nil)

	require.NoError(t, s.Save(ctx, j1))
	require.NoError(t, s.Save(ctx, j2))

	ok, err := s.Exists(ctx, details, job.StateEnqueued)
	require.NoError(t, err)
	assert.True(t, ok)

	j1.Transition(job.StateProcessing, time.Unix(3, 0), nil)
	require.NoError(t, s.Save(ctx, j1))

	ok, err = s.Exists(ctx, details, job.StateEnqueued)
	require.NoError(t, err)
	assert.True(t, ok, "j2 still occupies ENQUEUED for this signature")

	j2.Transition(job.StateProcessing, time.Unix(4, 0), nil)
	require.NoError(t, s.Save(ctx, j2))

	ok, err = s.Exists(ctx, details, job.StateEnqueued)
	require.NoError(t, err)
	assert.False(t, ok, "no job remains ENQUEUED for this signature")
}

func TestSaveRejectsMixedVersionBatch(t *testing.T) {
	ctx := context.Background()
	s := New(nil, nil)
	existing := job.NewJob(job.Details{ClassName: "A", MethodName: "M"}, time.Unix(1, 0))
	require.NoError(t, s.Save(ctx, existing))

	fresh := job.NewJob(job.Details{ClassName: "B", MethodName: "M"}, time.Unix(2, 0))

	err := s.SaveBatch(ctx, []*job.Job{existing, fresh})
	require.Error(t, err)
	assert.True(t, storage.IsInvalidArgument(err))
}

func TestDispatcherReceivesJobStatsSignalOnSave(t *testing.T) {
	ctx := context.Background()
	dispatcher := notify.NewDispatcher(rate.Inf, nil)
	ch := make(chan struct{}, 1)
	dispatcher.ListenJobStats(ch)

	s := New(dispatcher, nil)
	j := job.NewJob(job.Details{ClassName: "A", MethodName: "M"}, time.Unix(1, 0))
	require.NoError(t, s.Save(ctx, j))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected job stats signal after Save")
	}
}
