// Package storagetest is a conformance test suite: Run exercises the
// invariants and concrete scenarios every storage.Provider backend must
// satisfy, so memstore, sqlstore, kvstore, and docstore can all be checked
// against the identical contract instead of each backend growing its own
// divergent notion of "correct".
//
// Grounded on the table-driven, subtest-per-scenario style the teacher's own
// _test.go files use (t.Run per case, testify require/assert for
// assertions), generalized here to run the same cases against a
// caller-supplied factory instead of a single concrete type.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendess/jobforge/pkg/job"
	"github.com/mendess/jobforge/pkg/storage"
)

// Factory constructs a fresh, empty storage.Provider for one test. Run calls
// it once per subtest so cases never observe each other's state.
type Factory func(t *testing.T) storage.Provider

// Run exercises P1-P6 and the six concrete scenarios of spec section 8
// against every provider new returns.
func Run(t *testing.T, new Factory) {
	t.Run("P1_VersionsFormGaplessSequence", func(t *testing.T) { testVersionSequence(t, new) })
	t.Run("P2_StateQueueMembershipIsExclusive", func(t *testing.T) { testStateQueueExclusive(t, new) })
	t.Run("P3_ExistsMatchesSignatureByState", func(t *testing.T) { testExistsMatchesSignature(t, new) })
	t.Run("P3_SignatureSurvivesWhileAnotherJobSharesIt", func(t *testing.T) { testSignatureSurvivesWhileAnotherJobSharesIt(t, new) })
	t.Run("P4_ConcurrentSaveExactlyOneWinner", func(t *testing.T) { testConcurrentSaveOneWinner(t, new) })
	t.Run("P5_DeletePermanentlyClearsEverything", func(t *testing.T) { testDeleteClearsEverything(t, new) })
	t.Run("P6_RemoveTimedOutLeavesOnlyFreshHeartbeats", func(t *testing.T) { testRemoveTimedOut(t, new) })

	t.Run("RoundTrip_SaveOfUnchangedJobIsNoOp", func(t *testing.T) { testSaveUnchangedIsNoOp(t, new) })
	t.Run("RoundTrip_AnnounceIsIdempotent", func(t *testing.T) { testAnnounceIdempotent(t, new) })
	t.Run("RoundTrip_RecurringJobRoundTrips", func(t *testing.T) { testRecurringJobRoundTrip(t, new) })

	t.Run("Scenario1_InsertEnqueuedJobIsPagedAndExists", func(t *testing.T) { testScenario1(t, new) })
	t.Run("Scenario2_ConcurrentSaveConflict", func(t *testing.T) { testScenario2(t, new) })
	t.Run("Scenario3_ScheduledJobVisibleOnlyAtOrAfterFireAt", func(t *testing.T) { testScenario3(t, new) })
	t.Run("Scenario4_DeleteJobsPermanentlyRespectsCutoff", func(t *testing.T) { testScenario4(t, new) })
	t.Run("Scenario5_LongestRunningSurvivesTimeout", func(t *testing.T) { testScenario5(t, new) })
	t.Run("Scenario6_PublishSucceededIsAdditive", func(t *testing.T) { testScenario6(t, new) })
}

func mkDetails(name string) job.Details {
	return job.Details{ClassName: "Mailer", MethodName: "Send", JobName: name}
}

func testVersionSequence(t *testing.T, newP Factory) {
	ctx := context.Background()
	p := newP(t)
	j := job.NewJob(mkDetails("v-seq"), time.Unix(1000, 0))

	require.NoError(t, p.Save(ctx, j))
	assert.Equal(t, int64(1), j.Version)

	j.Transition(job.StateEnqueued, time.Unix(1001, 0), nil)
	require.NoError(t, p.Save(ctx, j))
	assert.Equal(t, int64(2), j.Version)

	j.Transition(job.StateProcessing, time.Unix(1002, 0), nil)
	require.NoError(t, p.Save(ctx, j))
	assert.Equal(t, int64(3), j.Version)
}

func testStateQueueExclusive(t *testing.T, newP Factory) {
	ctx := context.Background()
	p := newP(t)
	j := job.NewJob(mkDetails("q-excl"), time.Unix(1000, 0))
	j.Transition(job.StateEnqueued, time.Unix(1000, 0), nil)
	require.NoError(t, p.Save(ctx, j))

	page := storage.PageRequest{Offset: 0, Limit: 10}
	enq, err := p.GetJobPage(ctx, job.StateEnqueued, page)
	require.NoError(t, err)
	assert.EqualValues(t, 1, enq.Total)

	proc, err := p.GetJobPage(ctx, job.StateProcessing, page)
	require.NoError(t, err)
	assert.EqualValues(t, 0, proc.Total)

	j.Transition(job.StateProcessing, time.Unix(2000, 0), nil)
	require.NoError(t, p.Save(ctx, j))

	enq, err = p.GetJobPage(ctx, job.StateEnqueued, page)
	require.NoError(t, err)
	assert.EqualValues(t, 0, enq.Total)

	proc, err = p.GetJobPage(ctx, job.StateProcessing, page)
	require.NoError(t, err)
	assert.EqualValues(t, 1, proc.Total)
}

func testExistsMatchesSignature(t *testing.T, newP Factory) {
	ctx := context.Background()
	p := newP(t)
	details := mkDetails("exists")
	j := job.NewJob(details, time.Unix(1000, 0))
	j.Transition(job.StateEnqueued, time.Unix(1000, 0), nil)
	require.NoError(t, p.Save(ctx, j))

	ok, err := p.Exists(ctx, details, job.StateEnqueued)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Exists(ctx, details, job.StateProcessing)
	require.NoError(t, err)
	assert.False(t, ok)

	j.Transition(job.StateProcessing, time.Unix(2000, 0), nil)
	require.NoError(t, p.Save(ctx, j))

	ok, err = p.Exists(ctx, details, job.StateEnqueued)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testSignatureSurvivesWhileAnotherJobSharesIt(t *testing.T, newP Factory) {
	// Invariant I4 (spec section 3): signature-by-state[S] contains X iff
	// *at least one* job with details X is in state S. Two jobs sharing a
	// signature must not stomp on each other's refcount when only one of
	// them leaves the state.
	ctx := context.Background()
	p := newP(t)
	details := mkDetails("shared-sig")

	a := job.NewJob(details, time.Unix(1000, 0))
	a.Transition(job.StateScheduled, time.Unix(1000, 0), map[string]any{"scheduledAt": time.Unix(5000, 0).Format(time.RFC3339Nano)})
	require.NoError(t, p.Save(ctx, a))

	b := job.NewJob(details, time.Unix(1100, 0))
	b.Transition(job.StateScheduled, time.Unix(1100, 0), map[string]any{"scheduledAt": time.Unix(5100, 0).Format(time.RFC3339Nano)})
	require.NoError(t, p.Save(ctx, b))

	ok, err := p.Exists(ctx, details, job.StateScheduled)
	require.NoError(t, err)
	assert.True(t, ok, "signature should be present while both jobs are SCHEDULED")

	// A leaves SCHEDULED; B stays. The signature must still be reported
	// present for SCHEDULED because B still holds it.
	a.Transition(job.StateEnqueued, time.Unix(2000, 0), nil)
	require.NoError(t, p.Save(ctx, a))

	ok, err = p.Exists(ctx, details, job.StateScheduled)
	require.NoError(t, err)
	assert.True(t, ok, "signature must still be present for SCHEDULED: B has not left it")

	ok, err = p.Exists(ctx, details, job.StateEnqueued)
	require.NoError(t, err)
	assert.True(t, ok, "signature must be present for ENQUEUED: A just entered it")

	// Now B leaves SCHEDULED too; the signature must finally disappear
	// from SCHEDULED since no job holds it there any more.
	b.Transition(job.StateEnqueued, time.Unix(2100, 0), nil)
	require.NoError(t, p.Save(ctx, b))

	ok, err = p.Exists(ctx, details, job.StateScheduled)
	require.NoError(t, err)
	assert.False(t, ok, "signature must be gone from SCHEDULED once both jobs have left it")
}

func testConcurrentSaveOneWinner(t *testing.T, newP Factory) {
	ctx := context.Background()
	p := newP(t)
	j := job.NewJob(mkDetails("concurrent"), time.Unix(1000, 0))
	require.NoError(t, p.Save(ctx, j))

	a := j.Clone()
	b := j.Clone()
	a.Transition(job.StateEnqueued, time.Unix(1001, 0), nil)
	b.Transition(job.StateFailed, time.Unix(1002, 0), nil)

	errA := p.Save(ctx, a)
	errB := p.Save(ctx, b)

	oneOK := (errA == nil) != (errB == nil)
	require.True(t, oneOK, "expected exactly one of the two concurrent saves to succeed")

	var failed error
	if errA != nil {
		failed = errA
	} else {
		failed = errB
	}
	assert.True(t, storage.IsConcurrentModification(failed))
}

func testDeleteClearsEverything(t *testing.T, newP Factory) {
	ctx := context.Background()
	p := newP(t)
	j := job.NewJob(mkDetails("to-delete"), time.Unix(1000, 0))
	j.Transition(job.StateScheduled, time.Unix(1000, 0), map[string]any{
		"scheduledAt":    time.Unix(2000, 0).Format(time.RFC3339Nano),
		"recurringJobId": "nightly",
	})
	require.NoError(t, p.Save(ctx, j))

	n, err := p.DeletePermanently(ctx, j.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = p.GetByID(ctx, j.ID.String())
	assert.True(t, storage.IsNotFound(err))

	ok, err := p.Exists(ctx, j.Details, job.StateScheduled)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.RecurringJobExists(ctx, "nightly", job.StateScheduled)
	require.NoError(t, err)
	assert.False(t, ok)

	sched, err := p.GetScheduledJobs(ctx, time.Unix(9999, 0), storage.PageRequest{Offset: 0, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, sched)
}

func testRemoveTimedOut(t *testing.T, newP Factory) {
	ctx := context.Background()
	p := newP(t)

	a := &job.BackgroundJobServer{ID: newUUID(), FirstHeartbeat: time.Unix(100, 0), LastHeartbeat: time.Unix(120, 0)}
	b := &job.BackgroundJobServer{ID: newUUID(), FirstHeartbeat: time.Unix(200, 0), LastHeartbeat: time.Unix(200, 0)}
	require.NoError(t, p.Announce(ctx, a))
	require.NoError(t, p.Announce(ctx, b))

	n, err := p.RemoveTimedOut(ctx, time.Unix(150, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	servers, err := p.GetServers(ctx)
	require.NoError(t, err)
	for _, s := range servers {
		assert.True(t, s.LastHeartbeat.After(time.Unix(150, 0)))
	}
}

func testSaveUnchangedIsNoOp(t *testing.T, newP Factory) {
	ctx := context.Background()
	p := newP(t)
	j := job.NewJob(mkDetails("noop"), time.Unix(1000, 0))
	require.NoError(t, p.Save(ctx, j))

	got, err := p.GetByID(ctx, j.ID.String())
	require.NoError(t, err)

	require.NoError(t, p.Save(ctx, got))
	assert.Equal(t, j.Version+1, got.Version)
}

func testAnnounceIdempotent(t *testing.T, newP Factory) {
	ctx := context.Background()
	p := newP(t)
	srv := &job.BackgroundJobServer{ID: newUUID(), FirstHeartbeat: time.Unix(1, 0), LastHeartbeat: time.Unix(1, 0)}
	require.NoError(t, p.Announce(ctx, srv))
	require.NoError(t, p.Announce(ctx, srv))

	servers, err := p.GetServers(ctx)
	require.NoError(t, err)
	count := 0
	for _, s := range servers {
		if s.ID == srv.ID {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func testRecurringJobRoundTrip(t *testing.T, newP Factory) {
	ctx := context.Background()
	p := newP(t)
	rj := &job.RecurringJob{ID: "nightly-report", Schedule: "0 0 * * *", Details: mkDetails("nightly-report"), CreatedAt: time.Unix(1, 0)}
	require.NoError(t, p.SaveRecurringJob(ctx, rj))

	got, err := p.GetRecurringJobs(ctx)
	require.NoError(t, err)

	var found bool
	for _, r := range got {
		if r.ID == rj.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func testScenario1(t *testing.T, newP Factory) {
	ctx := context.Background()
	p := newP(t)
	details := mkDetails("scenario1")
	j := job.NewJob(details, time.Unix(1000, 0))
	j.Transition(job.StateEnqueued, time.Unix(1000, 0), nil)
	require.NoError(t, p.Save(ctx, j))

	page, err := p.GetJobPage(ctx, job.StateEnqueued, storage.PageRequest{Offset: 0, Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total)
	require.Len(t, page.Jobs, 1)

	ok, err := p.Exists(ctx, details, job.StateEnqueued)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testScenario2(t *testing.T, newP Factory) {
	ctx := context.Background()
	p := newP(t)
	j := job.NewJob(mkDetails("scenario2"), time.Unix(1000, 0))
	require.NoError(t, p.Save(ctx, j))

	first := j.Clone()
	second := j.Clone()
	first.Transition(job.StateEnqueued, time.Unix(1001, 0), nil)
	second.Transition(job.StateFailed, time.Unix(1001, 0), nil)

	require.NoError(t, p.Save(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	err := p.Save(ctx, second)
	require.Error(t, err)
	assert.True(t, storage.IsConcurrentModification(err))
	conflicts := storage.Conflicts(err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, second.ID, conflicts[0].ID)
}

func testScenario3(t *testing.T, newP Factory) {
	ctx := context.Background()
	p := newP(t)
	j := job.NewJob(mkDetails("scenario3"), time.Unix(500, 0))
	j.Transition(job.StateScheduled, time.Unix(500, 0), map[string]any{
		"scheduledAt": time.Unix(2000, 0).Format(time.RFC3339Nano),
	})
	require.NoError(t, p.Save(ctx, j))

	before, err := p.GetScheduledJobs(ctx, time.Unix(1999, 0), storage.PageRequest{Offset: 0, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, before)

	after, err := p.GetScheduledJobs(ctx, time.Unix(2001, 0), storage.PageRequest{Offset: 0, Limit: 10})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, j.ID, after[0].ID)
}

func testScenario4(t *testing.T, newP Factory) {
	ctx := context.Background()
	p := newP(t)

	times := []int64{1000, 3000, 5001, 7000}
	for i, ts := range times {
		j := job.NewJob(mkDetails("scenario4"), time.Unix(ts, 0))
		j.Details.JobName = "scenario4"
		j.Details.ArgsHash = mustHash(i)
		j.Transition(job.StateSucceeded, time.Unix(ts, 0), nil)
		require.NoError(t, p.Save(ctx, j))
	}

	n, err := p.DeleteJobsPermanently(ctx, job.StateSucceeded, time.Unix(5000, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	page, err := p.GetJobPage(ctx, job.StateSucceeded, storage.PageRequest{Offset: 0, Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)
	for _, j := range page.Jobs {
		assert.True(t, j.UpdatedAt.Unix() > 5000)
	}
}

func testScenario5(t *testing.T, newP Factory) {
	ctx := context.Background()
	p := newP(t)

	a := &job.BackgroundJobServer{ID: newUUID(), FirstHeartbeat: time.Unix(100, 0), LastHeartbeat: time.Unix(120, 0)}
	b := &job.BackgroundJobServer{ID: newUUID(), FirstHeartbeat: time.Unix(200, 0), LastHeartbeat: time.Unix(200, 0)}
	require.NoError(t, p.Announce(ctx, a))
	require.NoError(t, p.Announce(ctx, b))

	longest, err := p.GetLongestRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID, longest.ID)

	n, err := p.RemoveTimedOut(ctx, time.Unix(150, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	longest, err = p.GetLongestRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.ID, longest.ID)
}

func testScenario6(t *testing.T, newP Factory) {
	ctx := context.Background()
	p := newP(t)

	before, err := p.GetJobStats(ctx)
	require.NoError(t, err)

	require.NoError(t, p.PublishTotalAmountOfSucceededJobs(ctx, 5))

	after, err := p.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.AllTimeSucceededCount+5, after.AllTimeSucceededCount)
}
