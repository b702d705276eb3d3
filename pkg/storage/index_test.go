package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendess/jobforge/pkg/job"
)

func newTestJob(state job.State, updatedAt time.Time) *job.Job {
	j := job.NewJob(job.Details{ClassName: "Mailer", MethodName: "Send"}, updatedAt)
	if state != job.StateAwaiting {
		j.Transition(state, updatedAt, nil)
	}
	return j
}

func TestRewriteIndexesForInsertAddsStateQueueAndSignature(t *testing.T) {
	j := newTestJob(job.StateEnqueued, time.Unix(1000, 0))

	ws := RewriteIndexesFor(nil, j)

	assert.Empty(t, ws.Remove)
	require.Len(t, ws.Add, 2)
	assert.Contains(t, ws.Add, IndexKey{Kind: StateQueue, State: job.StateEnqueued, JobID: j.ID.String(), Score: time.Unix(1000, 0).UnixMicro()})
	assert.Contains(t, ws.Add, IndexKey{Kind: SignatureByState, State: job.StateEnqueued, Signature: j.Details.Signature()})
}

func TestRewriteIndexesForTransitionMovesStateQueueEntry(t *testing.T) {
	old := newTestJob(job.StateEnqueued, time.Unix(1000, 0))
	updated := old.Clone()
	updated.Transition(job.StateProcessing, time.Unix(2000, 0), nil)

	ws := RewriteIndexesFor(old, updated)

	assert.Contains(t, ws.Remove, IndexKey{Kind: StateQueue, State: job.StateEnqueued, JobID: old.ID.String(), Score: time.Unix(1000, 0).UnixMicro()})
	assert.Contains(t, ws.Add, IndexKey{Kind: StateQueue, State: job.StateProcessing, JobID: updated.ID.String(), Score: time.Unix(2000, 0).UnixMicro()})
}

func TestRewriteIndexesForScheduledTransitionManagesScheduledSet(t *testing.T) {
	fireAt := time.Unix(5000, 0)
	old := newTestJob(job.StateAwaiting, time.Unix(1000, 0))
	scheduled := old.Clone()
	scheduled.Transition(job.StateScheduled, time.Unix(1500, 0), map[string]any{"scheduledAt": fireAt.Format(time.RFC3339Nano)})

	ws := RewriteIndexesFor(old, scheduled)
	require.Contains(t, ws.Add, IndexKey{Kind: ScheduledSet, JobID: old.ID.String(), Score: fireAt.UnixMicro()})

	enqueued := scheduled.Clone()
	enqueued.Transition(job.StateEnqueued, time.Unix(2000, 0), nil)

	ws2 := RewriteIndexesFor(scheduled, enqueued)
	assert.Contains(t, ws2.Remove, IndexKey{Kind: ScheduledSet, JobID: old.ID.String()})
}

func TestRewriteIndexesForAnyTransitionOutOfScheduledClearsSignature(t *testing.T) {
	// Open Question (spec section 9): the source only special-cased
	// ENQUEUED/DELETED out of SCHEDULED. We generalize to every transition,
	// including FAILED, which this test exercises.
	fireAt := time.Unix(5000, 0)
	scheduled := newTestJob(job.StateAwaiting, time.Unix(1000, 0))
	scheduled.Transition(job.StateScheduled, time.Unix(1500, 0), map[string]any{"scheduledAt": fireAt.Format(time.RFC3339Nano)})

	failed := scheduled.Clone()
	failed.Transition(job.StateFailed, time.Unix(2000, 0), nil)

	ws := RewriteIndexesFor(scheduled, failed)

	assert.Contains(t, ws.Remove, IndexKey{Kind: SignatureByState, State: job.StateScheduled, Signature: scheduled.Details.Signature()})

	// The dedicated SCHEDULED-signature cleanup and the general
	// oldState != newState cleanup must not both fire: a refcounted backend
	// (memstore, kvstore, docstore) would double-decrement and make the
	// signature vanish for a state that still has another job holding it.
	var signatureRemoves int
	for _, k := range ws.Remove {
		if k.Kind == SignatureByState {
			signatureRemoves++
		}
	}
	assert.Equal(t, 1, signatureRemoves, "signature-by-state remove key must appear exactly once per transition")
}

func TestRemoveAllIndexesForCoversEveryIndexFamily(t *testing.T) {
	fireAt := time.Unix(5000, 0)
	j := newTestJob(job.StateAwaiting, time.Unix(1000, 0))
	j.Transition(job.StateScheduled, time.Unix(1500, 0), map[string]any{
		"scheduledAt":    fireAt.Format(time.RFC3339Nano),
		"recurringJobId": "nightly",
	})

	keys := RemoveAllIndexesFor(j)

	var kinds []IndexKind
	for _, k := range keys {
		kinds = append(kinds, k.Kind)
	}
	assert.Contains(t, kinds, StateQueue)
	assert.Contains(t, kinds, ScheduledSet)
	assert.Contains(t, kinds, SignatureByState)
	assert.Contains(t, kinds, RecurringRefByState)
}
