package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobStartsAwaitingAtVersionZero(t *testing.T) {
	now := time.Now().UTC()
	j := NewJob(Details{ClassName: "Mailer", MethodName: "Send"}, now)

	assert.Equal(t, int64(0), j.Version)
	assert.Equal(t, StateAwaiting, j.State())
	require.Len(t, j.History, 1)
	assert.Equal(t, now, j.UpdatedAt)
}

func TestTransitionAdvancesStateAndHistory(t *testing.T) {
	j := NewJob(Details{ClassName: "Mailer", MethodName: "Send"}, time.Unix(1000, 0))

	enqueuedAt := time.Unix(2000, 0)
	j.Transition(StateEnqueued, enqueuedAt, nil)

	assert.Equal(t, StateEnqueued, j.State())
	prev, ok := j.PreviousState()
	require.True(t, ok)
	assert.Equal(t, StateAwaiting, prev)
	assert.Equal(t, enqueuedAt, j.UpdatedAt)
}

func TestSignatureIsStableAcrossEqualDetails(t *testing.T) {
	a := Details{ClassName: "Mailer", MethodName: "Send", ArgsHash: "abc"}
	b := Details{ClassName: "Mailer", MethodName: "Send", ArgsHash: "abc"}
	c := Details{ClassName: "Mailer", MethodName: "Send", ArgsHash: "xyz"}

	assert.Equal(t, a.Signature(), b.Signature())
	assert.NotEqual(t, a.Signature(), c.Signature())
}

func TestScheduledAtRoundTripsFromStringPayload(t *testing.T) {
	fireAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := StateRecord{
		State: StateScheduled,
		At:    fireAt,
		Payload: map[string]any{
			"scheduledAt":    fireAt.Format(time.RFC3339Nano),
			"recurringJobId": "nightly-report",
		},
	}

	got, ok := rec.ScheduledAt()
	require.True(t, ok)
	assert.True(t, got.Equal(fireAt))

	id, ok := rec.RecurringJobID()
	require.True(t, ok)
	assert.Equal(t, "nightly-report", id)
}

func TestCloneDeepCopiesHistoryPayload(t *testing.T) {
	j := NewJob(Details{ClassName: "X", MethodName: "Y"}, time.Unix(1, 0))
	j.Transition(StateScheduled, time.Unix(2, 0), map[string]any{"scheduledAt": "v1"})

	clone := j.Clone()
	clone.History[1].Payload["scheduledAt"] = "v2"

	assert.Equal(t, "v1", j.History[1].Payload["scheduledAt"])
	assert.Equal(t, "v2", clone.History[1].Payload["scheduledAt"])
}

func TestLastStatesNewestFirstBoundedByN(t *testing.T) {
	j := NewJob(Details{ClassName: "X", MethodName: "Y"}, time.Unix(1, 0))
	j.Transition(StateEnqueued, time.Unix(2, 0), nil)
	j.Transition(StateProcessing, time.Unix(3, 0), nil)
	j.Transition(StateSucceeded, time.Unix(4, 0), nil)

	last := j.LastStates(2)
	require.Len(t, last, 2)
	assert.Equal(t, StateSucceeded, last[0].State)
	assert.Equal(t, StateProcessing, last[1].State)
}

func TestSortJobsByUpdatedAt(t *testing.T) {
	j1 := NewJob(Details{ClassName: "A", MethodName: "M"}, time.Unix(300, 0))
	j2 := NewJob(Details{ClassName: "A", MethodName: "M"}, time.Unix(100, 0))
	j3 := NewJob(Details{ClassName: "A", MethodName: "M"}, time.Unix(200, 0))
	jobs := []*Job{j1, j2, j3}

	SortJobsByUpdatedAt(jobs, true)
	assert.Equal(t, []*Job{j2, j3, j1}, jobs)

	SortJobsByUpdatedAt(jobs, false)
	assert.Equal(t, []*Job{j1, j3, j2}, jobs)
}
