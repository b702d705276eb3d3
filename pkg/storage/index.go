package storage

import (
	"time"

	"github.com/mendess/jobforge/pkg/job"
)

// IndexKey identifies one entry in one of the secondary indexes described in
// spec section 3. Which fields are meaningful depends on Kind.
type IndexKey struct {
	Kind IndexKind

	// State applies to StateQueue, SignatureByState, and RecurringRefByState.
	State job.State

	// JobID applies to StateQueue and ScheduledSet.
	JobID string

	// Score is the sort key: updatedAt micros for StateQueue, fire-at micros
	// for ScheduledSet. Unused for set-typed indexes.
	Score int64

	// Signature applies to SignatureByState.
	Signature string

	// RecurringJobID applies to RecurringRefByState.
	RecurringJobID string
}

// IndexKind enumerates the secondary index families of spec section 3.
type IndexKind int

const (
	StateQueue IndexKind = iota
	ScheduledSet
	SignatureByState
	RecurringRefByState
)

// WriteSet is the pair of index mutations one Storage Abstraction call must
// apply atomically alongside its primary write (spec section 4.2).
type WriteSet struct {
	Remove []IndexKey
	Add    []IndexKey
}

// RewriteIndexesFor computes the index mutations needed to move a job from
// its old snapshot to its new snapshot. old is nil for an insert (version 0
// save). Every mutating Provider.Save lowers to exactly one call to this
// function plus the primary + version writes (spec section 4.2).
func RewriteIndexesFor(old, new *job.Job) WriteSet {
	var ws WriteSet
	id := new.ID.String()
	newState := new.State()
	sig := new.Details.Signature()

	if old != nil {
		oldState := old.State()
		oldSig := old.Details.Signature()
		oldMicros := old.UpdatedAt.UnixMicro()

		ws.Remove = append(ws.Remove, IndexKey{Kind: StateQueue, State: oldState, JobID: id, Score: oldMicros})

		if oldState == job.StateScheduled {
			ws.Remove = append(ws.Remove, IndexKey{Kind: ScheduledSet, JobID: id})
		}

		// Open Question (spec section 9) resolved conservatively: any
		// transition away from SCHEDULED clears the scheduled signature, not
		// just the two transitions the source special-cased. This general
		// oldState != newState cleanup already covers that (SCHEDULED is
		// oldState whenever a job leaves it), so no dedicated SCHEDULED case
		// is needed alongside it.
		if oldState != newState && oldSig != "" {
			ws.Remove = append(ws.Remove, IndexKey{Kind: SignatureByState, State: oldState, Signature: oldSig})
		}

		if oldRJ, ok := oldRecurringJobID(old); ok && (oldState != newState) {
			ws.Remove = append(ws.Remove, IndexKey{Kind: RecurringRefByState, State: oldState, RecurringJobID: oldRJ})
		}
	}

	newMicros := new.UpdatedAt.UnixMicro()
	ws.Add = append(ws.Add, IndexKey{Kind: StateQueue, State: newState, JobID: id, Score: newMicros})

	if newState == job.StateScheduled {
		if fireAt, ok := scheduledFireAt(new); ok {
			ws.Add = append(ws.Add, IndexKey{Kind: ScheduledSet, JobID: id, Score: fireAt.UnixMicro()})
		}
	}

	if sig != "" && (old == nil || old.State() != newState || old.Details.Signature() != sig) {
		ws.Add = append(ws.Add, IndexKey{Kind: SignatureByState, State: newState, Signature: sig})
	}

	if rj, ok := newRecurringJobID(new); ok {
		if old == nil || old.State() != newState {
			ws.Add = append(ws.Add, IndexKey{Kind: RecurringRefByState, State: newState, RecurringJobID: rj})
		}
	}

	return ws
}

// RemoveAllIndexesFor returns every index entry a job currently occupies, for
// use by Provider.DeletePermanently (spec section 4.1, invariant P5).
func RemoveAllIndexesFor(j *job.Job) []IndexKey {
	id := j.ID.String()
	state := j.State()
	sig := j.Details.Signature()

	keys := []IndexKey{
		{Kind: StateQueue, State: state, JobID: id, Score: j.UpdatedAt.UnixMicro()},
	}
	if state == job.StateScheduled {
		keys = append(keys, IndexKey{Kind: ScheduledSet, JobID: id})
	}
	if sig != "" {
		keys = append(keys, IndexKey{Kind: SignatureByState, State: state, Signature: sig})
	}
	if rj, ok := newRecurringJobID(j); ok {
		keys = append(keys, IndexKey{Kind: RecurringRefByState, State: state, RecurringJobID: rj})
	}
	return keys
}

func scheduledFireAt(j *job.Job) (time.Time, bool) {
	if len(j.History) == 0 {
		return time.Time{}, false
	}
	rec := j.History[len(j.History)-1]
	return rec.ScheduledAt()
}

func newRecurringJobID(j *job.Job) (string, bool) {
	return j.RecurringJobID()
}

func oldRecurringJobID(j *job.Job) (string, bool) {
	return j.RecurringJobID()
}
