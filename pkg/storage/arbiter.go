package storage

import "github.com/mendess/jobforge/pkg/job"

// This file factors out the version-check protocol (spec section 4.3) into
// pieces every backend's Save/SaveBatch can reuse, regardless of how that
// backend implements "read version" and "commit atomic group":
//
//  1. Read the stored version for j (CheckVersion compares it to j.Version).
//  2. If mismatched, fail ErrConcurrentJobModification immediately.
//  3. Begin the backend's atomic group; write version = v+1; write
//     primary+index changes from RewriteIndexesFor; commit.
//  4. If the commit is rejected by the backend's watch/condition, fail
//     ErrConcurrentJobModification.
//  5. On success, mutate the in-memory job to version = v+1.
//
// Batch saves arbitrate every job independently and collect failures rather
// than failing fast, so callers get a complete conflict report.

// CheckVersion compares a job's expected version against the version
// actually stored, returning ErrConcurrentJobModification if they differ.
// exists must be false when no stored record exists yet (the insert case).
func CheckVersion(expected int64, storedVersion int64, exists bool) error {
	if expected == 0 {
		if exists {
			return ErrConcurrentJobModification
		}
		return nil
	}
	if !exists || storedVersion != expected {
		return ErrConcurrentJobModification
	}
	return nil
}

// BatchConflicts accumulates per-job failures from an existing-jobs batch
// save so callers can report a complete conflict set instead of failing on
// the first mismatch (spec section 4.3, "batch updates... collected, not
// fast-failed").
type BatchConflicts struct {
	jobs []*job.Job
}

// Add records j as a version conflict.
func (b *BatchConflicts) Add(j *job.Job) { b.jobs = append(b.jobs, j) }

// Err returns nil if no conflicts were recorded, or an ErrConcurrentJobModification
// *Error carrying every conflicting job otherwise.
func (b *BatchConflicts) Err(backend, op string) error {
	if len(b.jobs) == 0 {
		return nil
	}
	return newConflictErr(backend, op, b.jobs)
}

// ConflictPair is a local-vs-stored snapshot of the same job that higher
// layers could not reconcile automatically (spec section 4.3,
// "Unresolvable conflicts").
type ConflictPair struct {
	JobID  string
	Local  *job.Job
	Stored *job.Job
}

// UnresolvedConflict is the read-only diagnostic the core surfaces for a
// ConflictPair: it does not mutate store state, it only describes the
// discrepancy.
type UnresolvedConflict struct {
	JobID         string
	LocalVersion  int64
	StoredVersion int64
	LocalStates   []job.StateRecord
	StoredStates  []job.StateRecord
}

// maxDiagnosticStates bounds the per-side state history the diagnostic
// carries (spec section 4.3: "the last up-to-three state names with
// timestamps for each side").
const maxDiagnosticStates = 3

// DiagnoseUnresolved turns a list of local-vs-stored conflict pairs into
// structured, read-only diagnostics.
func DiagnoseUnresolved(pairs []ConflictPair) []UnresolvedConflict {
	out := make([]UnresolvedConflict, 0, len(pairs))
	for _, p := range pairs {
		uc := UnresolvedConflict{JobID: p.JobID}
		if p.Local != nil {
			uc.LocalVersion = p.Local.Version
			uc.LocalStates = p.Local.LastStates(maxDiagnosticStates)
		}
		if p.Stored != nil {
			uc.StoredVersion = p.Stored.Version
			uc.StoredStates = p.Stored.LastStates(maxDiagnosticStates)
		}
		out = append(out, uc)
	}
	return out
}
