package storage

import (
	"errors"
	"fmt"

	"github.com/mendess/jobforge/pkg/job"
)

// Sentinel error kinds (spec section 7). Backends wrap one of these in a
// *Error so callers can both errors.Is against the sentinel and read the
// structured context via errors.As.
var (
	// ErrConcurrentJobModification indicates a version check failed for one
	// or more jobs.
	ErrConcurrentJobModification = errors.New("concurrent job modification")

	// ErrJobNotFound indicates the primary record is missing for a given id.
	ErrJobNotFound = errors.New("job not found")

	// ErrServerTimedOut indicates a heartbeat was attempted for a server no
	// longer present in the registry.
	ErrServerTimedOut = errors.New("server timed out")

	// ErrInvalidArgument indicates a malformed page request, a mixed
	// new/existing batch, or an unsupported sort order.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStorageTransient indicates a retryable network or contention
	// failure; the operation did not commit.
	ErrStorageTransient = errors.New("transient storage error")

	// ErrStorageFatal indicates a non-retryable backend error (schema
	// mismatch, authorization); the operation did not commit.
	ErrStorageFatal = errors.New("fatal storage error")
)

// Error wraps one of the sentinel errors above with operation context, the
// same shape as the teacher's ProviderError: Op + Backend + Err, plus the
// conflicting jobs when the kind is ErrConcurrentJobModification.
type Error struct {
	// Op is the operation that failed (e.g. "Save", "GetByID").
	Op string

	// Backend names the storage.Provider implementation (e.g. "sqlstore").
	Backend string

	// JobID is the affected job id, when the error concerns a single job.
	JobID string

	// Conflicts carries the jobs whose version check failed, for
	// ErrConcurrentJobModification on Save(jobs).
	Conflicts []*job.Job

	// Err is the underlying sentinel error (or a further-wrapped cause).
	Err error
}

func (e *Error) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s %s: job %s: %v", e.Backend, e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(backend, op string, cause error) *Error {
	return &Error{Op: op, Backend: backend, Err: cause}
}

func newJobErr(backend, op, jobID string, cause error) *Error {
	return &Error{Op: op, Backend: backend, JobID: jobID, Err: cause}
}

func newConflictErr(backend, op string, conflicts []*job.Job) *Error {
	return &Error{Op: op, Backend: backend, Err: ErrConcurrentJobModification, Conflicts: conflicts}
}

// IsConcurrentModification reports whether err (or a wrapped cause) is a
// version-conflict error.
func IsConcurrentModification(err error) bool { return errors.Is(err, ErrConcurrentJobModification) }

// IsNotFound reports whether err (or a wrapped cause) is a job-not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrJobNotFound) }

// IsServerTimedOut reports whether err (or a wrapped cause) is a
// server-timed-out error.
func IsServerTimedOut(err error) bool { return errors.Is(err, ErrServerTimedOut) }

// IsInvalidArgument reports whether err (or a wrapped cause) is an
// invalid-argument error.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// IsTransient reports whether err (or a wrapped cause) is a retryable
// transient storage error.
func IsTransient(err error) bool { return errors.Is(err, ErrStorageTransient) }

// IsFatal reports whether err (or a wrapped cause) is a non-retryable fatal
// storage error.
func IsFatal(err error) bool { return errors.Is(err, ErrStorageFatal) }

// Conflicts extracts the conflicting jobs from an ErrConcurrentJobModification
// error, if any were attached.
func Conflicts(err error) []*job.Job {
	var se *Error
	if errors.As(err, &se) {
		return se.Conflicts
	}
	return nil
}
