// Package storage defines the uniform storage-provider contract every
// backend implements (spec section 4.1-4.5), plus the backend-agnostic
// pieces that are safe to share across backends: the index-diff algorithm
// (index.go), the optimistic-concurrency arbiter (arbiter.go), and the error
// taxonomy (errors.go).
//
// Backends live in sibling packages (memstore, sqlstore, kvstore, docstore)
// and each implement Provider.
package storage

import (
	"context"
	"time"

	"github.com/mendess/jobforge/pkg/job"
)

// SortOrder controls the ordering of a paginated job query.
type SortOrder int

const (
	SortAscending SortOrder = iota
	SortDescending
)

// PageRequest describes one page of a paginated query.
type PageRequest struct {
	Offset int
	Limit  int
	Order  SortOrder
}

// Validate reports ErrInvalidArgument for a malformed page request (spec
// section 4.1).
func (p PageRequest) Validate() error {
	if p.Limit <= 0 {
		return ErrInvalidArgument
	}
	if p.Offset < 0 {
		return ErrInvalidArgument
	}
	return nil
}

// PageResult is one page of a paginated job query, plus the total row count
// for the unpaged query (used by GetJobPage).
type PageResult struct {
	Jobs  []*job.Job
	Total int64
}

// DatabaseOptions controls whether a backend may create or must validate its
// schema on Open (spec section 6).
type DatabaseOptions int

const (
	// CreateIfNotExists creates the schema if missing (default).
	CreateIfNotExists DatabaseOptions = iota
	// SkipCreate assumes the schema already exists and never issues DDL.
	SkipCreate
	// ValidateOnly checks the schema matches expectations and fails Open
	// otherwise, without issuing any DDL.
	ValidateOnly
)

// Serializer converts a job.Details payload to/from the backend-specific
// wire representation. The core never interprets payload contents beyond
// what job.StateRecord already exposes. No backend in this module calls a
// Serializer; every backend encodes jobs with encoding/json.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Config groups the caller-supplied inputs (spec section 6): a prefix, a
// notification rate limit, a database-options enum, and a job serializer.
// No environment variables are read by the core. No constructor in this
// module takes a Config: memstore.New, sqlstore.Open, kvstore.Open and
// docstore.Open each take their own arguments (a backend Config with its own
// Prefix, sqlstore.Config.DatabaseOptions, and a *notify.Dispatcher), and
// nothing in this module reads the fields below.
type Config struct {
	// Prefix is a table/key name prefix.
	Prefix string

	// NotificationRateLimit is a notification interval. The dispatcher's
	// actual rate is the rate.Limit passed to notify.NewDispatcher (zero
	// selects notify.DefaultRate, 1/s).
	NotificationRateLimit time.Duration

	// DatabaseOptions selects schema creation behavior.
	DatabaseOptions DatabaseOptions

	// Serializer is a job encoder; no backend consults it.
	Serializer Serializer
}

// Provider is the uniform contract every storage backend implements (spec
// section 4.1-4.5). All operations are safe for concurrent use by many
// goroutines and many processes sharing the same backing store.
type Provider interface {
	// Save persists j. If j.Version == 0 it is an insert, failing
	// ErrConcurrentJobModification if a job with that id already exists.
	// Otherwise it is an update, failing ErrConcurrentJobModification if
	// the stored version does not equal j.Version. On success j.Version is
	// advanced in place to the newly stored version.
	Save(ctx context.Context, j *job.Job) error

	// SaveBatch persists jobs, which must be all-new (Version == 0) or all
	// existing; a mixed batch fails ErrInvalidArgument. Failures for
	// individual jobs in an existing batch are collected (not fast-failed)
	// and reported together via storage.Conflicts(err).
	SaveBatch(ctx context.Context, jobs []*job.Job) error

	// GetByID returns the job with the given id, or ErrJobNotFound.
	GetByID(ctx context.Context, id string) (*job.Job, error)

	// DeletePermanently removes the job's primary record and every index
	// entry referencing it. Returns the number of jobs deleted (0 or 1).
	DeletePermanently(ctx context.Context, id string) (int, error)

	// GetJobs returns one page of jobs in the given state, ordered by
	// updatedAt per page.Order. If updatedBefore is non-nil, only jobs with
	// updatedAt <= *updatedBefore are returned.
	GetJobs(ctx context.Context, state job.State, updatedBefore *time.Time, page PageRequest) ([]*job.Job, error)

	// GetScheduledJobs returns jobs in the scheduled set with fire-at <=
	// before.
	GetScheduledJobs(ctx context.Context, before time.Time, page PageRequest) ([]*job.Job, error)

	// GetJobPage returns the total count of jobs in state plus one page.
	GetJobPage(ctx context.Context, state job.State, page PageRequest) (PageResult, error)

	// DeleteJobsPermanently scans the state queue for state in ascending
	// updatedAt order, deleting jobs with updatedAt <= updatedBefore, and
	// stops at the first job beyond the cutoff. Restartable: interruption
	// leaves the store in a valid state. Returns the count actually
	// deleted.
	DeleteJobsPermanently(ctx context.Context, state job.State, updatedBefore time.Time) (int, error)

	// GetDistinctJobSignatures returns the union of signature-by-state
	// across the given states.
	GetDistinctJobSignatures(ctx context.Context, states ...job.State) ([]string, error)

	// Exists reports whether signature(details) is present in
	// signature-by-state for any of the given states.
	Exists(ctx context.Context, details job.Details, states ...job.State) (bool, error)

	// SaveRecurringJob inserts or overwrites a recurring job definition.
	SaveRecurringJob(ctx context.Context, rj *job.RecurringJob) error

	// GetRecurringJobs returns every recurring job definition.
	GetRecurringJobs(ctx context.Context) ([]*job.RecurringJob, error)

	// DeleteRecurringJob removes a recurring job definition by id.
	DeleteRecurringJob(ctx context.Context, id string) error

	// RecurringJobExists reports whether id is present in
	// recurring-refs-by-state for any of the given states.
	RecurringJobExists(ctx context.Context, id string, states ...job.State) (bool, error)

	// Announce inserts or overwrites a server record. Idempotent across
	// restarts with the same id.
	Announce(ctx context.Context, srv *job.BackgroundJobServer) error

	// SignalAlive updates liveness fields for an announced server,
	// returning its current is-running flag. Fails ErrServerTimedOut if no
	// record exists.
	SignalAlive(ctx context.Context, id string, status job.ServerStatus, at time.Time) (isRunning bool, err error)

	// SignalStopped removes a server record and its index entries.
	SignalStopped(ctx context.Context, id string) error

	// GetServers returns all servers ordered by created time ascending.
	GetServers(ctx context.Context) ([]*job.BackgroundJobServer, error)

	// GetLongestRunning returns the server with the earliest announce time
	// still alive (the "longest-running server" of the glossary).
	GetLongestRunning(ctx context.Context) (*job.BackgroundJobServer, error)

	// RemoveTimedOut deletes every server whose last heartbeat is <=
	// olderThan, transactionally per server. Returns the count removed.
	RemoveTimedOut(ctx context.Context, olderThan time.Time) (int, error)

	// SaveMetadata inserts or overwrites a metadata record.
	SaveMetadata(ctx context.Context, m *job.Metadata) error

	// GetMetadataByName returns every metadata record with the given name
	// across all owners.
	GetMetadataByName(ctx context.Context, name string) ([]*job.Metadata, error)

	// GetMetadata returns the metadata record for (name, owner).
	GetMetadata(ctx context.Context, name, owner string) (*job.Metadata, error)

	// DeleteMetadata deletes every metadata record with the given name.
	DeleteMetadata(ctx context.Context, name string) error

	// GetJobStats returns counts per state plus the all-time-succeeded
	// counter, recurring-job count, and live-server count.
	GetJobStats(ctx context.Context) (job.Stats, error)

	// PublishTotalAmountOfSucceededJobs atomically increments the
	// all-time-succeeded counter by n.
	PublishTotalAmountOfSucceededJobs(ctx context.Context, n int64) error

	// Close releases any pooled resources held by the provider.
	Close() error
}

// BatchGetter is an optional capability (design note section 9: "generic
// batched-read primitive"). Backends with a native pipelined read (Redis
// pipelines, SQL IN-clauses) implement it; callers should type-assert for it
// and fall back to sequential GetByID via GetJobsBatch otherwise.
type BatchGetter interface {
	GetByIDs(ctx context.Context, ids []string) (map[string]*job.Job, error)
}

// GetJobsBatch fetches many jobs in as few backend round-trips as the
// provider supports: it uses the BatchGetter capability when present and
// falls back to sequential GetByID calls otherwise. Jobs that return
// ErrJobNotFound are silently omitted from the result.
func GetJobsBatch(ctx context.Context, p Provider, ids []string) (map[string]*job.Job, error) {
	if bg, ok := p.(BatchGetter); ok {
		return bg.GetByIDs(ctx, ids)
	}

	out := make(map[string]*job.Job, len(ids))
	for _, id := range ids {
		j, err := p.GetByID(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out[id] = j
	}
	return out, nil
}
