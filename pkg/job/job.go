// Package job defines the data model shared by every storage backend: jobs,
// recurring job definitions, background job servers, and metadata records.
//
// Nothing in this package talks to a backing store. It exists so that
// pkg/storage and its backend implementations share one vocabulary.
package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// State is one of the closed set of lifecycle states a Job can occupy.
type State string

const (
	StateAwaiting   State = "AWAITING"
	StateScheduled  State = "SCHEDULED"
	StateEnqueued   State = "ENQUEUED"
	StateProcessing State = "PROCESSING"
	StateSucceeded  State = "SUCCEEDED"
	StateFailed     State = "FAILED"
	StateDeleted    State = "DELETED"
)

// States lists every valid state in a stable order, used by backends that
// need to enumerate per-state secondary indexes (e.g. job stats).
var States = []State{
	StateAwaiting, StateScheduled, StateEnqueued, StateProcessing,
	StateSucceeded, StateFailed, StateDeleted,
}

// Valid reports whether s is one of the closed set of states.
func (s State) Valid() bool {
	for _, v := range States {
		if v == s {
			return true
		}
	}
	return false
}

// Details identifies a unit of work by class+method+argument signature. Two
// jobs with equal Details hash to the same Signature and are considered
// duplicates for the purposes of storage.Provider.Exists.
type Details struct {
	ClassName  string   `json:"className"`
	MethodName string   `json:"methodName"`
	ArgsHash   string   `json:"argsHash,omitempty"`
	JobName    string   `json:"jobName,omitempty"`
	Labels     []string `json:"labels,omitempty"`
}

// Signature returns a stable hex-encoded SHA-256 digest of d, used as the
// secondary-index dedup key (the "signature" of spec section 3).
func (d Details) Signature() string {
	type canonical struct {
		ClassName  string `json:"className"`
		MethodName string `json:"methodName"`
		ArgsHash   string `json:"argsHash,omitempty"`
	}
	b, err := json.Marshal(canonical{ClassName: d.ClassName, MethodName: d.MethodName, ArgsHash: d.ArgsHash})
	if err != nil {
		// Details fields are plain strings; Marshal cannot fail for them.
		panic(fmt.Sprintf("job: marshal details: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// StateRecord is one entry in a Job's history. Every Job always has at
// least one (its creation record).
type StateRecord struct {
	State   State          `json:"state"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ScheduledAt extracts the fire-at instant from a SCHEDULED state record's
// payload, if present.
func (r StateRecord) ScheduledAt() (time.Time, bool) {
	if r.State != StateScheduled {
		return time.Time{}, false
	}
	v, ok := r.Payload["scheduledAt"]
	if !ok {
		return time.Time{}, false
	}
	t, ok := v.(time.Time)
	if ok {
		return t, true
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// RecurringJobID extracts the optional recurring-job id a SCHEDULED state
// record's payload may carry.
func (r StateRecord) RecurringJobID() (string, bool) {
	v, ok := r.Payload["recurringJobId"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// Job is the unit of work persisted by a storage.Provider.
type Job struct {
	ID        uuid.UUID     `json:"id"`
	Version   int64         `json:"version"`
	Details   Details       `json:"jobDetails"`
	History   []StateRecord `json:"history"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// NewJob creates a Job with version 0 and a single AWAITING history entry
// at createdAt.
func NewJob(details Details, createdAt time.Time) *Job {
	return &Job{
		ID:      uuid.New(),
		Version: 0,
		Details: details,
		History: []StateRecord{
			{State: StateAwaiting, At: createdAt},
		},
		UpdatedAt: createdAt,
	}
}

// State returns the Job's current state: the state of its most recent
// history entry (invariant I1 of spec section 3).
func (j *Job) State() State {
	if len(j.History) == 0 {
		return StateAwaiting
	}
	return j.History[len(j.History)-1].State
}

// PreviousState returns the state before the current one, or ("", false) if
// the job has only ever had one state.
func (j *Job) PreviousState() (State, bool) {
	if len(j.History) < 2 {
		return "", false
	}
	return j.History[len(j.History)-2].State, true
}

// Transition appends a new state record, advancing the job's current state
// and updatedAt. It does not touch Version — callers persist the job
// through storage.Provider.Save, which is what advances Version.
func (j *Job) Transition(state State, at time.Time, payload map[string]any) {
	j.History = append(j.History, StateRecord{State: state, At: at, Payload: payload})
	j.UpdatedAt = at
}

// Clone returns a deep copy, so callers can mutate a working copy without
// corrupting a value a concurrent goroutine may be reading.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.History = make([]StateRecord, len(j.History))
	for i, r := range j.History {
		rc := r
		if r.Payload != nil {
			rc.Payload = make(map[string]any, len(r.Payload))
			for k, v := range r.Payload {
				rc.Payload[k] = v
			}
		}
		out.History[i] = rc
	}
	return &out
}

// RecurringJobID returns the job's associated recurring-job id, if any,
// scanning backward from the most recent history entry. A recurring-job id
// set on a SCHEDULED payload is treated as sticking with the job through
// later transitions (ENQUEUED, PROCESSING, ...) even though only the
// SCHEDULED payload explicitly records it (spec section 3).
func (j *Job) RecurringJobID() (string, bool) {
	for i := len(j.History) - 1; i >= 0; i-- {
		if id, ok := j.History[i].RecurringJobID(); ok {
			return id, true
		}
	}
	return "", false
}

// LastStates returns up to n of the job's most recent state records, newest
// first. Used by storage.UnresolvedConflict diagnostics (spec section 4.3).
func (j *Job) LastStates(n int) []StateRecord {
	if n <= 0 || len(j.History) == 0 {
		return nil
	}
	if n > len(j.History) {
		n = len(j.History)
	}
	out := make([]StateRecord, n)
	for i := 0; i < n; i++ {
		out[i] = j.History[len(j.History)-1-i]
	}
	return out
}

// RecurringJob is a caller-managed schedule template independent of any Job
// instance it spawns.
type RecurringJob struct {
	ID       string    `json:"id"`
	Schedule string    `json:"schedule"`
	Details  Details   `json:"jobDetails"`
	Metadata string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ServerStatus carries the mutable liveness/telemetry fields of a
// BackgroundJobServer.
type ServerStatus struct {
	WorkerPoolSize int           `json:"workerPoolSize"`
	PollInterval   time.Duration `json:"pollInterval"`
	IsRunning      bool          `json:"isRunning"`
	CPUPercent     float64       `json:"cpuPercent,omitempty"`
	MemoryUsedMB   float64       `json:"memoryUsedMB,omitempty"`
}

// BackgroundJobServer records one worker process's presence in the cluster.
type BackgroundJobServer struct {
	ID             uuid.UUID `json:"id"`
	Status         ServerStatus
	FirstHeartbeat time.Time `json:"firstHeartbeat"`
	LastHeartbeat  time.Time `json:"lastHeartbeat"`
}

// Metadata is an arbitrary named key/value owned by a named owner. The
// compound key is (Name, Owner).
type Metadata struct {
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ClusterOwner is the literal owner name used for cluster-wide (rather than
// per-server) metadata records.
const ClusterOwner = "cluster"

// Stats summarizes counts across the whole job store.
type Stats struct {
	CountByState          map[State]int64
	AllTimeSucceededCount int64
	RecurringJobCount     int64
	LiveServerCount       int64
}

// SortJobsByUpdatedAt sorts jobs by UpdatedAt, ascending if asc is true.
func SortJobsByUpdatedAt(jobs []*Job, asc bool) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if asc {
			return jobs[i].UpdatedAt.Before(jobs[k].UpdatedAt)
		}
		return jobs[i].UpdatedAt.After(jobs[k].UpdatedAt)
	})
}
