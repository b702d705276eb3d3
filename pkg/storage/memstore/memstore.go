// Package memstore is an in-process storage.Provider backed by mutex-guarded
// maps. It exists for tests, local single-process development, and as the
// reference implementation every other backend's behavior is checked
// against via storagetest.
//
// Grounded on the teacher's pkg/jobregistry/store.go, which keeps one
// in-process record per job; memstore generalizes that idiom from a single
// flat-file record store to the full secondary-index set of spec section 3,
// held in memory instead of on disk.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mendess/jobforge/pkg/job"
	"github.com/mendess/jobforge/pkg/notify"
	"github.com/mendess/jobforge/pkg/storage"
)

const backendName = "memstore"

// Store is an in-memory storage.Provider. The zero value is not usable;
// construct with New.
type Store struct {
	mu sync.RWMutex

	jobs map[string]*job.Job

	stateQueue   map[job.State]map[string]int64 // jobID -> updatedAt micros
	scheduledSet map[string]int64               // jobID -> fireAt micros
	sigByState   map[job.State]map[string]int   // signature -> refcount
	recurByState map[job.State]map[string]int   // recurringJobID -> refcount

	recurringJobs map[string]*job.RecurringJob
	servers       map[string]*job.BackgroundJobServer
	metadata      map[string]*job.Metadata // key: name + "\x00" + owner

	allTimeSucceeded int64

	log        *zap.Logger
	dispatcher *notify.Dispatcher
}

// New constructs an empty Store. dispatcher may be nil, in which case
// mutations are not reported anywhere; log may be nil, in which case a
// no-op logger is used.
func New(dispatcher *notify.Dispatcher, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		jobs:          make(map[string]*job.Job),
		stateQueue:    make(map[job.State]map[string]int64, len(job.States)),
		scheduledSet:  make(map[string]int64),
		sigByState:    make(map[job.State]map[string]int, len(job.States)),
		recurByState:  make(map[job.State]map[string]int, len(job.States)),
		recurringJobs: make(map[string]*job.RecurringJob),
		servers:       make(map[string]*job.BackgroundJobServer),
		metadata:      make(map[string]*job.Metadata),
		log:           log.Named(backendName),
		dispatcher:    dispatcher,
	}
	for _, st := range job.States {
		s.stateQueue[st] = make(map[string]int64)
		s.sigByState[st] = make(map[string]int)
		s.recurByState[st] = make(map[string]int)
	}
	return s
}

var _ storage.Provider = (*Store)(nil)
var _ storage.BatchGetter = (*Store)(nil)

func (s *Store) Close() error { return nil }

func (s *Store) applyWriteSet(ws storage.WriteSet) {
	for _, k := range ws.Remove {
		s.removeIndexKey(k)
	}
	for _, k := range ws.Add {
		s.addIndexKey(k)
	}
}

func (s *Store) removeIndexKey(k storage.IndexKey) {
	switch k.Kind {
	case storage.StateQueue:
		delete(s.stateQueue[k.State], k.JobID)
	case storage.ScheduledSet:
		delete(s.scheduledSet, k.JobID)
	case storage.SignatureByState:
		s.decrefSig(k.State, k.Signature)
	case storage.RecurringRefByState:
		s.decrefRecur(k.State, k.RecurringJobID)
	}
}

func (s *Store) addIndexKey(k storage.IndexKey) {
	switch k.Kind {
	case storage.StateQueue:
		if s.stateQueue[k.State] == nil {
			s.stateQueue[k.State] = make(map[string]int64)
		}
		s.stateQueue[k.State][k.JobID] = k.Score
	case storage.ScheduledSet:
		s.scheduledSet[k.JobID] = k.Score
	case storage.SignatureByState:
		s.increfSig(k.State, k.Signature)
	case storage.RecurringRefByState:
		s.increfRecur(k.State, k.RecurringJobID)
	}
}

func (s *Store) increfSig(state job.State, sig string) {
	if s.sigByState[state] == nil {
		s.sigByState[state] = make(map[string]int)
	}
	s.sigByState[state][sig]++
}

func (s *Store) decrefSig(state job.State, sig string) {
	m := s.sigByState[state]
	if m == nil {
		return
	}
	m[sig]--
	if m[sig] <= 0 {
		delete(m, sig)
	}
}

func (s *Store) increfRecur(state job.State, id string) {
	if s.recurByState[state] == nil {
		s.recurByState[state] = make(map[string]int)
	}
	s.recurByState[state][id]++
}

func (s *Store) decrefRecur(state job.State, id string) {
	m := s.recurByState[state]
	if m == nil {
		return
	}
	m[id]--
	if m[id] <= 0 {
		delete(m, id)
	}
}

func (s *Store) notifyJobStats() {
	if s.dispatcher != nil {
		s.dispatcher.NotifyJobStatsChanged()
	}
}

func (s *Store) notifyMetadata() {
	if s.dispatcher != nil {
		s.dispatcher.NotifyMetadataChanged()
	}
}

// Save implements storage.Provider.
func (s *Store) Save(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := j.ID.String()
	old, exists := s.jobs[id]
	if err := storage.CheckVersion(j.Version, versionOf(old), exists); err != nil {
		return newConflictSingle(j)
	}

	ws := storage.RewriteIndexesFor(old, j)
	s.applyWriteSet(ws)

	stored := j.Clone()
	stored.Version = j.Version + 1
	s.jobs[id] = stored
	j.Version = stored.Version

	s.notifyJobStats()
	return nil
}

func versionOf(j *job.Job) int64 {
	if j == nil {
		return 0
	}
	return j.Version
}

func newConflictSingle(j *job.Job) error {
	return &storage.Error{Op: "Save", Backend: backendName, JobID: j.ID.String(), Err: storage.ErrConcurrentJobModification, Conflicts: []*job.Job{j}}
}

// SaveBatch implements storage.Provider.
func (s *Store) SaveBatch(ctx context.Context, jobs []*job.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	allNew := jobs[0].Version == 0
	for _, j := range jobs {
		if (j.Version == 0) != allNew {
			return &storage.Error{Op: "SaveBatch", Backend: backendName, Err: storage.ErrInvalidArgument}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var conflicts storage.BatchConflicts
	for _, j := range jobs {
		id := j.ID.String()
		old, exists := s.jobs[id]
		if err := storage.CheckVersion(j.Version, versionOf(old), exists); err != nil {
			conflicts.Add(j)
			continue
		}
		ws := storage.RewriteIndexesFor(old, j)
		s.applyWriteSet(ws)
		stored := j.Clone()
		stored.Version = j.Version + 1
		s.jobs[id] = stored
		j.Version = stored.Version
	}

	if err := conflicts.Err(backendName, "SaveBatch"); err != nil {
		return err
	}
	s.notifyJobStats()
	return nil
}

// GetByID implements storage.Provider.
func (s *Store) GetByID(ctx context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, &storage.Error{Op: "GetByID", Backend: backendName, JobID: id, Err: storage.ErrJobNotFound}
	}
	return j.Clone(), nil
}

// GetByIDs implements storage.BatchGetter.
func (s *Store) GetByIDs(ctx context.Context, ids []string) (map[string]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*job.Job, len(ids))
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok {
			out[id] = j.Clone()
		}
	}
	return out, nil
}

// DeletePermanently implements storage.Provider.
func (s *Store) DeletePermanently(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return 0, nil
	}
	for _, k := range storage.RemoveAllIndexesFor(j) {
		s.removeIndexKey(k)
	}
	delete(s.jobs, id)
	s.notifyJobStats()
	return 1, nil
}

// GetJobs implements storage.Provider.
func (s *Store) GetJobs(ctx context.Context, state job.State, updatedBefore *time.Time, page storage.PageRequest) ([]*job.Job, error) {
	if err := page.Validate(); err != nil {
		return nil, &storage.Error{Op: "GetJobs", Backend: backendName, Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.sortedQueueIDs(state, page.Order)
	var out []*job.Job
	for _, id := range ids {
		j := s.jobs[id]
		if j == nil {
			continue
		}
		if updatedBefore != nil && j.UpdatedAt.After(*updatedBefore) {
			continue
		}
		out = append(out, j)
	}
	return paginate(out, page), nil
}

func (s *Store) sortedQueueIDs(state job.State, order storage.SortOrder) []string {
	type entry struct {
		id    string
		score int64
	}
	entries := make([]entry, 0, len(s.stateQueue[state]))
	for id, score := range s.stateQueue[state] {
		entries = append(entries, entry{id, score})
	}
	sort.Slice(entries, func(i, k int) bool {
		if order == storage.SortDescending {
			return entries[i].score > entries[k].score
		}
		return entries[i].score < entries[k].score
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

func paginate(jobs []*job.Job, page storage.PageRequest) []*job.Job {
	cloned := make([]*job.Job, len(jobs))
	for i, j := range jobs {
		cloned[i] = j.Clone()
	}
	if page.Offset >= len(cloned) {
		return nil
	}
	end := page.Offset + page.Limit
	if end > len(cloned) {
		end = len(cloned)
	}
	return cloned[page.Offset:end]
}

// GetScheduledJobs implements storage.Provider.
func (s *Store) GetScheduledJobs(ctx context.Context, before time.Time, page storage.PageRequest) ([]*job.Job, error) {
	if err := page.Validate(); err != nil {
		return nil, &storage.Error{Op: "GetScheduledJobs", Backend: backendName, Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type entry struct {
		id    string
		score int64
	}
	beforeMicros := before.UnixMicro()
	entries := make([]entry, 0, len(s.scheduledSet))
	for id, score := range s.scheduledSet {
		if score <= beforeMicros {
			entries = append(entries, entry{id, score})
		}
	}
	sort.Slice(entries, func(i, k int) bool { return entries[i].score < entries[k].score })

	var out []*job.Job
	for _, e := range entries {
		if j := s.jobs[e.id]; j != nil {
			out = append(out, j)
		}
	}
	return paginate(out, page), nil
}

// GetJobPage implements storage.Provider.
func (s *Store) GetJobPage(ctx context.Context, state job.State, page storage.PageRequest) (storage.PageResult, error) {
	if err := page.Validate(); err != nil {
		return storage.PageResult{}, &storage.Error{Op: "GetJobPage", Backend: backendName, Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.sortedQueueIDs(state, page.Order)
	total := int64(len(ids))
	var jobs []*job.Job
	for _, id := range ids {
		if j := s.jobs[id]; j != nil {
			jobs = append(jobs, j)
		}
	}
	return storage.PageResult{Jobs: paginate(jobs, page), Total: total}, nil
}

// DeleteJobsPermanently implements storage.Provider.
//
// Mirrors the teacher's paging-traversal discipline (indexstore's
// page-at-a-time scans): never trust a single snapshot across the whole
// operation, stop at the first job beyond the cutoff, and remain restartable
// if interrupted midway (every deletion below is already a complete,
// self-contained primary+index removal).
func (s *Store) DeleteJobsPermanently(ctx context.Context, state job.State, updatedBefore time.Time) (int, error) {
	const pageSize = 1000
	cutoff := updatedBefore.UnixMicro()
	deleted := 0

	for {
		s.mu.Lock()
		ids := s.sortedQueueIDs(state, storage.SortAscending)
		batch := make([]string, 0, pageSize)
		for _, id := range ids {
			score, ok := s.stateQueue[state][id]
			if !ok || score > cutoff {
				break
			}
			batch = append(batch, id)
			if len(batch) >= pageSize {
				break
			}
		}
		for _, id := range batch {
			if j, ok := s.jobs[id]; ok {
				for _, k := range storage.RemoveAllIndexesFor(j) {
					s.removeIndexKey(k)
				}
				delete(s.jobs, id)
				deleted++
			}
		}
		s.mu.Unlock()

		if len(batch) < pageSize {
			break
		}
	}

	if deleted > 0 {
		s.notifyJobStats()
	}
	return deleted, nil
}

// GetDistinctJobSignatures implements storage.Provider.
func (s *Store) GetDistinctJobSignatures(ctx context.Context, states ...job.State) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, st := range states {
		for sig := range s.sigByState[st] {
			seen[sig] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for sig := range seen {
		out = append(out, sig)
	}
	sort.Strings(out)
	return out, nil
}

// Exists implements storage.Provider.
func (s *Store) Exists(ctx context.Context, details job.Details, states ...job.State) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig := details.Signature()
	for _, st := range states {
		if s.sigByState[st][sig] > 0 {
			return true, nil
		}
	}
	return false, nil
}

// SaveRecurringJob implements storage.Provider.
func (s *Store) SaveRecurringJob(ctx context.Context, rj *job.RecurringJob) error {
	if rj == nil || rj.ID == "" {
		return &storage.Error{Op: "SaveRecurringJob", Backend: backendName, Err: fmt.Errorf("%w: recurring job id is required", storage.ErrInvalidArgument)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rj
	s.recurringJobs[rj.ID] = &cp
	return nil
}

// GetRecurringJobs implements storage.Provider.
func (s *Store) GetRecurringJobs(ctx context.Context) ([]*job.RecurringJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*job.RecurringJob, 0, len(s.recurringJobs))
	for _, rj := range s.recurringJobs {
		cp := *rj
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// DeleteRecurringJob implements storage.Provider.
func (s *Store) DeleteRecurringJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recurringJobs, id)
	return nil
}

// RecurringJobExists implements storage.Provider.
func (s *Store) RecurringJobExists(ctx context.Context, id string, states ...job.State) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range states {
		if s.recurByState[st][id] > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Announce implements storage.Provider.
func (s *Store) Announce(ctx context.Context, srv *job.BackgroundJobServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *srv
	s.servers[srv.ID.String()] = &cp
	return nil
}

// SignalAlive implements storage.Provider.
func (s *Store) SignalAlive(ctx context.Context, id string, status job.ServerStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[id]
	if !ok {
		return false, &storage.Error{Op: "SignalAlive", Backend: backendName, JobID: id, Err: storage.ErrServerTimedOut}
	}
	srv.Status = status
	srv.LastHeartbeat = at
	return srv.Status.IsRunning, nil
}

// SignalStopped implements storage.Provider.
func (s *Store) SignalStopped(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.servers, id)
	return nil
}

// GetServers implements storage.Provider.
func (s *Store) GetServers(ctx context.Context) ([]*job.BackgroundJobServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*job.BackgroundJobServer, 0, len(s.servers))
	for _, srv := range s.servers {
		cp := *srv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].FirstHeartbeat.Before(out[k].FirstHeartbeat) })
	return out, nil
}

// GetLongestRunning implements storage.Provider.
func (s *Store) GetLongestRunning(ctx context.Context) (*job.BackgroundJobServer, error) {
	servers, _ := s.GetServers(ctx)
	if len(servers) == 0 {
		return nil, &storage.Error{Op: "GetLongestRunning", Backend: backendName, Err: storage.ErrJobNotFound}
	}
	return servers[0], nil
}

// RemoveTimedOut implements storage.Provider.
func (s *Store) RemoveTimedOut(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, srv := range s.servers {
		if !srv.LastHeartbeat.After(olderThan) {
			delete(s.servers, id)
			removed++
		}
	}
	return removed, nil
}

func metadataKey(name, owner string) string { return name + "\x00" + owner }

// SaveMetadata implements storage.Provider.
func (s *Store) SaveMetadata(ctx context.Context, m *job.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.metadata[metadataKey(m.Name, m.Owner)] = &cp
	s.notifyMetadata()
	return nil
}

// GetMetadataByName implements storage.Provider.
func (s *Store) GetMetadataByName(ctx context.Context, name string) ([]*job.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*job.Metadata
	for _, m := range s.metadata {
		if m.Name == name {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Owner < out[k].Owner })
	return out, nil
}

// GetMetadata implements storage.Provider.
func (s *Store) GetMetadata(ctx context.Context, name, owner string) (*job.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metadata[metadataKey(name, owner)]
	if !ok {
		return nil, &storage.Error{Op: "GetMetadata", Backend: backendName, Err: storage.ErrJobNotFound}
	}
	cp := *m
	return &cp, nil
}

// DeleteMetadata implements storage.Provider.
func (s *Store) DeleteMetadata(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, m := range s.metadata {
		if m.Name == name {
			delete(s.metadata, k)
		}
	}
	s.notifyMetadata()
	return nil
}

// GetJobStats implements storage.Provider.
func (s *Store) GetJobStats(ctx context.Context) (job.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := job.Stats{CountByState: make(map[job.State]int64, len(job.States))}
	for _, st := range job.States {
		stats.CountByState[st] = int64(len(s.stateQueue[st]))
	}
	stats.AllTimeSucceededCount = s.allTimeSucceeded
	stats.RecurringJobCount = int64(len(s.recurringJobs))
	stats.LiveServerCount = int64(len(s.servers))
	return stats, nil
}

// PublishTotalAmountOfSucceededJobs implements storage.Provider.
func (s *Store) PublishTotalAmountOfSucceededJobs(ctx context.Context, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allTimeSucceeded += n
	s.notifyJobStats()
	return nil
}
