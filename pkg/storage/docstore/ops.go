package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mendess/jobforge/pkg/job"
	"github.com/mendess/jobforge/pkg/storage"
)

// Save implements storage.Provider. The primary job object is written with
// an ETag-conditional PutObject (If-None-Match for an insert, If-Match for
// an update), so the version check and the commit are as atomic as S3
// allows; the index manifests are then updated through their own bounded
// retry loops, which is weaker than sqlstore/kvstore's single-transaction
// guarantee (see the package doc comment).
func (s *Store) Save(ctx context.Context, j *job.Job) error {
	id := j.ID.String()
	data, etag, exists, err := s.getObject(ctx, s.keyJob(id))
	if err != nil {
		return &storage.Error{Op: "Save", Backend: backendName, JobID: id, Err: err}
	}

	var old *job.Job
	if exists {
		old = new(job.Job)
		if err := json.Unmarshal(data, old); err != nil {
			return &storage.Error{Op: "Save", Backend: backendName, JobID: id, Err: fmt.Errorf("%w: %v", storage.ErrStorageFatal, err)}
		}
	}

	if err := storage.CheckVersion(j.Version, versionOf(old), exists); err != nil {
		return &storage.Error{Op: "Save", Backend: backendName, JobID: id, Err: err, Conflicts: []*job.Job{j}}
	}

	stored := j.Clone()
	stored.Version = j.Version + 1
	payload, err := marshalJSON(stored)
	if err != nil {
		return &storage.Error{Op: "Save", Backend: backendName, JobID: id, Err: err}
	}

	ws := storage.RewriteIndexesFor(old, j)

	if err := s.putObjectConditional(ctx, s.keyJob(id), payload, etag, !exists); err != nil {
		if err == storage.ErrConcurrentJobModification {
			return &storage.Error{Op: "Save", Backend: backendName, JobID: id, Err: err, Conflicts: []*job.Job{j}}
		}
		return &storage.Error{Op: "Save", Backend: backendName, JobID: id, Err: err}
	}

	if err := s.applyWriteSet(ctx, ws); err != nil {
		return &storage.Error{Op: "Save", Backend: backendName, JobID: id, Err: err}
	}

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

func (s *Store) applyWriteSet(ctx context.Context, ws storage.WriteSet) error {
	for _, k := range ws.Remove {
		if err := s.applyIndexKey(ctx, k, false); err != nil {
			return err
		}
	}
	for _, k := range ws.Add {
		if err := s.applyIndexKey(ctx, k, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyIndexKey(ctx context.Context, k storage.IndexKey, present bool) error {
	switch k.Kind {
	case storage.StateQueue:
		return setScoreManifestEntry(ctx, s, s.keyQueueManifest(string(k.State)), k.JobID, k.Score, present)
	case storage.ScheduledSet:
		return setScoreManifestEntry(ctx, s, s.keyScheduledManifest(), k.JobID, k.Score, present)
	case storage.SignatureByState:
		delta := int64(1)
		if !present {
			delta = -1
		}
		return updateRefManifest(ctx, s, s.keySignatureManifest(string(k.State)), k.Signature, delta)
	case storage.RecurringRefByState:
		delta := int64(1)
		if !present {
			delta = -1
		}
		return updateRefManifest(ctx, s, s.keyRecurringRefManifest(string(k.State)), k.RecurringJobID, delta)
	}
	return nil
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

	var conflicts storage.BatchConflicts
	for _, j := range jobs {
		if err := s.Save(ctx, j); err != nil {
			if storage.IsConcurrentModification(err) {
				conflicts.Add(j)
				continue
			}
			return err
		}
	}
	return conflicts.Err(backendName, "SaveBatch")
}

// GetByID implements storage.Provider.
func (s *Store) GetByID(ctx context.Context, id string) (*job.Job, error) {
	data, _, exists, err := s.getObject(ctx, s.keyJob(id))
	if err != nil {
		return nil, &storage.Error{Op: "GetByID", Backend: backendName, JobID: id, Err: err}
	}
	if !exists {
		return nil, &storage.Error{Op: "GetByID", Backend: backendName, JobID: id, Err: storage.ErrJobNotFound}
	}
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, &storage.Error{Op: "GetByID", Backend: backendName, JobID: id, Err: fmt.Errorf("%w: %v", storage.ErrStorageFatal, err)}
	}
	return &j, nil
}

// GetByIDs implements storage.BatchGetter. S3 has no native multi-get, so
// this issues one GetObject per id; callers crossing many ids are better
// served paging through GetJobs instead.
func (s *Store) GetByIDs(ctx context.Context, ids []string) (map[string]*job.Job, error) {
	out := make(map[string]*job.Job, len(ids))
	for _, id := range ids {
		j, err := s.GetByID(ctx, id)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out[id] = j
	}
	return out, nil
}

// DeletePermanently implements storage.Provider.
func (s *Store) DeletePermanently(ctx context.Context, id string) (int, error) {
	j, err := s.GetByID(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}

	if err := s.deleteObject(ctx, s.keyJob(id)); err != nil {
		return 0, &storage.Error{Op: "DeletePermanently", Backend: backendName, JobID: id, Err: err}
	}
	for _, k := range storage.RemoveAllIndexesFor(j) {
		if err := s.applyIndexKey(ctx, k, false); err != nil {
			return 0, &storage.Error{Op: "DeletePermanently", Backend: backendName, JobID: id, Err: err}
		}
	}
	s.notifyJobStats()
	return 1, nil
}

func (s *Store) jobsFromManifestIDs(ctx context.Context, ids []string) ([]*job.Job, error) {
	out := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.GetByID(ctx, id)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// GetJobs implements storage.Provider.
func (s *Store) GetJobs(ctx context.Context, state job.State, updatedBefore *time.Time, page storage.PageRequest) ([]*job.Job, error) {
	if err := page.Validate(); err != nil {
		return nil, &storage.Error{Op: "GetJobs", Backend: backendName, Err: err}
	}

	manifest, err := readScoreManifest(ctx, s, s.keyQueueManifest(string(state)))
	if err != nil {
		return nil, &storage.Error{Op: "GetJobs", Backend: backendName, Err: err}
	}
	ids := manifest.sortedIDs(page.Order == storage.SortDescending)
	if updatedBefore != nil {
		cutoff := updatedBefore.UnixMicro()
		filtered := ids[:0:0]
		for _, id := range ids {
			if manifest[id] <= cutoff {
				filtered = append(filtered, id)
			}
		}
		ids = filtered
	}

	jobs, err := s.jobsFromManifestIDs(ctx, pageSliceStrings(ids, page))
	if err != nil {
		return nil, &storage.Error{Op: "GetJobs", Backend: backendName, Err: err}
	}
	return jobs, nil
}

func pageSliceStrings(ids []string, page storage.PageRequest) []string {
	if page.Offset >= len(ids) {
		return nil
	}
	end := page.Offset + page.Limit
	if end > len(ids) {
		end = len(ids)
	}
	return ids[page.Offset:end]
}

// GetScheduledJobs implements storage.Provider.
func (s *Store) GetScheduledJobs(ctx context.Context, before time.Time, page storage.PageRequest) ([]*job.Job, error) {
	if err := page.Validate(); err != nil {
		return nil, &storage.Error{Op: "GetScheduledJobs", Backend: backendName, Err: err}
	}

	manifest, err := readScoreManifest(ctx, s, s.keyScheduledManifest())
	if err != nil {
		return nil, &storage.Error{Op: "GetScheduledJobs", Backend: backendName, Err: err}
	}
	cutoff := before.UnixMicro()
	ids := manifest.sortedIDs(false)
	filtered := ids[:0:0]
	for _, id := range ids {
		if manifest[id] <= cutoff {
			filtered = append(filtered, id)
		}
	}

	jobs, err := s.jobsFromManifestIDs(ctx, pageSliceStrings(filtered, page))
	if err != nil {
		return nil, &storage.Error{Op: "GetScheduledJobs", Backend: backendName, Err: err}
	}
	return jobs, nil
}

// GetJobPage implements storage.Provider.
func (s *Store) GetJobPage(ctx context.Context, state job.State, page storage.PageRequest) (storage.PageResult, error) {
	if err := page.Validate(); err != nil {
		return storage.PageResult{}, &storage.Error{Op: "GetJobPage", Backend: backendName, Err: err}
	}

	manifest, err := readScoreManifest(ctx, s, s.keyQueueManifest(string(state)))
	if err != nil {
		return storage.PageResult{}, &storage.Error{Op: "GetJobPage", Backend: backendName, Err: err}
	}

	jobs, err := s.GetJobs(ctx, state, nil, page)
	if err != nil {
		return storage.PageResult{}, err
	}
	return storage.PageResult{Jobs: jobs, Total: int64(len(manifest))}, nil
}

// DeleteJobsPermanently implements storage.Provider. Re-reads the state
// manifest on every iteration rather than trusting a single snapshot, so an
// interruption between batches leaves the store in a valid, restartable
// state (spec.md §4.1).
func (s *Store) DeleteJobsPermanently(ctx context.Context, state job.State, updatedBefore time.Time) (int, error) {
	const pageSize = 1000
	cutoff := updatedBefore.UnixMicro()
	deleted := 0

	for {
		manifest, err := readScoreManifest(ctx, s, s.keyQueueManifest(string(state)))
		if err != nil {
			return deleted, &storage.Error{Op: "DeleteJobsPermanently", Backend: backendName, Err: err}
		}
		ids := manifest.sortedIDs(false)

		var batch []string
		for _, id := range ids {
			if manifest[id] > cutoff {
				break
			}
			batch = append(batch, id)
			if len(batch) >= pageSize {
				break
			}
		}
		if len(batch) == 0 {
			break
		}

		for _, id := range batch {
			n, err := s.DeletePermanently(ctx, id)
			if err != nil {
				return deleted, err
			}
			deleted += n
		}

		if len(batch) < pageSize {
			break
		}
	}

	return deleted, nil
}

// GetDistinctJobSignatures implements storage.Provider.
func (s *Store) GetDistinctJobSignatures(ctx context.Context, states ...job.State) ([]string, error) {
	seen := make(map[string]struct{})
	for _, st := range states {
		sigs, err := idSetSlice(ctx, s, s.keySignatureManifest(string(st)))
		if err != nil {
			return nil, &storage.Error{Op: "GetDistinctJobSignatures", Backend: backendName, Err: err}
		}
		for _, sig := range sigs {
			seen[sig] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for sig := range seen {
		out = append(out, sig)
	}
	return out, nil
}

// Exists implements storage.Provider.
func (s *Store) Exists(ctx context.Context, details job.Details, states ...job.State) (bool, error) {
	sig := details.Signature()
	for _, st := range states {
		m, err := readRefManifest(ctx, s, s.keySignatureManifest(string(st)))
		if err != nil {
			return false, &storage.Error{Op: "Exists", Backend: backendName, Err: err}
		}
		if m[sig] > 0 {
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
	payload, err := marshalJSON(rj)
	if err != nil {
		return &storage.Error{Op: "SaveRecurringJob", Backend: backendName, Err: err}
	}
	if err := s.putObject(ctx, s.keyRecurringJob(rj.ID), payload); err != nil {
		return &storage.Error{Op: "SaveRecurringJob", Backend: backendName, Err: err}
	}
	if err := setRefManifestPresent(ctx, s, s.keyRecurringJobsManifest(), rj.ID, true); err != nil {
		return &storage.Error{Op: "SaveRecurringJob", Backend: backendName, Err: err}
	}
	return nil
}

// GetRecurringJobs implements storage.Provider.
func (s *Store) GetRecurringJobs(ctx context.Context) ([]*job.RecurringJob, error) {
	ids, err := idSetSlice(ctx, s, s.keyRecurringJobsManifest())
	if err != nil {
		return nil, &storage.Error{Op: "GetRecurringJobs", Backend: backendName, Err: err}
	}
	var out []*job.RecurringJob
	for _, id := range ids {
		data, _, exists, err := s.getObject(ctx, s.keyRecurringJob(id))
		if err != nil {
			return nil, &storage.Error{Op: "GetRecurringJobs", Backend: backendName, Err: err}
		}
		if !exists {
			continue
		}
		var rj job.RecurringJob
		if err := json.Unmarshal(data, &rj); err != nil {
			return nil, &storage.Error{Op: "GetRecurringJobs", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageFatal, err)}
		}
		out = append(out, &rj)
	}
	return out, nil
}

// DeleteRecurringJob implements storage.Provider.
func (s *Store) DeleteRecurringJob(ctx context.Context, id string) error {
	if err := s.deleteObject(ctx, s.keyRecurringJob(id)); err != nil {
		return &storage.Error{Op: "DeleteRecurringJob", Backend: backendName, Err: err}
	}
	if err := setRefManifestPresent(ctx, s, s.keyRecurringJobsManifest(), id, false); err != nil {
		return &storage.Error{Op: "DeleteRecurringJob", Backend: backendName, Err: err}
	}
	return nil
}

// RecurringJobExists implements storage.Provider.
func (s *Store) RecurringJobExists(ctx context.Context, id string, states ...job.State) (bool, error) {
	for _, st := range states {
		m, err := readRefManifest(ctx, s, s.keyRecurringRefManifest(string(st)))
		if err != nil {
			return false, &storage.Error{Op: "RecurringJobExists", Backend: backendName, Err: err}
		}
		if m[id] > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Announce implements storage.Provider.
func (s *Store) Announce(ctx context.Context, srv *job.BackgroundJobServer) error {
	payload, err := marshalJSON(srv)
	if err != nil {
		return &storage.Error{Op: "Announce", Backend: backendName, Err: err}
	}
	id := srv.ID.String()
	if err := s.putObject(ctx, s.keyServer(id), payload); err != nil {
		return &storage.Error{Op: "Announce", Backend: backendName, Err: err}
	}
	if err := setScoreManifestEntry(ctx, s, s.keyServersByCreatedManifest(), id, srv.FirstHeartbeat.UnixMicro(), true); err != nil {
		return &storage.Error{Op: "Announce", Backend: backendName, Err: err}
	}
	if err := setScoreManifestEntry(ctx, s, s.keyServersByUpdatedManifest(), id, srv.LastHeartbeat.UnixMicro(), true); err != nil {
		return &storage.Error{Op: "Announce", Backend: backendName, Err: err}
	}
	return nil
}

// SignalAlive implements storage.Provider.
func (s *Store) SignalAlive(ctx context.Context, id string, status job.ServerStatus, at time.Time) (bool, error) {
	data, _, exists, err := s.getObject(ctx, s.keyServer(id))
	if err != nil {
		return false, &storage.Error{Op: "SignalAlive", Backend: backendName, JobID: id, Err: err}
	}
	if !exists {
		return false, &storage.Error{Op: "SignalAlive", Backend: backendName, JobID: id, Err: storage.ErrServerTimedOut}
	}

	var srv job.BackgroundJobServer
	if err := json.Unmarshal(data, &srv); err != nil {
		return false, &storage.Error{Op: "SignalAlive", Backend: backendName, JobID: id, Err: fmt.Errorf("%w: %v", storage.ErrStorageFatal, err)}
	}
	srv.Status = status
	srv.LastHeartbeat = at

	payload, err := marshalJSON(&srv)
	if err != nil {
		return false, &storage.Error{Op: "SignalAlive", Backend: backendName, JobID: id, Err: err}
	}
	if err := s.putObject(ctx, s.keyServer(id), payload); err != nil {
		return false, &storage.Error{Op: "SignalAlive", Backend: backendName, JobID: id, Err: err}
	}
	if err := setScoreManifestEntry(ctx, s, s.keyServersByUpdatedManifest(), id, at.UnixMicro(), true); err != nil {
		return false, &storage.Error{Op: "SignalAlive", Backend: backendName, JobID: id, Err: err}
	}
	return srv.Status.IsRunning, nil
}

// SignalStopped implements storage.Provider.
func (s *Store) SignalStopped(ctx context.Context, id string) error {
	if err := s.deleteObject(ctx, s.keyServer(id)); err != nil {
		return &storage.Error{Op: "SignalStopped", Backend: backendName, JobID: id, Err: err}
	}
	if err := setScoreManifestEntry(ctx, s, s.keyServersByCreatedManifest(), id, 0, false); err != nil {
		return &storage.Error{Op: "SignalStopped", Backend: backendName, JobID: id, Err: err}
	}
	if err := setScoreManifestEntry(ctx, s, s.keyServersByUpdatedManifest(), id, 0, false); err != nil {
		return &storage.Error{Op: "SignalStopped", Backend: backendName, JobID: id, Err: err}
	}
	return nil
}

// GetServers implements storage.Provider.
func (s *Store) GetServers(ctx context.Context) ([]*job.BackgroundJobServer, error) {
	manifest, err := readScoreManifest(ctx, s, s.keyServersByCreatedManifest())
	if err != nil {
		return nil, &storage.Error{Op: "GetServers", Backend: backendName, Err: err}
	}
	ids := manifest.sortedIDs(false)

	var out []*job.BackgroundJobServer
	for _, id := range ids {
		data, _, exists, err := s.getObject(ctx, s.keyServer(id))
		if err != nil {
			return nil, &storage.Error{Op: "GetServers", Backend: backendName, Err: err}
		}
		if !exists {
			continue
		}
		var srv job.BackgroundJobServer
		if err := json.Unmarshal(data, &srv); err != nil {
			return nil, &storage.Error{Op: "GetServers", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageFatal, err)}
		}
		out = append(out, &srv)
	}
	return out, nil
}

// GetLongestRunning implements storage.Provider.
func (s *Store) GetLongestRunning(ctx context.Context) (*job.BackgroundJobServer, error) {
	servers, err := s.GetServers(ctx)
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return nil, &storage.Error{Op: "GetLongestRunning", Backend: backendName, Err: storage.ErrJobNotFound}
	}
	return servers[0], nil
}

// RemoveTimedOut implements storage.Provider.
func (s *Store) RemoveTimedOut(ctx context.Context, olderThan time.Time) (int, error) {
	manifest, err := readScoreManifest(ctx, s, s.keyServersByUpdatedManifest())
	if err != nil {
		return 0, &storage.Error{Op: "RemoveTimedOut", Backend: backendName, Err: err}
	}
	cutoff := olderThan.UnixMicro()
	removed := 0
	for id, score := range manifest {
		if score <= cutoff {
			if err := s.SignalStopped(ctx, id); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// SaveMetadata implements storage.Provider.
func (s *Store) SaveMetadata(ctx context.Context, m *job.Metadata) error {
	payload, err := marshalJSON(m)
	if err != nil {
		return &storage.Error{Op: "SaveMetadata", Backend: backendName, Err: err}
	}
	if err := s.putObject(ctx, s.keyMetadataRecord(m.Name, m.Owner), payload); err != nil {
		return &storage.Error{Op: "SaveMetadata", Backend: backendName, Err: err}
	}
	if err := setRefManifestPresent(ctx, s, s.keyMetadataManifest(), m.Name+"|"+m.Owner, true); err != nil {
		return &storage.Error{Op: "SaveMetadata", Backend: backendName, Err: err}
	}
	s.notifyMetadata()
	return nil
}

// GetMetadataByName implements storage.Provider.
func (s *Store) GetMetadataByName(ctx context.Context, name string) ([]*job.Metadata, error) {
	keys, err := idSetSlice(ctx, s, s.keyMetadataManifest())
	if err != nil {
		return nil, &storage.Error{Op: "GetMetadataByName", Backend: backendName, Err: err}
	}
	var out []*job.Metadata
	for _, compound := range keys {
		n, owner, ok := splitCompound(compound)
		if !ok || n != name {
			continue
		}
		m, err := s.GetMetadata(ctx, name, owner)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// GetMetadata implements storage.Provider.
func (s *Store) GetMetadata(ctx context.Context, name, owner string) (*job.Metadata, error) {
	data, _, exists, err := s.getObject(ctx, s.keyMetadataRecord(name, owner))
	if err != nil {
		return nil, &storage.Error{Op: "GetMetadata", Backend: backendName, Err: err}
	}
	if !exists {
		return nil, &storage.Error{Op: "GetMetadata", Backend: backendName, Err: storage.ErrJobNotFound}
	}
	var m job.Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &storage.Error{Op: "GetMetadata", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageFatal, err)}
	}
	return &m, nil
}

// DeleteMetadata implements storage.Provider.
func (s *Store) DeleteMetadata(ctx context.Context, name string) error {
	keys, err := idSetSlice(ctx, s, s.keyMetadataManifest())
	if err != nil {
		return &storage.Error{Op: "DeleteMetadata", Backend: backendName, Err: err}
	}
	for _, compound := range keys {
		n, owner, ok := splitCompound(compound)
		if !ok || n != name {
			continue
		}
		if err := s.deleteObject(ctx, s.keyMetadataRecord(name, owner)); err != nil {
			return &storage.Error{Op: "DeleteMetadata", Backend: backendName, Err: err}
		}
		if err := setRefManifestPresent(ctx, s, s.keyMetadataManifest(), compound, false); err != nil {
			return &storage.Error{Op: "DeleteMetadata", Backend: backendName, Err: err}
		}
	}
	s.notifyMetadata()
	return nil
}

func splitCompound(s string) (name, owner string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// GetJobStats implements storage.Provider.
func (s *Store) GetJobStats(ctx context.Context) (job.Stats, error) {
	stats := job.Stats{CountByState: make(map[job.State]int64, len(job.States))}
	for _, st := range job.States {
		manifest, err := readScoreManifest(ctx, s, s.keyQueueManifest(string(st)))
		if err != nil {
			return stats, &storage.Error{Op: "GetJobStats", Backend: backendName, Err: err}
		}
		stats.CountByState[st] = int64(len(manifest))
	}

	succeeded, err := readCounter(ctx, s, s.keyCounters())
	if err != nil {
		return stats, &storage.Error{Op: "GetJobStats", Backend: backendName, Err: err}
	}
	stats.AllTimeSucceededCount = succeeded

	recurring, err := idSetSlice(ctx, s, s.keyRecurringJobsManifest())
	if err != nil {
		return stats, &storage.Error{Op: "GetJobStats", Backend: backendName, Err: err}
	}
	stats.RecurringJobCount = int64(len(recurring))

	servers, err := readScoreManifest(ctx, s, s.keyServersByCreatedManifest())
	if err != nil {
		return stats, &storage.Error{Op: "GetJobStats", Backend: backendName, Err: err}
	}
	stats.LiveServerCount = int64(len(servers))

	return stats, nil
}

// PublishTotalAmountOfSucceededJobs implements storage.Provider.
func (s *Store) PublishTotalAmountOfSucceededJobs(ctx context.Context, n int64) error {
	if err := updateCounter(ctx, s, s.keyCounters(), n); err != nil {
		return &storage.Error{Op: "PublishTotalAmountOfSucceededJobs", Backend: backendName, Err: err}
	}
	s.notifyJobStats()
	return nil
}
