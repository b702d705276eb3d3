package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mendess/jobforge/pkg/job"
	"github.com/mendess/jobforge/pkg/storage"
)

// Save implements storage.Provider using Redis WATCH/MULTI/EXEC: the job's
// primary key is watched, so if another client commits a change to it
// between our GET and our EXEC, the transaction aborts and we report
// ErrConcurrentJobModification (spec.md §4.3).
func (s *Store) Save(ctx context.Context, j *job.Job) error {
	key := s.keyJob(j.ID.String())

	txErr := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		exists := err != redis.Nil
		if err != nil && err != redis.Nil {
			return fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)
		}

		var old *job.Job
		if exists {
			old, err = unmarshalJob(raw)
			if err != nil {
				return err
			}
		}

		if err := storage.CheckVersion(j.Version, versionOf(old), exists); err != nil {
			return err
		}

		stored := j.Clone()
		stored.Version = j.Version + 1
		payload, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
		}

		ws := storage.RewriteIndexesFor(old, j)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			s.applyWriteSet(ctx, pipe, ws)
			return nil
		})
		if errors.Is(err, redis.TxFailedErr) {
			return storage.ErrConcurrentJobModification
		}
		if err != nil {
			return fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)
		}

		j.Version = stored.Version
		return nil
	}, key)

	if txErr != nil {
		if errors.Is(txErr, storage.ErrConcurrentJobModification) {
			return &storage.Error{Op: "Save", Backend: backendName, JobID: j.ID.String(), Err: txErr, Conflicts: []*job.Job{j}}
		}
		return &storage.Error{Op: "Save", Backend: backendName, JobID: j.ID.String(), Err: txErr}
	}

	s.notifyJobStats()
	return nil
}

func versionOf(j *job.Job) int64 {
	if j == nil {
		return 0
	}
	return j.Version
}

func unmarshalJob(raw string) (*job.Job, error) {
	var j job.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, fmt.Errorf("%w: unmarshal job: %v", storage.ErrStorageFatal, err)
	}
	return &j, nil
}

func (s *Store) applyWriteSet(ctx context.Context, pipe redis.Pipeliner, ws storage.WriteSet) {
	for _, k := range ws.Remove {
		s.removeIndexKey(ctx, pipe, k)
	}
	for _, k := range ws.Add {
		s.addIndexKey(ctx, pipe, k)
	}
}

func (s *Store) removeIndexKey(ctx context.Context, pipe redis.Pipeliner, k storage.IndexKey) {
	switch k.Kind {
	case storage.StateQueue:
		pipe.ZRem(ctx, s.keyQueue(string(k.State)), k.JobID)
	case storage.ScheduledSet:
		pipe.ZRem(ctx, s.keyScheduled(), k.JobID)
	case storage.SignatureByState:
		decrefField(ctx, pipe, s.keySignatureState(string(k.State)), k.Signature)
	case storage.RecurringRefByState:
		decrefField(ctx, pipe, s.keyRecurringState(string(k.State)), k.RecurringJobID)
	}
}

func (s *Store) addIndexKey(ctx context.Context, pipe redis.Pipeliner, k storage.IndexKey) {
	switch k.Kind {
	case storage.StateQueue:
		pipe.ZAdd(ctx, s.keyQueue(string(k.State)), redis.Z{Score: float64(k.Score), Member: k.JobID})
	case storage.ScheduledSet:
		pipe.ZAdd(ctx, s.keyScheduled(), redis.Z{Score: float64(k.Score), Member: k.JobID})
	case storage.SignatureByState:
		pipe.HIncrBy(ctx, s.keySignatureState(string(k.State)), k.Signature, 1)
	case storage.RecurringRefByState:
		pipe.HIncrBy(ctx, s.keyRecurringState(string(k.State)), k.RecurringJobID, 1)
	}
}

// decrefField queues a single decrement and never removes the field: a
// field that reaches zero stays in the hash. That is harmless because every
// reader (Exists, GetDistinctJobSignatures, RecurringJobExists) treats a
// count of 0 or less as absent; the leftover field only wastes a few bytes.
func decrefField(ctx context.Context, pipe redis.Pipeliner, key, field string) {
	pipe.HIncrBy(ctx, key, field, -1)
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
	raw, err := s.rdb.Get(ctx, s.keyJob(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, &storage.Error{Op: "GetByID", Backend: backendName, JobID: id, Err: storage.ErrJobNotFound}
	}
	if err != nil {
		return nil, &storage.Error{Op: "GetByID", Backend: backendName, JobID: id, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	j, err := unmarshalJob(raw)
	if err != nil {
		return nil, &storage.Error{Op: "GetByID", Backend: backendName, JobID: id, Err: err}
	}
	return j, nil
}

// GetByIDs implements storage.BatchGetter using a single MGET round trip.
func (s *Store) GetByIDs(ctx context.Context, ids []string) (map[string]*job.Job, error) {
	out := make(map[string]*job.Job, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keyJob(id)
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, &storage.Error{Op: "GetByIDs", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	for i, v := range vals {
		if v == nil {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		j, err := unmarshalJob(raw)
		if err != nil {
			return nil, &storage.Error{Op: "GetByIDs", Backend: backendName, Err: err}
		}
		out[ids[i]] = j
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

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keyJob(id))
		for _, k := range storage.RemoveAllIndexesFor(j) {
			s.removeIndexKey(ctx, pipe, k)
		}
		return nil
	})
	if err != nil {
		return 0, &storage.Error{Op: "DeletePermanently", Backend: backendName, JobID: id, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	s.notifyJobStats()
	return 1, nil
}

func (s *Store) zRangeJobs(ctx context.Context, key string, page storage.PageRequest, maxScore *int64) ([]*job.Job, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: "+inf", Offset: int64(page.Offset), Count: int64(page.Limit)}
	if maxScore != nil {
		opt.Max = strconv.FormatInt(*maxScore, 10)
	}

	var ids []string
	var err error
	if page.Order == storage.SortDescending {
		ids, err = s.rdb.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{Min: opt.Min, Max: opt.Max, Offset: opt.Offset, Count: opt.Count}).Result()
	} else {
		ids, err = s.rdb.ZRangeByScore(ctx, key, opt).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)
	}

	jobs, err := s.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		if j, ok := jobs[id]; ok {
			out = append(out, j)
		}
	}
	return out, nil
}

// GetJobs implements storage.Provider.
func (s *Store) GetJobs(ctx context.Context, state job.State, updatedBefore *time.Time, page storage.PageRequest) ([]*job.Job, error) {
	if err := page.Validate(); err != nil {
		return nil, &storage.Error{Op: "GetJobs", Backend: backendName, Err: err}
	}
	var max *int64
	if updatedBefore != nil {
		v := updatedBefore.UnixMicro()
		max = &v
	}
	jobs, err := s.zRangeJobs(ctx, s.keyQueue(string(state)), page, max)
	if err != nil {
		return nil, &storage.Error{Op: "GetJobs", Backend: backendName, Err: err}
	}
	return jobs, nil
}

// GetScheduledJobs implements storage.Provider.
func (s *Store) GetScheduledJobs(ctx context.Context, before time.Time, page storage.PageRequest) ([]*job.Job, error) {
	if err := page.Validate(); err != nil {
		return nil, &storage.Error{Op: "GetScheduledJobs", Backend: backendName, Err: err}
	}
	max := before.UnixMicro()
	jobs, err := s.zRangeJobs(ctx, s.keyScheduled(), page, &max)
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
	total, err := s.rdb.ZCard(ctx, s.keyQueue(string(state))).Result()
	if err != nil {
		return storage.PageResult{}, &storage.Error{Op: "GetJobPage", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	jobs, err := s.GetJobs(ctx, state, nil, page)
	if err != nil {
		return storage.PageResult{}, err
	}
	return storage.PageResult{Jobs: jobs, Total: total}, nil
}

// DeleteJobsPermanently implements storage.Provider.
func (s *Store) DeleteJobsPermanently(ctx context.Context, state job.State, updatedBefore time.Time) (int, error) {
	const pageSize = 1000
	max := updatedBefore.UnixMicro()
	deleted := 0

	for {
		ids, err := s.rdb.ZRangeByScore(ctx, s.keyQueue(string(state)), &redis.ZRangeBy{
			Min: "-inf", Max: strconv.FormatInt(max, 10), Count: pageSize,
		}).Result()
		if err != nil {
			return deleted, &storage.Error{Op: "DeleteJobsPermanently", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			n, err := s.DeletePermanently(ctx, id)
			if err != nil {
				return deleted, err
			}
			deleted += n
		}

		if len(ids) < pageSize {
			break
		}
	}

	return deleted, nil
}

// GetDistinctJobSignatures implements storage.Provider.
func (s *Store) GetDistinctJobSignatures(ctx context.Context, states ...job.State) ([]string, error) {
	seen := make(map[string]struct{})
	for _, st := range states {
		fields, err := s.rdb.HGetAll(ctx, s.keySignatureState(string(st))).Result()
		if err != nil {
			return nil, &storage.Error{Op: "GetDistinctJobSignatures", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
		}
		for sig, count := range fields {
			if n, _ := strconv.Atoi(count); n > 0 {
				seen[sig] = struct{}{}
			}
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
		count, err := s.rdb.HGet(ctx, s.keySignatureState(string(st)), sig).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return false, &storage.Error{Op: "Exists", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
		}
		if n, _ := strconv.Atoi(count); n > 0 {
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
	payload, err := json.Marshal(rj)
	if err != nil {
		return &storage.Error{Op: "SaveRecurringJob", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)}
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keyRecurringJob(rj.ID), payload, 0)
		pipe.SAdd(ctx, s.keyRecurringJobs(), rj.ID)
		return nil
	})
	if err != nil {
		return &storage.Error{Op: "SaveRecurringJob", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	return nil
}

// GetRecurringJobs implements storage.Provider.
func (s *Store) GetRecurringJobs(ctx context.Context) ([]*job.RecurringJob, error) {
	ids, err := s.rdb.SMembers(ctx, s.keyRecurringJobs()).Result()
	if err != nil {
		return nil, &storage.Error{Op: "GetRecurringJobs", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	var out []*job.RecurringJob
	for _, id := range ids {
		raw, err := s.rdb.Get(ctx, s.keyRecurringJob(id)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, &storage.Error{Op: "GetRecurringJobs", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
		}
		var rj job.RecurringJob
		if err := json.Unmarshal([]byte(raw), &rj); err != nil {
			return nil, &storage.Error{Op: "GetRecurringJobs", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageFatal, err)}
		}
		out = append(out, &rj)
	}
	return out, nil
}

// DeleteRecurringJob implements storage.Provider.
func (s *Store) DeleteRecurringJob(ctx context.Context, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keyRecurringJob(id))
		pipe.SRem(ctx, s.keyRecurringJobs(), id)
		return nil
	})
	if err != nil {
		return &storage.Error{Op: "DeleteRecurringJob", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	return nil
}

// RecurringJobExists implements storage.Provider.
func (s *Store) RecurringJobExists(ctx context.Context, id string, states ...job.State) (bool, error) {
	for _, st := range states {
		count, err := s.rdb.HGet(ctx, s.keyRecurringState(string(st)), id).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return false, &storage.Error{Op: "RecurringJobExists", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
		}
		if n, _ := strconv.Atoi(count); n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Announce implements storage.Provider.
func (s *Store) Announce(ctx context.Context, srv *job.BackgroundJobServer) error {
	payload, err := json.Marshal(srv)
	if err != nil {
		return &storage.Error{Op: "Announce", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)}
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keyServer(srv.ID.String()), payload, 0)
		pipe.ZAdd(ctx, s.keyServersByCreated(), redis.Z{Score: float64(srv.FirstHeartbeat.UnixMicro()), Member: srv.ID.String()})
		pipe.ZAdd(ctx, s.keyServersByUpdated(), redis.Z{Score: float64(srv.LastHeartbeat.UnixMicro()), Member: srv.ID.String()})
		return nil
	})
	if err != nil {
		return &storage.Error{Op: "Announce", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	return nil
}

// SignalAlive implements storage.Provider.
func (s *Store) SignalAlive(ctx context.Context, id string, status job.ServerStatus, at time.Time) (bool, error) {
	raw, err := s.rdb.Get(ctx, s.keyServer(id)).Result()
	if errors.Is(err, redis.Nil) {
		return false, &storage.Error{Op: "SignalAlive", Backend: backendName, JobID: id, Err: storage.ErrServerTimedOut}
	}
	if err != nil {
		return false, &storage.Error{Op: "SignalAlive", Backend: backendName, JobID: id, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}

	var srv job.BackgroundJobServer
	if err := json.Unmarshal([]byte(raw), &srv); err != nil {
		return false, &storage.Error{Op: "SignalAlive", Backend: backendName, JobID: id, Err: fmt.Errorf("%w: %v", storage.ErrStorageFatal, err)}
	}
	srv.Status = status
	srv.LastHeartbeat = at

	payload, err := json.Marshal(&srv)
	if err != nil {
		return false, &storage.Error{Op: "SignalAlive", Backend: backendName, JobID: id, Err: fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)}
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keyServer(id), payload, 0)
		pipe.ZAdd(ctx, s.keyServersByUpdated(), redis.Z{Score: float64(at.UnixMicro()), Member: id})
		return nil
	})
	if err != nil {
		return false, &storage.Error{Op: "SignalAlive", Backend: backendName, JobID: id, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	return srv.Status.IsRunning, nil
}

// SignalStopped implements storage.Provider.
func (s *Store) SignalStopped(ctx context.Context, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keyServer(id))
		pipe.ZRem(ctx, s.keyServersByCreated(), id)
		pipe.ZRem(ctx, s.keyServersByUpdated(), id)
		return nil
	})
	if err != nil {
		return &storage.Error{Op: "SignalStopped", Backend: backendName, JobID: id, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	return nil
}

// GetServers implements storage.Provider.
func (s *Store) GetServers(ctx context.Context) ([]*job.BackgroundJobServer, error) {
	ids, err := s.rdb.ZRange(ctx, s.keyServersByCreated(), 0, -1).Result()
	if err != nil {
		return nil, &storage.Error{Op: "GetServers", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	var out []*job.BackgroundJobServer
	for _, id := range ids {
		raw, err := s.rdb.Get(ctx, s.keyServer(id)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, &storage.Error{Op: "GetServers", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
		}
		var srv job.BackgroundJobServer
		if err := json.Unmarshal([]byte(raw), &srv); err != nil {
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
	ids, err := s.rdb.ZRangeByScore(ctx, s.keyServersByUpdated(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(olderThan.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, &storage.Error{Op: "RemoveTimedOut", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	for _, id := range ids {
		if err := s.SignalStopped(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// SaveMetadata implements storage.Provider.
func (s *Store) SaveMetadata(ctx context.Context, m *job.Metadata) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return &storage.Error{Op: "SaveMetadata", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)}
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keyMetadataRecord(m.Name, m.Owner), payload, 0)
		pipe.SAdd(ctx, s.keyMetadatas(), m.Name+"|"+m.Owner)
		return nil
	})
	if err != nil {
		return &storage.Error{Op: "SaveMetadata", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	s.notifyMetadata()
	return nil
}

// GetMetadataByName implements storage.Provider.
func (s *Store) GetMetadataByName(ctx context.Context, name string) ([]*job.Metadata, error) {
	keys, err := s.rdb.SMembers(ctx, s.keyMetadatas()).Result()
	if err != nil {
		return nil, &storage.Error{Op: "GetMetadataByName", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
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
	raw, err := s.rdb.Get(ctx, s.keyMetadataRecord(name, owner)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, &storage.Error{Op: "GetMetadata", Backend: backendName, Err: storage.ErrJobNotFound}
	}
	if err != nil {
		return nil, &storage.Error{Op: "GetMetadata", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	var m job.Metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, &storage.Error{Op: "GetMetadata", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageFatal, err)}
	}
	return &m, nil
}

// DeleteMetadata implements storage.Provider.
func (s *Store) DeleteMetadata(ctx context.Context, name string) error {
	keys, err := s.rdb.SMembers(ctx, s.keyMetadatas()).Result()
	if err != nil {
		return &storage.Error{Op: "DeleteMetadata", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, compound := range keys {
			n, owner, ok := splitCompound(compound)
			if !ok || n != name {
				continue
			}
			pipe.Del(ctx, s.keyMetadataRecord(name, owner))
			pipe.SRem(ctx, s.keyMetadatas(), compound)
		}
		return nil
	})
	if err != nil {
		return &storage.Error{Op: "DeleteMetadata", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
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
		n, err := s.rdb.ZCard(ctx, s.keyQueue(string(st))).Result()
		if err != nil {
			return stats, &storage.Error{Op: "GetJobStats", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
		}
		stats.CountByState[st] = n
	}

	succeeded, err := s.rdb.HGet(ctx, s.keyCounters(), "allTimeSucceeded").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return stats, &storage.Error{Op: "GetJobStats", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	if succeeded != "" {
		stats.AllTimeSucceededCount, _ = strconv.ParseInt(succeeded, 10, 64)
	}

	recurringCount, err := s.rdb.SCard(ctx, s.keyRecurringJobs()).Result()
	if err != nil {
		return stats, &storage.Error{Op: "GetJobStats", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	stats.RecurringJobCount = recurringCount

	liveCount, err := s.rdb.ZCard(ctx, s.keyServersByCreated()).Result()
	if err != nil {
		return stats, &storage.Error{Op: "GetJobStats", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	stats.LiveServerCount = liveCount

	return stats, nil
}

// PublishTotalAmountOfSucceededJobs implements storage.Provider.
func (s *Store) PublishTotalAmountOfSucceededJobs(ctx context.Context, n int64) error {
	if err := s.rdb.HIncrBy(ctx, s.keyCounters(), "allTimeSucceeded", n).Err(); err != nil {
		return &storage.Error{Op: "PublishTotalAmountOfSucceededJobs", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	s.notifyJobStats()
	return nil
}
