package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mendess/jobforge/pkg/job"
	"github.com/mendess/jobforge/pkg/storage"
)

// Save implements storage.Provider. The version check and the upsert happen
// inside one transaction so a concurrent writer's commit is always
// serialized against this one (spec.md §4.3).
func (s *Store) Save(ctx context.Context, j *job.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &storage.Error{Op: "Save", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	defer func() { _ = tx.Rollback() }()

	storedVersion, exists, err := s.readVersion(ctx, tx, j.ID.String())
	if err != nil {
		return &storage.Error{Op: "Save", Backend: backendName, JobID: j.ID.String(), Err: err}
	}
	if err := storage.CheckVersion(j.Version, storedVersion, exists); err != nil {
		return &storage.Error{Op: "Save", Backend: backendName, JobID: j.ID.String(), Err: err, Conflicts: []*job.Job{j}}
	}

	row, err := rowFromJob(j)
	if err != nil {
		return &storage.Error{Op: "Save", Backend: backendName, JobID: j.ID.String(), Err: fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)}
	}
	row.version = j.Version + 1

	if err := s.upsertJob(ctx, tx, row); err != nil {
		return &storage.Error{Op: "Save", Backend: backendName, JobID: j.ID.String(), Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &storage.Error{Op: "Save", Backend: backendName, JobID: j.ID.String(), Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}

	j.Version = row.version
	s.notifyJobStats()
	return nil
}

func (s *Store) readVersion(ctx context.Context, tx *sql.Tx, id string) (int64, bool, error) {
	var v int64
	err := tx.QueryRowContext(ctx, s.q(fmt.Sprintf(`SELECT version FROM %s WHERE id = ?`, s.table("jobs"))), id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)
	}
	return v, true, nil
}

func (s *Store) upsertJob(ctx context.Context, tx *sql.Tx, row jobRow) error {
	query := s.q(fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			class_name = excluded.class_name,
			method_name = excluded.method_name,
			args_hash = excluded.args_hash,
			job_name = excluded.job_name,
			labels_json = excluded.labels_json,
			signature = excluded.signature,
			state = excluded.state,
			scheduled_at = excluded.scheduled_at,
			recurring_job_id = excluded.recurring_job_id,
			history_json = excluded.history_json,
			updated_at = excluded.updated_at`, s.table("jobs"), jobColumns))

	_, err := tx.ExecContext(ctx, query,
		row.id, row.version, row.className, row.methodName, row.argsHash, row.jobName,
		row.labelsJSON, row.signature, row.state, row.scheduledAt, row.recurringJobID,
		row.historyJSON, row.updatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)
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
	query := s.q(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, jobColumns, s.table("jobs")))
	row, err := scanJobRow(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &storage.Error{Op: "GetByID", Backend: backendName, JobID: id, Err: storage.ErrJobNotFound}
	}
	if err != nil {
		return nil, &storage.Error{Op: "GetByID", Backend: backendName, JobID: id, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	return jobFromRow(row)
}

// GetByIDs implements storage.BatchGetter using a single IN-clause query.
func (s *Store) GetByIDs(ctx context.Context, ids []string) (map[string]*job.Job, error) {
	out := make(map[string]*job.Job, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]any, len(ids))
	qmarks := ""
	for i, id := range ids {
		placeholders[i] = id
		if i > 0 {
			qmarks += ", "
		}
		qmarks += "?"
	}

	query := s.q(fmt.Sprintf(`SELECT %s FROM %s WHERE id IN (%s)`, jobColumns, s.table("jobs"), qmarks))
	rows, err := s.db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, &storage.Error{Op: "GetByIDs", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	defer rows.Close()

	for rows.Next() {
		row, err := scanJobRow(rows)
		if err != nil {
			return nil, &storage.Error{Op: "GetByIDs", Backend: backendName, Err: err}
		}
		j, err := jobFromRow(row)
		if err != nil {
			return nil, &storage.Error{Op: "GetByIDs", Backend: backendName, Err: err}
		}
		out[j.ID.String()] = j
	}
	return out, rows.Err()
}

// DeletePermanently implements storage.Provider.
func (s *Store) DeletePermanently(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table("jobs"))), id)
	if err != nil {
		return 0, &storage.Error{Op: "DeletePermanently", Backend: backendName, JobID: id, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.notifyJobStats()
	}
	return int(n), nil
}

// GetJobs implements storage.Provider.
func (s *Store) GetJobs(ctx context.Context, state job.State, updatedBefore *time.Time, page storage.PageRequest) ([]*job.Job, error) {
	if err := page.Validate(); err != nil {
		return nil, &storage.Error{Op: "GetJobs", Backend: backendName, Err: err}
	}

	order := "ASC"
	if page.Order == storage.SortDescending {
		order = "DESC"
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE state = ?`, jobColumns, s.table("jobs"))
	args := []any{string(state)}
	if updatedBefore != nil {
		query += ` AND updated_at <= ?`
		args = append(args, updatedBefore.Format(time.RFC3339Nano))
	}
	query += fmt.Sprintf(` ORDER BY updated_at %s LIMIT ? OFFSET ?`, order)
	args = append(args, page.Limit, page.Offset)

	return s.queryJobs(ctx, "GetJobs", s.q(query), args...)
}

// GetScheduledJobs implements storage.Provider.
func (s *Store) GetScheduledJobs(ctx context.Context, before time.Time, page storage.PageRequest) ([]*job.Job, error) {
	if err := page.Validate(); err != nil {
		return nil, &storage.Error{Op: "GetScheduledJobs", Backend: backendName, Err: err}
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE state = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at ASC LIMIT ? OFFSET ?`, jobColumns, s.table("jobs"))
	return s.queryJobs(ctx, "GetScheduledJobs", s.q(query),
		string(job.StateScheduled), before.Format(time.RFC3339Nano), page.Limit, page.Offset)
}

func (s *Store) queryJobs(ctx context.Context, op, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &storage.Error{Op: op, Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		row, err := scanJobRow(rows)
		if err != nil {
			return nil, &storage.Error{Op: op, Backend: backendName, Err: err}
		}
		j, err := jobFromRow(row)
		if err != nil {
			return nil, &storage.Error{Op: op, Backend: backendName, Err: err}
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// GetJobPage implements storage.Provider.
func (s *Store) GetJobPage(ctx context.Context, state job.State, page storage.PageRequest) (storage.PageResult, error) {
	if err := page.Validate(); err != nil {
		return storage.PageResult{}, &storage.Error{Op: "GetJobPage", Backend: backendName, Err: err}
	}

	var total int64
	countQuery := s.q(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE state = ?`, s.table("jobs")))
	if err := s.db.QueryRowContext(ctx, countQuery, string(state)).Scan(&total); err != nil {
		return storage.PageResult{}, &storage.Error{Op: "GetJobPage", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}

	jobs, err := s.GetJobs(ctx, state, nil, page)
	if err != nil {
		return storage.PageResult{}, err
	}
	return storage.PageResult{Jobs: jobs, Total: total}, nil
}

// DeleteJobsPermanently implements storage.Provider. Pages through matching
// rows oldest-first, deleting in bounded batches so the operation remains
// restartable if interrupted (spec.md §4.1).
func (s *Store) DeleteJobsPermanently(ctx context.Context, state job.State, updatedBefore time.Time) (int, error) {
	const pageSize = 1000
	deleted := 0

	idQuery := s.q(fmt.Sprintf(`SELECT id FROM %s WHERE state = ? AND updated_at <= ? ORDER BY updated_at ASC LIMIT ?`, s.table("jobs")))
	delQuery := s.q(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table("jobs")))

	for {
		rows, err := s.db.QueryContext(ctx, idQuery, string(state), updatedBefore.Format(time.RFC3339Nano), pageSize)
		if err != nil {
			return deleted, &storage.Error{Op: "DeleteJobsPermanently", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return deleted, &storage.Error{Op: "DeleteJobsPermanently", Backend: backendName, Err: err}
			}
			ids = append(ids, id)
		}
		rows.Close()
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			if _, err := s.db.ExecContext(ctx, delQuery, id); err != nil {
				return deleted, &storage.Error{Op: "DeleteJobsPermanently", Backend: backendName, JobID: id, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
			}
			deleted++
		}

		if len(ids) < pageSize {
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
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
	}

	query := s.q(fmt.Sprintf(`SELECT DISTINCT signature FROM %s WHERE state IN (%s) ORDER BY signature`, s.table("jobs"), placeholders))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &storage.Error{Op: "GetDistinctJobSignatures", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sig string
		if err := rows.Scan(&sig); err != nil {
			return nil, &storage.Error{Op: "GetDistinctJobSignatures", Backend: backendName, Err: err}
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// Exists implements storage.Provider.
func (s *Store) Exists(ctx context.Context, details job.Details, states ...job.State) (bool, error) {
	if len(states) == 0 {
		return false, nil
	}
	placeholders := "?"
	args := []any{details.Signature(), string(states[0])}
	for _, st := range states[1:] {
		placeholders += ", ?"
		args = append(args, string(st))
	}

	query := s.q(fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE signature = ? AND state IN (%s))`, s.table("jobs"), placeholders))
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, &storage.Error{Op: "Exists", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	return exists, nil
}

// SaveRecurringJob implements storage.Provider.
func (s *Store) SaveRecurringJob(ctx context.Context, rj *job.RecurringJob) error {
	if rj == nil || rj.ID == "" {
		return &storage.Error{Op: "SaveRecurringJob", Backend: backendName, Err: fmt.Errorf("%w: recurring job id is required", storage.ErrInvalidArgument)}
	}

	var labelsJSON []byte
	var err error
	if len(rj.Details.Labels) > 0 {
		labelsJSON, err = json.Marshal(rj.Details.Labels)
		if err != nil {
			return &storage.Error{Op: "SaveRecurringJob", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)}
		}
	}

	query := s.q(fmt.Sprintf(`INSERT INTO %s (id, schedule, class_name, method_name, args_hash, job_name, labels_json, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schedule = excluded.schedule,
			class_name = excluded.class_name,
			method_name = excluded.method_name,
			args_hash = excluded.args_hash,
			job_name = excluded.job_name,
			labels_json = excluded.labels_json,
			metadata = excluded.metadata`, s.table("recurring_jobs")))

	_, err = s.db.ExecContext(ctx, query, rj.ID, rj.Schedule, rj.Details.ClassName, rj.Details.MethodName,
		nullIfEmpty(rj.Details.ArgsHash), nullIfEmpty(rj.Details.JobName), nullIfEmptyBytes(labelsJSON),
		nullIfEmpty(rj.Metadata), rj.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return &storage.Error{Op: "SaveRecurringJob", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	return nil
}

// GetRecurringJobs implements storage.Provider.
func (s *Store) GetRecurringJobs(ctx context.Context) ([]*job.RecurringJob, error) {
	query := s.q(fmt.Sprintf(`SELECT id, schedule, class_name, method_name, args_hash, job_name, labels_json, metadata, created_at
		FROM %s ORDER BY id`, s.table("recurring_jobs")))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &storage.Error{Op: "GetRecurringJobs", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	defer rows.Close()

	var out []*job.RecurringJob
	for rows.Next() {
		var rj job.RecurringJob
		var argsHash, jobName, labelsJSON, metadata sql.NullString
		var createdAt string
		if err := rows.Scan(&rj.ID, &rj.Schedule, &rj.Details.ClassName, &rj.Details.MethodName,
			&argsHash, &jobName, &labelsJSON, &metadata, &createdAt); err != nil {
			return nil, &storage.Error{Op: "GetRecurringJobs", Backend: backendName, Err: err}
		}
		rj.Details.ArgsHash = argsHash.String
		rj.Details.JobName = jobName.String
		rj.Metadata = metadata.String
		if labelsJSON.Valid {
			if err := json.Unmarshal([]byte(labelsJSON.String), &rj.Details.Labels); err != nil {
				return nil, &storage.Error{Op: "GetRecurringJobs", Backend: backendName, Err: err}
			}
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, &storage.Error{Op: "GetRecurringJobs", Backend: backendName, Err: err}
		}
		rj.CreatedAt = t
		out = append(out, &rj)
	}
	return out, rows.Err()
}

// DeleteRecurringJob implements storage.Provider.
func (s *Store) DeleteRecurringJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table("recurring_jobs"))), id)
	if err != nil {
		return &storage.Error{Op: "DeleteRecurringJob", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	return nil
}

// RecurringJobExists implements storage.Provider.
func (s *Store) RecurringJobExists(ctx context.Context, id string, states ...job.State) (bool, error) {
	if len(states) == 0 {
		return false, nil
	}
	placeholders := "?"
	args := []any{id, string(states[0])}
	for _, st := range states[1:] {
		placeholders += ", ?"
		args = append(args, string(st))
	}

	query := s.q(fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE recurring_job_id = ? AND state IN (%s))`, s.table("jobs"), placeholders))
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, &storage.Error{Op: "RecurringJobExists", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	return exists, nil
}

// Announce implements storage.Provider.
func (s *Store) Announce(ctx context.Context, srv *job.BackgroundJobServer) error {
	query := s.q(fmt.Sprintf(`INSERT INTO %s (id, worker_pool_size, poll_interval_ns, is_running, cpu_percent, memory_used_mb, first_heartbeat, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			worker_pool_size = excluded.worker_pool_size,
			poll_interval_ns = excluded.poll_interval_ns,
			is_running = excluded.is_running,
			cpu_percent = excluded.cpu_percent,
			memory_used_mb = excluded.memory_used_mb,
			last_heartbeat = excluded.last_heartbeat`, s.table("servers")))

	_, err := s.db.ExecContext(ctx, query, srv.ID.String(), srv.Status.WorkerPoolSize, int64(srv.Status.PollInterval),
		boolToInt(srv.Status.IsRunning), srv.Status.CPUPercent, srv.Status.MemoryUsedMB,
		srv.FirstHeartbeat.Format(time.RFC3339Nano), srv.LastHeartbeat.Format(time.RFC3339Nano))
	if err != nil {
		return &storage.Error{Op: "Announce", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	return nil
}

// SignalAlive implements storage.Provider.
func (s *Store) SignalAlive(ctx context.Context, id string, status job.ServerStatus, at time.Time) (bool, error) {
	query := s.q(fmt.Sprintf(`UPDATE %s SET worker_pool_size = ?, poll_interval_ns = ?, is_running = ?,
		cpu_percent = ?, memory_used_mb = ?, last_heartbeat = ? WHERE id = ?`, s.table("servers")))
	res, err := s.db.ExecContext(ctx, query, status.WorkerPoolSize, int64(status.PollInterval),
		boolToInt(status.IsRunning), status.CPUPercent, status.MemoryUsedMB, at.Format(time.RFC3339Nano), id)
	if err != nil {
		return false, &storage.Error{Op: "SignalAlive", Backend: backendName, JobID: id, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, &storage.Error{Op: "SignalAlive", Backend: backendName, JobID: id, Err: storage.ErrServerTimedOut}
	}
	return status.IsRunning, nil
}

// SignalStopped implements storage.Provider.
func (s *Store) SignalStopped(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table("servers"))), id)
	if err != nil {
		return &storage.Error{Op: "SignalStopped", Backend: backendName, JobID: id, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	return nil
}

// GetServers implements storage.Provider.
func (s *Store) GetServers(ctx context.Context) ([]*job.BackgroundJobServer, error) {
	query := s.q(fmt.Sprintf(`SELECT id, worker_pool_size, poll_interval_ns, is_running, cpu_percent, memory_used_mb, first_heartbeat, last_heartbeat
		FROM %s ORDER BY first_heartbeat ASC`, s.table("servers")))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &storage.Error{Op: "GetServers", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	defer rows.Close()

	var out []*job.BackgroundJobServer
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, &storage.Error{Op: "GetServers", Backend: backendName, Err: err}
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

func scanServer(scanner interface{ Scan(...any) error }) (*job.BackgroundJobServer, error) {
	var srv job.BackgroundJobServer
	var idStr string
	var isRunning int
	var cpuPercent, memUsedMB sql.NullFloat64
	var firstHeartbeat, lastHeartbeat string

	if err := scanner.Scan(&idStr, &srv.Status.WorkerPoolSize, (*int64)(&srv.Status.PollInterval), &isRunning,
		&cpuPercent, &memUsedMB, &firstHeartbeat, &lastHeartbeat); err != nil {
		return nil, err
	}

	id, err := parseUUID(idStr)
	if err != nil {
		return nil, err
	}
	srv.ID = id
	srv.Status.IsRunning = isRunning != 0
	srv.Status.CPUPercent = cpuPercent.Float64
	srv.Status.MemoryUsedMB = memUsedMB.Float64

	if srv.FirstHeartbeat, err = time.Parse(time.RFC3339Nano, firstHeartbeat); err != nil {
		return nil, err
	}
	if srv.LastHeartbeat, err = time.Parse(time.RFC3339Nano, lastHeartbeat); err != nil {
		return nil, err
	}
	return &srv, nil
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
	query := s.q(fmt.Sprintf(`DELETE FROM %s WHERE last_heartbeat <= ?`, s.table("servers")))
	res, err := s.db.ExecContext(ctx, query, olderThan.Format(time.RFC3339Nano))
	if err != nil {
		return 0, &storage.Error{Op: "RemoveTimedOut", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveMetadata implements storage.Provider.
func (s *Store) SaveMetadata(ctx context.Context, m *job.Metadata) error {
	query := s.q(fmt.Sprintf(`INSERT INTO %s (name, owner, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name, owner) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, s.table("metadata")))
	_, err := s.db.ExecContext(ctx, query, m.Name, m.Owner, m.Value,
		m.CreatedAt.Format(time.RFC3339Nano), m.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return &storage.Error{Op: "SaveMetadata", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	s.notifyMetadata()
	return nil
}

// GetMetadataByName implements storage.Provider.
func (s *Store) GetMetadataByName(ctx context.Context, name string) ([]*job.Metadata, error) {
	query := s.q(fmt.Sprintf(`SELECT name, owner, value, created_at, updated_at FROM %s WHERE name = ? ORDER BY owner`, s.table("metadata")))
	rows, err := s.db.QueryContext(ctx, query, name)
	if err != nil {
		return nil, &storage.Error{Op: "GetMetadataByName", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	defer rows.Close()

	var out []*job.Metadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, &storage.Error{Op: "GetMetadataByName", Backend: backendName, Err: err}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMetadata implements storage.Provider.
func (s *Store) GetMetadata(ctx context.Context, name, owner string) (*job.Metadata, error) {
	query := s.q(fmt.Sprintf(`SELECT name, owner, value, created_at, updated_at FROM %s WHERE name = ? AND owner = ?`, s.table("metadata")))
	m, err := scanMetadata(s.db.QueryRowContext(ctx, query, name, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &storage.Error{Op: "GetMetadata", Backend: backendName, Err: storage.ErrJobNotFound}
	}
	if err != nil {
		return nil, &storage.Error{Op: "GetMetadata", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	return m, nil
}

func scanMetadata(scanner interface{ Scan(...any) error }) (*job.Metadata, error) {
	var m job.Metadata
	var createdAt, updatedAt string
	if err := scanner.Scan(&m.Name, &m.Owner, &m.Value, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMetadata implements storage.Provider.
func (s *Store) DeleteMetadata(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, s.q(fmt.Sprintf(`DELETE FROM %s WHERE name = ?`, s.table("metadata"))), name)
	if err != nil {
		return &storage.Error{Op: "DeleteMetadata", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	s.notifyMetadata()
	return nil
}

// GetJobStats implements storage.Provider.
func (s *Store) GetJobStats(ctx context.Context) (job.Stats, error) {
	stats := job.Stats{CountByState: make(map[job.State]int64, len(job.States))}

	query := s.q(fmt.Sprintf(`SELECT state, COUNT(*) FROM %s GROUP BY state`, s.table("jobs")))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return stats, &storage.Error{Op: "GetJobStats", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return stats, &storage.Error{Op: "GetJobStats", Backend: backendName, Err: err}
		}
		stats.CountByState[job.State(st)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, &storage.Error{Op: "GetJobStats", Backend: backendName, Err: err}
	}

	if err := s.db.QueryRowContext(ctx, s.q(fmt.Sprintf(`SELECT all_time_succeeded FROM %s WHERE id = 1`, s.table("counters")))).Scan(&stats.AllTimeSucceededCount); err != nil {
		return stats, &storage.Error{Op: "GetJobStats", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	if err := s.db.QueryRowContext(ctx, s.q(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table("recurring_jobs")))).Scan(&stats.RecurringJobCount); err != nil {
		return stats, &storage.Error{Op: "GetJobStats", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	if err := s.db.QueryRowContext(ctx, s.q(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table("servers")))).Scan(&stats.LiveServerCount); err != nil {
		return stats, &storage.Error{Op: "GetJobStats", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}

	return stats, nil
}

// PublishTotalAmountOfSucceededJobs implements storage.Provider.
func (s *Store) PublishTotalAmountOfSucceededJobs(ctx context.Context, n int64) error {
	query := s.q(fmt.Sprintf(`UPDATE %s SET all_time_succeeded = all_time_succeeded + ? WHERE id = 1`, s.table("counters")))
	if _, err := s.db.ExecContext(ctx, query, n); err != nil {
		return &storage.Error{Op: "PublishTotalAmountOfSucceededJobs", Backend: backendName, Err: fmt.Errorf("%w: %v", storage.ErrStorageTransient, err)}
	}
	s.notifyJobStats()
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullIfEmptyBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}
