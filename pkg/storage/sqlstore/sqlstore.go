// Package sqlstore is a SQL-backed storage.Provider. It is written against
// database/sql directly (no ORM), with every query using `?` placeholders
// rebound through a Dialect so the same query set can run against any
// database/sql driver a caller supplies. The libsql driver is the only one
// wired in this module's go.mod; Postgres/MySQL callers open their own
// *sql.DB and pass the matching Dialect.
//
// Every secondary index of the persistence core (state queues, the
// scheduled set, signature-by-state, recurring-ref-by-state) is realized as
// a plain SQL index over denormalized columns on the one jobs table rather
// than as separate index tables: SQL's own B-trees are the index
// maintainer here, so Provider.Save only ever issues one upsert per call.
//
// Grounded on the teacher's pkg/indexstore package: store.go's DSN/WAL setup,
// schema.go's versioned-migration idiom, objects.go's upsert-by-conflict
// pattern, and stats.go's aggregate-query shape.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"
	"go.uber.org/zap"

	"github.com/mendess/jobforge/pkg/job"
	"github.com/mendess/jobforge/pkg/notify"
	"github.com/mendess/jobforge/pkg/storage"
)

const backendName = "sqlstore"

// Config selects the database this Store opens.
type Config struct {
	// Path is a local filesystem path to the database file. Converted to a
	// libsql-compatible "file:<path>" DSN. Use ":memory:" for an in-process
	// ephemeral database (tests).
	Path string

	// URL is a libsql/Turso URL, e.g. libsql://your-db.turso.io.
	URL string

	// AuthToken is appended to URL-based DSNs as authToken=... when set.
	AuthToken string

	// Prefix is prepended to every table name (spec.md §6).
	Prefix string

	// Dialect controls placeholder rebinding. Defaults to SQLite.
	Dialect Dialect

	// DatabaseOptions controls whether Open is allowed to issue schema DDL
	// (spec.md §6). Defaults to storage.CreateIfNotExists.
	DatabaseOptions storage.DatabaseOptions
}

// Store is a SQL-backed storage.Provider.
type Store struct {
	db      *sql.DB
	dialect Dialect
	prefix  string

	log        *zap.Logger
	dispatcher *notify.Dispatcher
}

var _ storage.Provider = (*Store)(nil)

// Open opens (creating if needed) a libsql-backed database and migrates its
// schema. dispatcher and log may be nil.
func Open(ctx context.Context, cfg Config, dispatcher *notify.Dispatcher, log *zap.Logger) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Dialect == (Dialect{}) {
		cfg.Dialect = SQLite
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", backendName, err)
	}

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", backendName, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping: %w", backendName, err)
	}
	if err := configureLocalSQLite(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	switch cfg.DatabaseOptions {
	case storage.SkipCreate:
		// caller asserts the schema already exists; issue no DDL at all.
	case storage.ValidateOnly:
		if err := ValidateSchema(ctx, db, cfg.Prefix); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: validate schema: %w", backendName, err)
		}
	default:
		if err := Migrate(ctx, db, cfg.Prefix); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: migrate: %w", backendName, err)
		}
	}

	return &Store{
		db:         db,
		dialect:    cfg.Dialect,
		prefix:     cfg.Prefix,
		log:        log.Named(backendName),
		dispatcher: dispatcher,
	}, nil
}

// Close implements storage.Provider.
func (s *Store) Close() error { return s.db.Close() }

func buildDSN(cfg Config) (string, error) {
	if u := strings.TrimSpace(cfg.URL); u != "" {
		return addAuthToken(u, cfg.AuthToken)
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("path or url is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "file:") || strings.HasPrefix(path, "libsql:") {
		return path, nil
	}
	if dir := filepath.Dir(filepath.Clean(path)); dir != "." && dir != string(filepath.Separator) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create database directory: %w", err)
		}
	}
	return "file:" + filepath.Clean(path), nil
}

func addAuthToken(dsn, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	q := parsed.Query()
	if q.Get("authToken") == "" {
		q.Set("authToken", token)
		parsed.RawQuery = q.Encode()
	}
	return parsed.String(), nil
}

func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	// A single shared connection, regardless of DSN: for ":memory:" this is
	// the only way every caller sees the same database rather than each
	// pooled connection getting its own empty one, and for a file DSN it
	// avoids SQLite's classic "database is locked" under a write-heavy pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if dsn == ":memory:" || !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("%s: enable WAL: %w", backendName, err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("%s: set busy timeout: %w", backendName, err)
	}
	return nil
}

func (s *Store) table(name string) string { return s.prefix + name }

func (s *Store) q(query string) string { return s.dialect.Rebind(query) }

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

type jobRow struct {
	id             string
	version        int64
	className      string
	methodName     string
	argsHash       sql.NullString
	jobName        sql.NullString
	labelsJSON     sql.NullString
	signature      string
	state          string
	scheduledAt    sql.NullString
	recurringJobID sql.NullString
	historyJSON    string
	updatedAt      string
}

func rowFromJob(j *job.Job) (jobRow, error) {
	historyJSON, err := json.Marshal(j.History)
	if err != nil {
		return jobRow{}, fmt.Errorf("marshal history: %w", err)
	}
	var labelsJSON []byte
	if len(j.Details.Labels) > 0 {
		labelsJSON, err = json.Marshal(j.Details.Labels)
		if err != nil {
			return jobRow{}, fmt.Errorf("marshal labels: %w", err)
		}
	}

	row := jobRow{
		id:          j.ID.String(),
		version:     j.Version,
		className:   j.Details.ClassName,
		methodName:  j.Details.MethodName,
		signature:   j.Details.Signature(),
		state:       string(j.State()),
		historyJSON: string(historyJSON),
		updatedAt:   j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.Details.ArgsHash != "" {
		row.argsHash = sql.NullString{String: j.Details.ArgsHash, Valid: true}
	}
	if j.Details.JobName != "" {
		row.jobName = sql.NullString{String: j.Details.JobName, Valid: true}
	}
	if len(labelsJSON) > 0 {
		row.labelsJSON = sql.NullString{String: string(labelsJSON), Valid: true}
	}
	if fireAt, ok := lastScheduledAt(j); ok {
		row.scheduledAt = sql.NullString{String: fireAt.Format(time.RFC3339Nano), Valid: true}
	}
	if rj, ok := j.RecurringJobID(); ok {
		row.recurringJobID = sql.NullString{String: rj, Valid: true}
	}
	return row, nil
}

func lastScheduledAt(j *job.Job) (time.Time, bool) {
	if len(j.History) == 0 {
		return time.Time{}, false
	}
	return j.History[len(j.History)-1].ScheduledAt()
}

func jobFromRow(row jobRow) (*job.Job, error) {
	var history []job.StateRecord
	if err := json.Unmarshal([]byte(row.historyJSON), &history); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	var labels []string
	if row.labelsJSON.Valid {
		if err := json.Unmarshal([]byte(row.labelsJSON.String), &labels); err != nil {
			return nil, fmt.Errorf("unmarshal labels: %w", err)
		}
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, row.updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	id, err := parseUUID(row.id)
	if err != nil {
		return nil, err
	}

	return &job.Job{
		ID:      id,
		Version: row.version,
		Details: job.Details{
			ClassName:  row.className,
			MethodName: row.methodName,
			ArgsHash:   row.argsHash.String,
			JobName:    row.jobName.String,
			Labels:     labels,
		},
		History:   history,
		UpdatedAt: updatedAt,
	}, nil
}

func scanJobRow(scanner interface{ Scan(...any) error }) (jobRow, error) {
	var row jobRow
	err := scanner.Scan(
		&row.id, &row.version, &row.className, &row.methodName, &row.argsHash,
		&row.jobName, &row.labelsJSON, &row.signature, &row.state, &row.scheduledAt,
		&row.recurringJobID, &row.historyJSON, &row.updatedAt,
	)
	return row, err
}

const jobColumns = `id, version, class_name, method_name, args_hash, job_name, labels_json, signature, state, scheduled_at, recurring_job_id, history_json, updated_at`

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("parse job id: %w", err)
	}
	return id, nil
}
