// Package kvstore is a Redis-backed storage.Provider. Every key family of
// spec.md §6 maps onto one Redis structure: JSON strings for primary records
// (jobs, recurring jobs, servers, metadata), sorted sets for the state queues,
// the scheduled set and the server indexes (score = micros), plain sets for
// the recurring-job and metadata id lists, and hashes of refcounts (field ->
// count, via HINCRBY) for signature-by-state and recurring-ref-by-state, so
// several jobs can share a membership entry, as in memstore.
//
// Grounded on the teacher's pkg/crawler rate-limiter usage for go-redis
// client option shape, and on neurobridge's internal/realtime/bus/redis_bus.go
// for the client-construction/ping-on-connect idiom (addr, dial timeout,
// ping-before-return).
package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mendess/jobforge/pkg/notify"
	"github.com/mendess/jobforge/pkg/storage"
)

const backendName = "kvstore"

// Config configures the Redis connection and key prefix.
type Config struct {
	// Addr is host:port of the Redis server.
	Addr string

	// Password, if set, authenticates the connection.
	Password string

	// DB selects the logical Redis database.
	DB int

	// Prefix is prepended to every key (spec.md §6).
	Prefix string

	// DialTimeout bounds the initial connection attempt. Defaults to 5s.
	DialTimeout time.Duration
}

// Store is a Redis-backed storage.Provider.
type Store struct {
	rdb    *redis.Client
	prefix string

	log        *zap.Logger
	dispatcher *notify.Dispatcher
}

var _ storage.Provider = (*Store)(nil)
var _ storage.BatchGetter = (*Store)(nil)

// Open connects to Redis and pings it before returning. dispatcher and log
// may be nil.
func Open(ctx context.Context, cfg Config, dispatcher *notify.Dispatcher, log *zap.Logger) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%s: addr is required", backendName)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%s: ping: %w", backendName, err)
	}

	return &Store{
		rdb:        rdb,
		prefix:     cfg.Prefix,
		log:        log.Named(backendName),
		dispatcher: dispatcher,
	}, nil
}

// Close implements storage.Provider.
func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) k(parts ...string) string {
	key := s.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

func (s *Store) keyJob(id string) string               { return s.k("job", id) }
func (s *Store) keyQueue(state string) string          { return s.k("queue", state) }
func (s *Store) keyScheduled() string                  { return s.k("scheduled") }
func (s *Store) keySignatureState(state string) string { return s.k("jobdetails", state) }
func (s *Store) keyRecurringJobs() string              { return s.k("recurringjobs") }
func (s *Store) keyRecurringJob(id string) string      { return s.k("recurringjob", id) }
func (s *Store) keyRecurringState(state string) string { return s.k("recurringjobrefs", state) }
func (s *Store) keyMetadataRecord(name, owner string) string {
	return s.k("metadata", name+"|"+owner)
}
func (s *Store) keyMetadatas() string { return s.k("metadatas") }
func (s *Store) keyServer(id string) string {
	return s.k("backgroundjobserver", id)
}
func (s *Store) keyServersByCreated() string { return s.k("backgroundjobservers", "created") }
func (s *Store) keyServersByUpdated() string { return s.k("backgroundjobservers", "updated") }
func (s *Store) keyCounters() string         { return s.k("counters") }

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
