// Package docstore is an S3-backed storage.Provider. Every job is one JSON
// object at jobs/<id>.json; optimistic concurrency is enforced by S3's own
// conditional-write headers (If-Match for updates, If-None-Match: * for
// inserts) rather than by a separate lock, so the primary write is as
// atomic as the backend allows.
//
// Secondary indexes (state queues, the scheduled set, signature-by-state,
// recurring-ref-by-state) have no native structure in an object store, so
// each is kept as one small JSON manifest document per state, mutated
// through a bounded read-ETag-conditional-write retry loop
// (manifest.go:updateManifest). That loop is weaker than the primary job
// write: a manifest update can race with another job's update to the same
// manifest and need to retry, and a crash between committing the job and
// committing its manifest entries leaves the manifest briefly stale. A
// reader who only trusts GetJobs/Exists after calling DeletePermanently or
// Save on every affected job will self-heal on the next successful write to
// that manifest, but this backend does not offer the same immediate
// cross-index consistency sqlstore and kvstore give for free.
//
// Grounded on the teacher's pkg/provider/s3 package: provider.go's client
// construction and error-classification pattern (wrapError), config.go's
// Config shape and Validate.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/mendess/jobforge/pkg/notify"
	"github.com/mendess/jobforge/pkg/storage"
)

const backendName = "docstore"

// DefaultAWSRegion is the fallback region used when Region is unset and no
// custom Endpoint is configured.
const DefaultAWSRegion = "us-east-1"

// Config configures an S3-backed Store.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string

	// Region is the AWS region. Defaults to DefaultAWSRegion for AWS S3 when
	// unset; left blank for S3-compatible endpoints.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores (MinIO,
	// Wasabi, DigitalOcean Spaces). Leave empty for AWS S3.
	Endpoint string

	// Profile selects a named profile from the shared AWS config.
	Profile string

	// AccessKeyID and SecretAccessKey, if both set, take precedence over the
	// SDK's default credential chain.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle is required by most S3-compatible stores.
	ForcePathStyle bool

	// Prefix is prepended to every object key (spec.md §6).
	Prefix string
}

func (c Config) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("%s: bucket is required", backendName)
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return fmt.Errorf("%s: access key id and secret access key must be provided together", backendName)
	}
	return nil
}

// Store is an S3-backed storage.Provider.
type Store struct {
	client *s3.Client
	bucket string
	prefix string

	log        *zap.Logger
	dispatcher *notify.Dispatcher
}

var _ storage.Provider = (*Store)(nil)

// Open validates cfg, builds an S3 client through the AWS SDK v2 default
// credential chain, and returns a ready Store. dispatcher and log may be
// nil.
func Open(ctx context.Context, cfg Config, dispatcher *notify.Dispatcher, log *zap.Logger) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: load aws config: %w", backendName, err)
	}

	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
	}

	return &Store{
		client:     s3.NewFromConfig(awsCfg, opts...),
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		log:        log.Named(backendName),
		dispatcher: dispatcher,
	}, nil
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Region, cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

func resolveRegion(cfgRegion, endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

// Close implements storage.Provider. The S3 client holds no resources that
// need releasing.
func (s *Store) Close() error { return nil }

func (s *Store) key(parts ...string) string {
	key := strings.TrimSuffix(s.prefix, "/")
	for _, p := range parts {
		if key == "" {
			key = p
		} else {
			key += "/" + p
		}
	}
	return key
}

func (s *Store) keyJob(id string) string                    { return s.key("jobs", id+".json") }
func (s *Store) keyQueueManifest(state string) string       { return s.key("index", "queue", state+".json") }
func (s *Store) keyScheduledManifest() string                { return s.key("index", "scheduled.json") }
func (s *Store) keySignatureManifest(state string) string    { return s.key("index", "signatures", state+".json") }
func (s *Store) keyRecurringRefManifest(state string) string { return s.key("index", "recurring", state+".json") }
func (s *Store) keyRecurringJob(id string) string            { return s.key("recurring", id+".json") }
func (s *Store) keyRecurringJobsManifest() string            { return s.key("index", "recurringjobs.json") }
func (s *Store) keyServer(id string) string                  { return s.key("servers", id+".json") }
func (s *Store) keyServersByCreatedManifest() string          { return s.key("index", "servers-created.json") }
func (s *Store) keyServersByUpdatedManifest() string          { return s.key("index", "servers-updated.json") }
func (s *Store) keyMetadataRecord(name, owner string) string { return s.key("metadata", name+"|"+owner+".json") }
func (s *Store) keyMetadataManifest() string                 { return s.key("index", "metadata.json") }
func (s *Store) keyCounters() string                         { return s.key("counters.json") }

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

// getObject fetches key and returns its body, ETag, and whether it existed.
func (s *Store) getObject(ctx context.Context, key string) ([]byte, string, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return nil, "", false, nil
		}
		return nil, "", false, fmt.Errorf("%w: get %s: %v", storage.ErrStorageTransient, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", false, fmt.Errorf("%w: read %s: %v", storage.ErrStorageTransient, key, err)
	}
	return data, cleanETag(aws.ToString(out.ETag)), true, nil
}

// putObjectConditional writes data to key. If expectedETag is non-empty the
// write is conditioned on If-Match: expectedETag (update); if mustNotExist
// is true the write is conditioned on If-None-Match: * (insert). Returns
// storage.ErrConcurrentJobModification if the precondition fails.
func (s *Store) putObjectConditional(ctx context.Context, key string, data []byte, expectedETag string, mustNotExist bool) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	switch {
	case mustNotExist:
		input.IfNoneMatch = aws.String("*")
	case expectedETag != "":
		input.IfMatch = aws.String(expectedETag)
	}

	_, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			return storage.ErrConcurrentJobModification
		}
		return fmt.Errorf("%w: put %s: %v", storage.ErrStorageTransient, key, err)
	}
	return nil
}

// putObject writes data to key unconditionally, for records whose
// concurrency semantics are last-writer-wins (server heartbeats, recurring
// job definitions, metadata records) rather than version-checked.
func (s *Store) putObject(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", storage.ErrStorageTransient, key, err)
	}
	return nil
}

func (s *Store) deleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("%w: delete %s: %v", storage.ErrStorageTransient, key, err)
	}
	return nil
}

func cleanETag(etag string) string { return strings.Trim(etag, `"`) }

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return strings.Contains(err.Error(), "PreconditionFailed")
}

func marshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}
	return data, nil
}
