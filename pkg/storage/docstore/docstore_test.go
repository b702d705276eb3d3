package docstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mendess/jobforge/pkg/storage"
	"github.com/mendess/jobforge/pkg/storage/storagetest"
)

// testConfig returns the Config to run integration tests against, or
// (Config{}, false) if they should be skipped. Set JOBFORGE_TEST_S3_BUCKET (and
// optionally JOBFORGE_TEST_S3_ENDPOINT for a MinIO-style endpoint) to opt
// in, mirroring kvstore's env-flag-gated integration tests.
func testConfig(prefix string) (Config, bool) {
	bucket := os.Getenv("JOBFORGE_TEST_S3_BUCKET")
	if bucket == "" {
		return Config{}, false
	}
	return Config{
		Bucket:         bucket,
		Region:         os.Getenv("JOBFORGE_TEST_S3_REGION"),
		Endpoint:       os.Getenv("JOBFORGE_TEST_S3_ENDPOINT"),
		ForcePathStyle: os.Getenv("JOBFORGE_TEST_S3_ENDPOINT") != "",
		Prefix:         prefix,
	}, true
}

func newTestStore(t *testing.T, prefix string) *Store {
	cfg, ok := testConfig(prefix)
	if !ok {
		t.Skip("set JOBFORGE_TEST_S3_BUCKET to run docstore integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	n := 0
	storagetest.Run(t, func(t *testing.T) storage.Provider {
		n++
		return newTestStore(t, fmt.Sprintf("jftest%d", n))
	})
}

func TestKeyBuilderPrefixesEveryKey(t *testing.T) {
	s := &Store{prefix: "jf"}
	require.Equal(t, "jf/jobs/abc.json", s.keyJob("abc"))
	require.Equal(t, "jf/index/queue/ENQUEUED.json", s.keyQueueManifest("ENQUEUED"))
	require.NotEqual(t, s.keyServersByCreatedManifest(), s.keyServersByUpdatedManifest(),
		"created and last-heartbeat server indexes must not collide")
}

func TestConfigValidateRequiresBucket(t *testing.T) {
	err := Config{}.validate()
	require.Error(t, err)

	err = Config{Bucket: "jobs", AccessKeyID: "only-one-half"}.validate()
	require.Error(t, err, "access key and secret must be provided together")
}

func TestOpenBuildsClientWithoutNetworkRoundTrip(t *testing.T) {
	// Unlike kvstore, Open never pings: S3 clients are lazy, so the first
	// network round-trip happens on the first real call. Confirm Open
	// succeeds against a well-formed config with no reachable endpoint
	// behind it; the conformance suite is what exercises real requests.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Open(ctx, Config{
		Bucket:         "jobs",
		Endpoint:       "http://127.0.0.1:1",
		ForcePathStyle: true,
		Region:         "us-east-1",
	}, nil, nil)
	require.NoError(t, err)
}
