package sqlstore

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendess/jobforge/pkg/storage"
	"github.com/mendess/jobforge/pkg/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Provider {
		s, err := Open(context.Background(), Config{Path: ":memory:", Prefix: "jf_"}, nil, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestDialectRebindLeavesSQLiteUntouched(t *testing.T) {
	assert.Equal(t, "SELECT * FROM t WHERE id = ?", SQLite.Rebind("SELECT * FROM t WHERE id = ?"))
}

func TestDialectRebindNumbersPostgresPlaceholders(t *testing.T) {
	assert.Equal(t, "SELECT * FROM t WHERE id = $1 AND state = $2", Postgres.Rebind("SELECT * FROM t WHERE id = ? AND state = ?"))
}

func TestOpenAppliesPrefixToTableNames(t *testing.T) {
	s, err := Open(context.Background(), Config{Path: ":memory:", Prefix: "jf_"}, nil, nil)
	require.NoError(t, err)
	defer s.Close()

	var name string
	err = s.db.QueryRowContext(context.Background(),
		`SELECT name FROM sqlite_master WHERE type='table' AND name = 'jf_jobs'`).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "jf_jobs", name)
}

func TestOpenSkipCreateIssuesNoDDL(t *testing.T) {
	s, err := Open(context.Background(), Config{
		Path: ":memory:", Prefix: "jf_", DatabaseOptions: storage.SkipCreate,
	}, nil, nil)
	require.NoError(t, err)
	defer s.Close()

	var name string
	err = s.db.QueryRowContext(context.Background(),
		`SELECT name FROM sqlite_master WHERE type='table' AND name = 'jf_jobs'`).Scan(&name)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestOpenValidateOnlyFailsAgainstAnEmptyDatabase(t *testing.T) {
	_, err := Open(context.Background(), Config{
		Path: ":memory:", Prefix: "jf_", DatabaseOptions: storage.ValidateOnly,
	}, nil, nil)
	require.Error(t, err)
}

func TestOpenValidateOnlySucceedsOnceMigrated(t *testing.T) {
	// :memory: databases are per-connection, so a fresh Open under
	// ValidateOnly can't see a schema from a prior Open; validate against the
	// same *sql.DB a CreateIfNotExists Open already migrated instead.
	s, err := Open(context.Background(), Config{Path: ":memory:", Prefix: "jf_"}, nil, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, ValidateSchema(context.Background(), s.db, "jf_"))
}
