package migrations

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T, name string) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		if closeErr := db.Close(); closeErr != nil {
			t.Logf("Warning: failed to close test database: %v", closeErr)
		}
	})
	return db
}

func tableExists(t *testing.T, db *sql.DB, kind, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?", kind, name).Scan(&count)
	require.NoError(t, err)
	return count == 1
}

func TestMigrator_RunMigrations(t *testing.T) {
	db := openTestDB(t, "TestMigrator_RunMigrations")

	migrator := NewDefaultMigrator(db)

	err := migrator.RunMigrations()
	require.NoError(t, err)

	// Verify current version
	version, err := migrator.GetCurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(10), version)

	// Verify tables exist
	assert.True(t, tableExists(t, db, "table", "supernets"))
	assert.True(t, tableExists(t, db, "table", "allocations"))
	assert.True(t, tableExists(t, db, "table", "schema_migrations"))
	assert.True(t, tableExists(t, db, "index", "idx_allocations_scope"))
	assert.True(t, tableExists(t, db, "index", "idx_allocations_correlation_id"))

	// Verify migration was recorded
	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = 2 AND name = 'create_allocations_table'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Running again is a no-op
	require.NoError(t, migrator.RunMigrations())
	err = db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestMigrator_AddMigration(t *testing.T) {
	db := openTestDB(t, "TestMigrator_AddMigration")

	migrator := NewMigrator(db, Migration{Version: 3, Name: "third"})
	migrator.AddMigration(Migration{Version: 1, Name: "first"})
	migrator.AddMigration(Migration{Version: 2, Name: "second"})

	var versions []int64
	for _, m := range migrator.GetMigrations() {
		versions = append(versions, m.Version)
	}
	assert.Equal(t, []int64{1, 2, 3}, versions)
}

func TestMigrator_FailedMigrationIsNotRecorded(t *testing.T) {
	db := openTestDB(t, "TestMigrator_FailedMigrationIsNotRecorded")

	migrator := NewMigrator(db)
	migrator.AddMigration(Migration{
		Version: 1,
		Name:    "broken",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec("CREATE TABLE half_done (id INTEGER)"); err != nil {
				return err
			}
			return errors.New("boom")
		},
	})

	err := migrator.RunMigrations()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	version, err := migrator.GetCurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
	assert.False(t, tableExists(t, db, "table", "half_done"))
}

func TestMigrator_Rollback(t *testing.T) {
	db := openTestDB(t, "TestMigrator_Rollback")

	migrator := NewDefaultMigrator(db)
	require.NoError(t, migrator.RunMigrations())

	require.NoError(t, migrator.Rollback())

	version, err := migrator.GetCurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.False(t, tableExists(t, db, "index", "idx_allocations_scope"))
	assert.True(t, tableExists(t, db, "table", "allocations"))

	require.NoError(t, migrator.Rollback())
	require.NoError(t, migrator.Rollback())
	assert.False(t, tableExists(t, db, "table", "supernets"))

	// Nothing left to roll back
	require.NoError(t, migrator.Rollback())
}

func TestMigrator_Status(t *testing.T) {
	db := openTestDB(t, "TestMigrator_Status")

	migrator := NewMigrator(db, GetInitialMigrations()...)
	statuses, err := migrator.Status()
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	for _, s := range statuses {
		assert.False(t, s.Applied(), "migration %d", s.Version)
	}

	require.NoError(t, migrator.RunMigrations())
	migrator.AddMigration(GetPerformanceMigrations()[0])

	statuses, err = migrator.Status()
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	assert.True(t, statuses[0].Applied())
	assert.True(t, statuses[1].Applied())
	assert.False(t, statuses[2].Applied())
	assert.Equal(t, "add_performance_indices", statuses[2].Name)
}
