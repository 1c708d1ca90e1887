package migrations

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Migration is one versioned schema change. Up and Down run inside the
// transaction that records or forgets the version.
type Migration struct {
	Version int64
	Name    string
	Up      func(*sql.Tx) error
	Down    func(*sql.Tx) error
}

// sqliteTimestamp is the layout CURRENT_TIMESTAMP produces
const sqliteTimestamp = "2006-01-02 15:04:05"

// Status pairs a registered migration with when it was applied. AppliedAt is
// zero for pending migrations.
type Status struct {
	Migration
	AppliedAt time.Time
}

// Applied reports whether the migration has been recorded
func (s Status) Applied() bool {
	return !s.AppliedAt.IsZero()
}

// Migrator applies registered migrations in version order and tracks them in
// the schema_migrations table.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator creates a migrator for db with the given migrations
func NewMigrator(db *sql.DB, migrations ...Migration) *Migrator {
	m := &Migrator{db: db}
	for _, migration := range migrations {
		m.AddMigration(migration)
	}
	return m
}

// NewDefaultMigrator returns a migrator loaded with every cidrd migration
func NewDefaultMigrator(db *sql.DB) *Migrator {
	return NewMigrator(db, slices.Concat(GetInitialMigrations(), GetPerformanceMigrations())...)
}

// AddMigration registers a migration, keeping the list ordered by version
func (m *Migrator) AddMigration(migration Migration) {
	i, _ := slices.BinarySearchFunc(m.migrations, migration.Version, func(e Migration, v int64) int {
		switch {
		case e.Version < v:
			return -1
		case e.Version > v:
			return 1
		}
		return 0
	})
	m.migrations = slices.Insert(m.migrations, i, migration)
}

// GetMigrations returns the registered migrations in version order
func (m *Migrator) GetMigrations() []Migration {
	return m.migrations
}

// RunMigrations applies every migration newer than the recorded version
func (m *Migrator) RunMigrations() error {
	current, err := m.GetCurrentVersion()
	if err != nil {
		return err
	}

	for _, migration := range m.migrations {
		if migration.Version <= current {
			continue
		}
		if err := m.apply(migration); err != nil {
			return fmt.Errorf("failed to run migration %d (%s): %w", migration.Version, migration.Name, err)
		}
	}
	return nil
}

// Rollback reverts the newest applied migration. A fresh database is left as is.
func (m *Migrator) Rollback() error {
	current, err := m.GetCurrentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return nil
	}

	i := slices.IndexFunc(m.migrations, func(e Migration) bool { return e.Version == current })
	if i < 0 {
		return fmt.Errorf("applied migration %d is not registered", current)
	}
	migration := m.migrations[i]
	if migration.Down == nil {
		return fmt.Errorf("migration %d (%s) cannot be rolled back", migration.Version, migration.Name)
	}

	return m.inTx(func(tx *sql.Tx) error {
		if err := migration.Down(tx); err != nil {
			return err
		}
		_, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", migration.Version)
		return err
	})
}

// GetCurrentVersion returns the newest applied version, 0 for a fresh database
func (m *Migrator) GetCurrentVersion() (int64, error) {
	if err := m.ensureTable(); err != nil {
		return 0, err
	}
	var version int64
	if err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// Status lists every registered migration with its applied time
func (m *Migrator) Status() ([]Status, error) {
	if err := m.ensureTable(); err != nil {
		return nil, err
	}

	rows, err := m.db.Query("SELECT version, CAST(applied_at AS TEXT) FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]time.Time)
	for rows.Next() {
		var version int64
		var at string
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("failed to scan applied migration: %w", err)
		}
		ts, err := time.Parse(sqliteTimestamp, at)
		if err != nil {
			return nil, fmt.Errorf("migration %d: invalid applied_at %q: %w", version, at, err)
		}
		applied[version] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}

	statuses := make([]Status, 0, len(m.migrations))
	for _, migration := range m.migrations {
		statuses = append(statuses, Status{Migration: migration, AppliedAt: applied[migration.Version]})
	}
	return statuses, nil
}

func (m *Migrator) ensureTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) apply(migration Migration) error {
	return m.inTx(func(tx *sql.Tx) error {
		if migration.Up != nil {
			if err := migration.Up(tx); err != nil {
				return err
			}
		}
		_, err := tx.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", migration.Version, migration.Name)
		return err
	})
}

func (m *Migrator) inTx(fn func(*sql.Tx) error) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
