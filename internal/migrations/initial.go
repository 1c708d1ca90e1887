package migrations

import (
	"database/sql"
)

// GetInitialMigrations returns all initial migrations
func GetInitialMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_supernets_table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE supernets (
						cidr TEXT PRIMARY KEY,
						region TEXT NOT NULL,
						environment TEXT NOT NULL,
						description TEXT NOT NULL DEFAULT '',
						created_at TEXT NOT NULL
					)
				`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`DROP TABLE IF EXISTS supernets`)
				return err
			},
		},
		{
			Version: 2,
			Name:    "create_allocations_table",
			Up: func(tx *sql.Tx) error {
				// cidr is the conditional insert key for allocators
				_, err := tx.Exec(`
					CREATE TABLE allocations (
						cidr TEXT PRIMARY KEY,
						account_id INTEGER NOT NULL,
						requestor TEXT NOT NULL,
						reason TEXT NOT NULL,
						region TEXT NOT NULL,
						environment TEXT NOT NULL,
						project_code TEXT NOT NULL DEFAULT '',
						correlation_id TEXT NOT NULL DEFAULT '',
						attached_resource_id TEXT NOT NULL DEFAULT '',
						created_at TEXT NOT NULL
					)
				`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(`DROP TABLE IF EXISTS allocations`)
				return err
			},
		},
	}
}
