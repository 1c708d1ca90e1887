package migrations

import (
	"database/sql"
)

// GetPerformanceMigrations returns performance optimization migrations
func GetPerformanceMigrations() []Migration {
	return []Migration{
		{
			Version: 10,
			Name:    "add_performance_indices",
			Up: func(tx *sql.Tx) error {
				// Scope scans and bulk release by correlation id
				indices := []string{
					"CREATE INDEX IF NOT EXISTS idx_supernets_scope ON supernets(region, environment)",
					"CREATE INDEX IF NOT EXISTS idx_allocations_scope ON allocations(region, environment, cidr)",
					"CREATE INDEX IF NOT EXISTS idx_allocations_correlation_id ON allocations(correlation_id)",
				}

				for _, indexSQL := range indices {
					if _, err := tx.Exec(indexSQL); err != nil {
						return err
					}
				}

				return nil
			},
			Down: func(tx *sql.Tx) error {
				indices := []string{
					"DROP INDEX IF EXISTS idx_supernets_scope",
					"DROP INDEX IF EXISTS idx_allocations_scope",
					"DROP INDEX IF EXISTS idx_allocations_correlation_id",
				}

				for _, dropSQL := range indices {
					if _, err := tx.Exec(dropSQL); err != nil {
						return err
					}
				}

				return nil
			},
		},
	}
}
