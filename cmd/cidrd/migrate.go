package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/cidrd/internal/config"
	"github.com/jbweber/homelab/cidrd/internal/migrations"
)

func newMigrateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending sqlite schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withMigrator(func(m *migrations.Migrator) error {
				if err := m.RunMigrations(); err != nil {
					return err
				}
				return printVersion(cmd, m)
			})
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "rollback",
			Short: "Revert the most recently applied migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withMigrator(func(m *migrations.Migrator) error {
					if err := m.Rollback(); err != nil {
						return err
					}
					return printVersion(cmd, m)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and the applied schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withMigrator(func(m *migrations.Migrator) error {
					statuses, err := m.Status()
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					for _, s := range statuses {
						applied := "pending"
						if s.Applied() {
							applied = s.AppliedAt.Format(time.RFC3339)
						}
						fmt.Fprintf(out, "%4d  %-28s %s\n", s.Version, s.Name, applied)
					}
					return printVersion(cmd, m)
				})
			},
		},
	)
	return cmd
}

func (a *app) withMigrator(fn func(*migrations.Migrator) error) error {
	if a.cfg.Backend != config.BackendSQLite {
		return fmt.Errorf("migrations only apply to the %s backend, not %s", config.BackendSQLite, a.cfg.Backend)
	}

	db, err := a.cfg.OpenDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(migrations.NewDefaultMigrator(db))
}

func printVersion(cmd *cobra.Command, m *migrations.Migrator) error {
	v, err := m.GetCurrentVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
	return nil
}
