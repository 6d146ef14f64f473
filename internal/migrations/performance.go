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
				indices := []string{
					"CREATE INDEX IF NOT EXISTS idx_resources_kind ON resources(kind)",
					"CREATE INDEX IF NOT EXISTS idx_attachments_lease_state ON attachments(lease_state)",
					"CREATE INDEX IF NOT EXISTS idx_attachments_vm_name ON attachments(vm_name)",
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
					"DROP INDEX IF EXISTS idx_resources_kind",
					"DROP INDEX IF EXISTS idx_attachments_lease_state",
					"DROP INDEX IF EXISTS idx_attachments_vm_name",
				}

				for _, indexSQL := range indices {
					if _, err := tx.Exec(indexSQL); err != nil {
						return err
					}
				}

				return nil
			},
		},
	}
}
