package migrations

import (
	"database/sql"
)

// GetInitialMigrations returns all initial migrations
func GetInitialMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_resources_table",
			Up: func(tx *sql.Tx) error {
				// spec and status hold the kind-specific JSON documents
				_, err := tx.Exec(`
					CREATE TABLE resources (
						kind TEXT NOT NULL,
						name TEXT NOT NULL,
						api_version TEXT NOT NULL,
						uid TEXT NOT NULL UNIQUE,
						generation INTEGER NOT NULL DEFAULT 1,
						spec TEXT NOT NULL,
						status TEXT NOT NULL DEFAULT '{}',
						created_at TEXT NOT NULL,
						updated_at TEXT NOT NULL,
						deleted_at TEXT,
						PRIMARY KEY (kind, name)
					)
				`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec("DROP TABLE IF EXISTS resources")
				return err
			},
		},
		{
			Version: 2,
			Name:    "create_attachments_table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE attachments (
						bridge_name TEXT NOT NULL,
						vm_name TEXT NOT NULL,
						address TEXT NOT NULL,
						lease_state TEXT NOT NULL CHECK (lease_state IN ('Active', 'Released')),
						created_at TEXT NOT NULL,
						updated_at TEXT NOT NULL,
						PRIMARY KEY (bridge_name, vm_name)
					)
				`)
				if err != nil {
					return err
				}

				// An address may be held by at most one active attachment per bridge
				_, err = tx.Exec(`
					CREATE UNIQUE INDEX idx_attachments_active_address
					ON attachments(bridge_name, address) WHERE lease_state = 'Active'
				`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec("DROP TABLE IF EXISTS attachments")
				return err
			},
		},
	}
}
