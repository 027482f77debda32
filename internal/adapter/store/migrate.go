package store

import "database/sql"

// migrate creates the schema if it doesn't exist.
func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS background_tasks (
			id          TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			status      TEXT NOT NULL,
			plan        TEXT NOT NULL DEFAULT '{}',
			progress    TEXT NOT NULL DEFAULT '[]',
			result      TEXT NOT NULL DEFAULT '',
			mission_id  TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS mission_summaries (
			id          TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			task_states TEXT NOT NULL DEFAULT '{}',
			results     TEXT NOT NULL DEFAULT '{}',
			synthesis   TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);
	`
	_, err := db.Exec(schema)
	return err
}
