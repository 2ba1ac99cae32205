package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// migration is one schema change. Statements run in order inside a single
// transaction.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init_pattern_tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS patterns (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				collection_name TEXT NOT NULL,
				collection_version TEXT NOT NULL,
				collection_version_uri TEXT,
				pattern_name TEXT NOT NULL,
				definition_json TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE (collection_name, collection_version, pattern_name)
			)`,
			`CREATE TABLE IF NOT EXISTS pattern_instances (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				organization_id INTEGER NOT NULL,
				pattern_id INTEGER NOT NULL,
				credentials_json TEXT NOT NULL,
				executors_json TEXT,
				controller_project_id INTEGER,
				controller_ee_id INTEGER,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE (organization_id, pattern_id),
				FOREIGN KEY(pattern_id) REFERENCES patterns(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS controller_labels (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				label_id INTEGER NOT NULL UNIQUE,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS pattern_instance_labels (
				pattern_instance_id INTEGER NOT NULL,
				controller_label_id INTEGER NOT NULL,
				PRIMARY KEY (pattern_instance_id, controller_label_id),
				FOREIGN KEY(pattern_instance_id) REFERENCES pattern_instances(id) ON DELETE CASCADE,
				FOREIGN KEY(controller_label_id) REFERENCES controller_labels(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS automations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				pattern_instance_id INTEGER NOT NULL,
				automation_type TEXT NOT NULL CHECK (automation_type IN ('job_template')),
				automation_id INTEGER NOT NULL,
				is_primary INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				FOREIGN KEY(pattern_instance_id) REFERENCES pattern_instances(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_pattern_instances_pattern ON pattern_instances(pattern_id)`,
			`CREATE INDEX IF NOT EXISTS idx_automations_instance ON automations(pattern_instance_id)`,
		},
	},
	{
		version: 2,
		name:    "add_tasks_and_events",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				kind TEXT NOT NULL,
				resource_id INTEGER NOT NULL,
				status TEXT NOT NULL CHECK (status IN ('Initiated', 'Running', 'Completed', 'Failed')),
				details_json TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts TEXT NOT NULL,
				kind TEXT NOT NULL,
				task_id INTEGER,
				msg TEXT,
				json TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_resource ON tasks(kind, resource_id)`,
			`CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id)`,
		},
	},
}

// Migrate applies pending migrations in version order, each in its own
// transaction. It refuses to run against a database that records a version
// this binary does not know, which means a newer patternd wrote it.
func Migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := validateMigrations(); err != nil {
		return err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}
	known := make(map[int]bool, len(migrations))
	for _, m := range migrations {
		known[m.version] = true
	}
	for version := range applied {
		if !known[version] {
			return fmt.Errorf("unknown schema migration version %d", version)
		}
	}
	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion reports the highest applied migration version.
func (s *Store) SchemaVersion() (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	var version sql.NullInt64
	if err := s.DB.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

func applyMigration(db *sql.DB, m migration) (err error) {
	if len(m.statements) == 0 {
		return fmt.Errorf("migration %d has no statements", m.version)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range m.statements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		if _, err = tx.Exec(trimmed); err != nil {
			return fmt.Errorf("exec migration %d (%s): %w", m.version, m.name, err)
		}
	}
	appliedAt := time.Now().UTC().Format(timeLayout)
	if _, err = tx.Exec(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`, m.version, m.name, appliedAt); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

// validateMigrations checks versions are positive, unique, ascending and
// named.
func validateMigrations() error {
	if len(migrations) == 0 {
		return errors.New("no migrations defined")
	}
	prev := 0
	for _, m := range migrations {
		if m.version <= 0 {
			return fmt.Errorf("migration version must be positive: %d", m.version)
		}
		if m.version == prev {
			return fmt.Errorf("duplicate migration version %d", m.version)
		}
		if m.version < prev {
			return fmt.Errorf("migration version %d is out of order", m.version)
		}
		if strings.TrimSpace(m.name) == "" {
			return fmt.Errorf("migration %d missing name", m.version)
		}
		prev = m.version
	}
	return nil
}
