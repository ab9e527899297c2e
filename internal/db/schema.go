package db

import (
	"database/sql"
	"fmt"
)

const filesTableDDL = `
CREATE TABLE IF NOT EXISTS files (
    id INTEGER PRIMARY KEY,
    path TEXT NOT NULL,
    dir TEXT NOT NULL,
    status INTEGER NOT NULL,
    is_symlink INTEGER NOT NULL
);
`

const detectionsTableDDL = `
CREATE TABLE IF NOT EXISTS detections (
    id INTEGER PRIMARY KEY,
    file_path TEXT NOT NULL,
    path TEXT NOT NULL,
    type TEXT NOT NULL,
    name TEXT NOT NULL,
    hash TEXT NOT NULL DEFAULT '',
    is_symlink INTEGER NOT NULL
);
`

const rollupsTableDDL = `
CREATE TABLE IF NOT EXISTS rollups (
    dir_path TEXT PRIMARY KEY,
    parent_path TEXT NOT NULL,
    total_files INTEGER NOT NULL,
    total_infected INTEGER NOT NULL,
    total_errors INTEGER NOT NULL
);
`

const scanMetaTableDDL = `
CREATE TABLE IF NOT EXISTS scan_meta (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    run_id TEXT NOT NULL,
    name TEXT NOT NULL,
    root_paths TEXT NOT NULL,
    start_time INTEGER NOT NULL,
    end_time INTEGER,
    file_count INTEGER DEFAULT 0,
    infected_count INTEGER DEFAULT 0,
    error_count INTEGER DEFAULT 0,
    result_code INTEGER DEFAULT 0
);
`

const scanErrorsTableDDL = `
CREATE TABLE IF NOT EXISTS scan_errors (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL,
    message TEXT NOT NULL,
    code INTEGER NOT NULL
);
`

const filesDirIndexDDL = `CREATE INDEX IF NOT EXISTS idx_files_dir ON files(dir);`
const filesStatusIndexDDL = `CREATE INDEX IF NOT EXISTS idx_files_status ON files(status);`
const detectionsFileIndexDDL = `CREATE INDEX IF NOT EXISTS idx_detections_file ON detections(file_path);`
const rollupsParentIndexDDL = `CREATE INDEX IF NOT EXISTS idx_rollups_parent ON rollups(parent_path);`
const rollupsInfectedIndexDDL = `CREATE INDEX IF NOT EXISTS idx_rollups_infected ON rollups(total_infected DESC);`

// InitSchema creates all tables in the database.
func InitSchema(db *sql.DB) error {
	ddls := []string{
		filesTableDDL,
		detectionsTableDDL,
		rollupsTableDDL,
		scanMetaTableDDL,
		scanErrorsTableDDL,
	}

	for _, ddl := range ddls {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to execute DDL: %w", err)
		}
	}

	return nil
}

// ApplyWritePragmas configures SQLite for optimal write performance during ingestion.
func ApplyWritePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply pragma %q: %w", pragma, err)
		}
	}

	return nil
}

// ApplyReadPragmas configures SQLite for report browsing.
func ApplyReadPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA query_only = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply pragma %q: %w", pragma, err)
		}
	}

	return nil
}

// BuildIndexes creates indexes after the scan has been written.
func BuildIndexes(db *sql.DB) error {
	indexes := []string{
		filesDirIndexDDL,
		filesStatusIndexDDL,
		detectionsFileIndexDDL,
		rollupsParentIndexDDL,
		rollupsInfectedIndexDDL,
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// Finalize prepares the database for read-only access.
func Finalize(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA optimize"); err != nil {
		return fmt.Errorf("failed to optimize: %w", err)
	}

	// A single-file report is easier to copy around than WAL + shm.
	if _, err := db.Exec("PRAGMA journal_mode = DELETE"); err != nil {
		return fmt.Errorf("failed to set journal mode: %w", err)
	}

	return nil
}
