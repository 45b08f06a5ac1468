package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps sql.DB for the sync engine.
type DB struct {
	*sql.DB
	path string
}

// NewDB opens database at path and runs migrations.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := createTables(db); err != nil {
		return nil, err
	}
	return &DB{DB: db, path: path}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		// Google Calendar connection state, one row per user.
		`CREATE TABLE IF NOT EXISTS credentials (
			user_id INTEGER PRIMARY KEY,
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			access_token_expires_at DATETIME,
			connected BOOLEAN NOT NULL DEFAULT 0,
			needs_reauth BOOLEAN NOT NULL DEFAULT 0,
			webhook_channel_id TEXT NOT NULL DEFAULT '',
			webhook_resource_id TEXT NOT NULL DEFAULT '',
			channel_expires_at DATETIME,
			selected_calendar_ids TEXT NOT NULL DEFAULT '',
			sync_token TEXT NOT NULL DEFAULT '',
			last_synced_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Recurring weekly availability template.
		`CREATE TABLE IF NOT EXISTS working_hours_rules (
			professional_id INTEGER PRIMARY KEY,
			days_of_week TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			session_duration_minutes INTEGER NOT NULL DEFAULT 50,
			break_minutes INTEGER NOT NULL DEFAULT 0,
			tolerance_minutes INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Explicit unavailability, internal or mirrored from Google.
		// Times are empty strings for full_day blocks so the dedup
		// index stays total.
		`CREATE TABLE IF NOT EXISTS availability_blocks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			professional_id INTEGER NOT NULL,
			block_type TEXT NOT NULL,
			start_date TEXT NOT NULL,
			end_date TEXT NOT NULL,
			start_time TEXT NOT NULL DEFAULT '',
			end_time TEXT NOT NULL DEFAULT '',
			is_recurring BOOLEAN NOT NULL DEFAULT 0,
			is_external_event BOOLEAN NOT NULL DEFAULT 0,
			external_event_source TEXT NOT NULL DEFAULT '',
			external_event_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Dedup key for externally sourced blocks. Upserts target this
		// index; duplicate webhook deliveries become overwrites.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_blocks_external_dedup
			ON availability_blocks(professional_id, external_event_id, start_date, start_time, end_time)
			WHERE is_external_event = 1`,

		`CREATE INDEX IF NOT EXISTS idx_blocks_range
			ON availability_blocks(professional_id, start_date, end_date)`,

		`CREATE TABLE IF NOT EXISTS appointments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			professional_id INTEGER NOT NULL,
			date TEXT NOT NULL,
			time TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			calendar_event_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Two live appointments can never share a start slot.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_appointments_slot
			ON appointments(professional_id, date, time)
			WHERE status IN ('pending', 'confirmed')`,

		// Append-only audit of orchestrator invocations.
		`CREATE TABLE IF NOT EXISTS sync_runs (
			id TEXT PRIMARY KEY,
			professional_id INTEGER NOT NULL DEFAULT 0,
			trigger_source TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			status TEXT NOT NULL,
			events_processed INTEGER NOT NULL DEFAULT 0,
			error_detail TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_runs_started
			ON sync_runs(started_at)`,

		// Persisted hand-off for appointment -> calendar pushes.
		`CREATE TABLE IF NOT EXISTS calendar_outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_type TEXT NOT NULL,
			appointment_id INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			processed_at DATETIME,
			FOREIGN KEY (appointment_id) REFERENCES appointments(id)
		)`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

// Backup copies the database file to dest.
func (db *DB) Backup(dest string) error {
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	source, err := os.Open(db.path)
	if err != nil {
		return err
	}
	defer source.Close()

	destination, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer destination.Close()

	_, err = io.Copy(destination, source)
	return err
}

// CleanupBackups removes backup files older than retention.
func (db *DB) CleanupBackups(dir string, retention time.Duration) (int, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-retention)
	deleted := 0
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, file.Name())); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}

// Ping verifies the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}
