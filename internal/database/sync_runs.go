package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vitalsync/internal/models"
)

// CreateSyncRun appends a running sync-run record.
func (db *DB) CreateSyncRun(ctx context.Context, run *models.SyncRun) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, professional_id, trigger_source, started_at, status, events_processed, error_detail)
		VALUES (?, ?, ?, ?, ?, 0, '')`,
		run.ID, run.ProfessionalID, run.Trigger, run.StartedAt, models.SyncRunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("create sync run: %w", err)
	}
	return nil
}

// FinishSyncRun closes a run. Finished runs are never touched again.
func (db *DB) FinishSyncRun(ctx context.Context, id, status string, eventsProcessed int, errorDetail string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE sync_runs
		SET finished_at = ?, status = ?, events_processed = ?, error_detail = ?
		WHERE id = ? AND finished_at IS NULL`,
		time.Now(), status, eventsProcessed, errorDetail, id,
	)
	return err
}

// ListSyncRuns returns runs started within [from, to], newest first.
func (db *DB) ListSyncRuns(ctx context.Context, from, to time.Time) ([]models.SyncRun, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, professional_id, trigger_source, started_at, finished_at, status, events_processed, error_detail
		FROM sync_runs
		WHERE started_at >= ? AND started_at <= ?
		ORDER BY started_at DESC`,
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		var r models.SyncRun
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.ProfessionalID, &r.Trigger, &r.StartedAt, &finished, &r.Status, &r.EventsProcessed, &r.ErrorDetail); err != nil {
			return nil, err
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
