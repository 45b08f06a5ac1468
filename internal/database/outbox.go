package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vitalsync/internal/models"
)

// EnqueueOutboxTask persists a calendar push task. Committed alongside the
// appointment write so the push cannot be lost silently.
func (db *DB) EnqueueOutboxTask(ctx context.Context, taskType string, appointmentID int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO calendar_outbox (task_type, appointment_id, status, created_at)
		VALUES (?, ?, ?, ?)`,
		taskType, appointmentID, models.OutboxStatusPending, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox task: %w", err)
	}
	return nil
}

// ListPendingOutboxTasks returns up to limit pending tasks, oldest first.
func (db *DB) ListPendingOutboxTasks(ctx context.Context, limit int) ([]models.OutboxTask, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, task_type, appointment_id, attempts, status, last_error, created_at, processed_at
		FROM calendar_outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.OutboxTask
	for rows.Next() {
		var t models.OutboxTask
		var processed sql.NullTime
		if err := rows.Scan(&t.ID, &t.TaskType, &t.AppointmentID, &t.Attempts, &t.Status, &t.LastError, &t.CreatedAt, &processed); err != nil {
			return nil, err
		}
		if processed.Valid {
			t.ProcessedAt = &processed.Time
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// MarkOutboxDone records a successful push.
func (db *DB) MarkOutboxDone(ctx context.Context, id int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE calendar_outbox SET status = 'done', processed_at = ? WHERE id = ?`,
		time.Now(), id,
	)
	return err
}

// MarkOutboxAttempt records a failed attempt. Tasks past maxAttempts are
// parked as failed and left in the table for inspection.
func (db *DB) MarkOutboxAttempt(ctx context.Context, id int64, attempts int, lastError string, final bool) error {
	status := models.OutboxStatusPending
	if final {
		status = models.OutboxStatusFailed
	}
	_, err := db.ExecContext(ctx, `
		UPDATE calendar_outbox SET attempts = ?, last_error = ?, status = ? WHERE id = ?`,
		attempts, lastError, status, id,
	)
	return err
}
