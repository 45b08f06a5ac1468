package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"vitalsync/internal/models"
)

// CreateBlock inserts an internal block created by the professional.
func (db *DB) CreateBlock(ctx context.Context, b *models.AvailabilityBlock) error {
	if err := b.Validate(); err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO availability_blocks (
			professional_id, block_type, start_date, end_date, start_time, end_time,
			is_recurring, is_external_event, external_event_source, external_event_id,
			title, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', '', ?, ?)`,
		b.ProfessionalID, b.BlockType, b.StartDate, b.EndDate, b.StartTime, b.EndTime,
		b.IsRecurring, b.Title, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("create block: %w", err)
	}
	b.ID, _ = res.LastInsertId()
	return nil
}

// UpsertExternalBlock inserts or overwrites a block mirrored from the
// external calendar. The conflict target is the dedup index, so repeated
// delivery of the same event is an overwrite, never a duplicate row.
func (db *DB) UpsertExternalBlock(ctx context.Context, b *models.AvailabilityBlock) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if b.ExternalEventID == "" {
		return fmt.Errorf("%w: external block requires external_event_id", models.ErrInvalidBlock)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO availability_blocks (
			professional_id, block_type, start_date, end_date, start_time, end_time,
			is_recurring, is_external_event, external_event_source, external_event_id,
			title, created_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, 1, ?, ?, ?, ?)
		ON CONFLICT(professional_id, external_event_id, start_date, start_time, end_time)
			WHERE is_external_event = 1
		DO UPDATE SET
			block_type = excluded.block_type,
			end_date = excluded.end_date,
			title = excluded.title,
			external_event_source = excluded.external_event_source`,
		b.ProfessionalID, b.BlockType, b.StartDate, b.EndDate, b.StartTime, b.EndTime,
		b.ExternalEventSource, b.ExternalEventID, b.Title, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert external block: %w", err)
	}
	return nil
}

// DeleteBlock removes a block owned by the professional.
func (db *DB) DeleteBlock(ctx context.Context, professionalID, blockID int64) (bool, error) {
	res, err := db.ExecContext(ctx,
		"DELETE FROM availability_blocks WHERE id = ? AND professional_id = ?",
		blockID, professionalID,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteExternalBlocksByEventID removes all mirrored blocks for an event
// that was cancelled upstream. Returns the number of rows removed.
func (db *DB) DeleteExternalBlocksByEventID(ctx context.Context, professionalID int64, eventID string) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM availability_blocks
		WHERE professional_id = ? AND is_external_event = 1 AND external_event_id = ?`,
		professionalID, eventID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetBlocksOverlapping returns all blocks touching the [start, end] date
// range. Dates are ISO strings so lexical comparison is chronological.
// Recurring blocks repeat weekly past their own end_date, so they are
// returned for any range at or after their start; the caller decides
// which dates they actually cover.
func (db *DB) GetBlocksOverlapping(ctx context.Context, professionalID int64, startDate, endDate string) ([]models.AvailabilityBlock, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, professional_id, block_type, start_date, end_date, start_time, end_time,
		       is_recurring, is_external_event, external_event_source, external_event_id,
		       title, created_at
		FROM availability_blocks
		WHERE professional_id = ? AND start_date <= ? AND (end_date >= ? OR is_recurring = 1)
		ORDER BY start_date, start_time`,
		professionalID, endDate, startDate,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBlocks(rows)
}

// ListExternalBlocks returns all external blocks for a professional in
// created_at order, oldest first. Used by the dedupe sweep: the first row
// per dedup key is the keeper.
func (db *DB) ListExternalBlocks(ctx context.Context, professionalID int64) ([]models.AvailabilityBlock, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, professional_id, block_type, start_date, end_date, start_time, end_time,
		       is_recurring, is_external_event, external_event_source, external_event_id,
		       title, created_at
		FROM availability_blocks
		WHERE professional_id = ? AND is_external_event = 1
		ORDER BY created_at ASC, id ASC`,
		professionalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBlocks(rows)
}

// DeleteBlocksByIDs removes blocks in a single statement. Callers batch
// the id list to bound transaction size.
func (db *DB) DeleteBlocksByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := db.ExecContext(ctx,
		"DELETE FROM availability_blocks WHERE id IN ("+placeholders+")", args...,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountBlocks returns the total number of blocks for a professional.
func (db *DB) CountBlocks(ctx context.Context, professionalID int64) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM availability_blocks WHERE professional_id = ?",
		professionalID,
	).Scan(&count)
	return count, err
}

func scanBlocks(rows *sql.Rows) ([]models.AvailabilityBlock, error) {
	var blocks []models.AvailabilityBlock
	for rows.Next() {
		var b models.AvailabilityBlock
		if err := rows.Scan(
			&b.ID, &b.ProfessionalID, &b.BlockType, &b.StartDate, &b.EndDate,
			&b.StartTime, &b.EndTime, &b.IsRecurring, &b.IsExternalEvent,
			&b.ExternalEventSource, &b.ExternalEventID, &b.Title, &b.CreatedAt,
		); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}
