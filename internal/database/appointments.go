package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"vitalsync/internal/models"
)

// CreateAppointment inserts the appointment. The partial unique index on
// (professional_id, date, time) for live rows turns a same-slot race into
// ErrSlotUnavailable instead of a second booking.
func (db *DB) CreateAppointment(ctx context.Context, a *models.Appointment) error {
	now := time.Now()
	res, err := db.ExecContext(ctx, `
		INSERT INTO appointments (professional_id, date, time, duration_minutes, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ProfessionalID, a.Date, a.Time, a.DurationMinutes, a.Status, now, now,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return models.ErrSlotUnavailable
		}
		return fmt.Errorf("create appointment: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	a.CreatedAt = now
	return nil
}

// GetAppointment returns an appointment by id.
func (db *DB) GetAppointment(ctx context.Context, id int64) (*models.Appointment, error) {
	var a models.Appointment
	err := db.QueryRowContext(ctx, `
		SELECT id, professional_id, date, time, duration_minutes, status, calendar_event_id, created_at
		FROM appointments WHERE id = ?`,
		id,
	).Scan(&a.ID, &a.ProfessionalID, &a.Date, &a.Time, &a.DurationMinutes, &a.Status, &a.CalendarEventID, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: appointment %d", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetActiveAppointmentsOnDate returns pending and confirmed appointments
// for the professional on a given date.
func (db *DB) GetActiveAppointmentsOnDate(ctx context.Context, professionalID int64, date string) ([]models.Appointment, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, professional_id, date, time, duration_minutes, status, calendar_event_id, created_at
		FROM appointments
		WHERE professional_id = ? AND date = ? AND status IN ('pending', 'confirmed')
		ORDER BY time`,
		professionalID, date,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []models.Appointment
	for rows.Next() {
		var a models.Appointment
		if err := rows.Scan(&a.ID, &a.ProfessionalID, &a.Date, &a.Time, &a.DurationMinutes, &a.Status, &a.CalendarEventID, &a.CreatedAt); err != nil {
			return nil, err
		}
		appts = append(appts, a)
	}
	return appts, rows.Err()
}

// SetAppointmentEventID records the mirrored calendar event, so a later
// cancellation knows which event to remove.
func (db *DB) SetAppointmentEventID(ctx context.Context, id int64, eventID string) error {
	_, err := db.ExecContext(ctx,
		"UPDATE appointments SET calendar_event_id = ?, updated_at = ? WHERE id = ?",
		eventID, time.Now(), id,
	)
	return err
}

// UpdateAppointmentStatus changes the appointment lifecycle state.
func (db *DB) UpdateAppointmentStatus(ctx context.Context, id int64, status string) error {
	_, err := db.ExecContext(ctx,
		"UPDATE appointments SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now(), id,
	)
	return err
}
