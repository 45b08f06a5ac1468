package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"vitalsync/internal/models"
)

// GetWorkingHours returns the active rule set for a professional, or nil
// when none is configured.
func (db *DB) GetWorkingHours(ctx context.Context, professionalID int64) (*models.WorkingHoursRule, error) {
	var r models.WorkingHoursRule
	var days string
	var tolerance sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT professional_id, days_of_week, start_time, end_time,
		       session_duration_minutes, break_minutes, tolerance_minutes,
		       created_at, updated_at
		FROM working_hours_rules
		WHERE professional_id = ?`,
		professionalID,
	).Scan(
		&r.ProfessionalID, &days, &r.StartTime, &r.EndTime,
		&r.SessionDurationMinutes, &r.BreakMinutes, &tolerance,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get working hours: %w", err)
	}
	if tolerance.Valid {
		v := int(tolerance.Int64)
		r.ToleranceMinutes = &v
	}
	r.DaysOfWeek, err = parseDays(days)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertWorkingHours replaces the professional's rule set. A nil tolerance
// is stored as NULL; the resolver falls back to its default in that case.
func (db *DB) UpsertWorkingHours(ctx context.Context, r *models.WorkingHoursRule) error {
	if r.SessionDurationMinutes <= 0 {
		return fmt.Errorf("%w: session duration must be positive", models.ErrInvalidInput)
	}
	if r.ToleranceMinutes != nil && (*r.ToleranceMinutes < 0 || *r.ToleranceMinutes > 60) {
		return fmt.Errorf("%w: tolerance must be within 0-60 minutes", models.ErrInvalidInput)
	}
	for _, d := range r.DaysOfWeek {
		if d < 1 || d > 7 {
			return fmt.Errorf("%w: day of week %d out of range 1-7", models.ErrInvalidInput, d)
		}
	}

	now := time.Now()
	_, err := db.ExecContext(ctx, `
		INSERT INTO working_hours_rules (
			professional_id, days_of_week, start_time, end_time,
			session_duration_minutes, break_minutes, tolerance_minutes,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(professional_id) DO UPDATE SET
			days_of_week = excluded.days_of_week,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			session_duration_minutes = excluded.session_duration_minutes,
			break_minutes = excluded.break_minutes,
			tolerance_minutes = excluded.tolerance_minutes,
			updated_at = excluded.updated_at`,
		r.ProfessionalID, formatDays(r.DaysOfWeek), r.StartTime, r.EndTime,
		r.SessionDurationMinutes, r.BreakMinutes, r.ToleranceMinutes, now, now,
	)
	return err
}

func formatDays(days []int) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func parseDays(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	days := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("parse days of week: %w", err)
		}
		days = append(days, d)
	}
	return days, nil
}
