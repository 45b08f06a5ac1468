// Package booking guards appointment creation against stale availability.
// The re-check here runs immediately before the insert, which narrows the
// race between the slot looking free in the UI and a concurrent write; the
// unique index on live appointment slots closes the rest.
package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"vitalsync/internal/availability"
	"vitalsync/internal/cache"
	"vitalsync/internal/metrics"
	"vitalsync/internal/models"
)

// Store is the appointment storage the guard uses.
type Store interface {
	GetActiveAppointmentsOnDate(ctx context.Context, professionalID int64, date string) ([]models.Appointment, error)
	CreateAppointment(ctx context.Context, a *models.Appointment) error
	GetAppointment(ctx context.Context, id int64) (*models.Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id int64, status string) error
	EnqueueOutboxTask(ctx context.Context, taskType string, appointmentID int64) error
}

// Guard validates and commits appointment reservations.
type Guard struct {
	store    Store
	resolver *availability.Resolver
	cache    *cache.Cache
	log      *zerolog.Logger
}

// NewGuard wires the booking conflict guard.
func NewGuard(store Store, resolver *availability.Resolver, c *cache.Cache, log *zerolog.Logger) *Guard {
	return &Guard{store: store, resolver: resolver, cache: c, log: log}
}

// Reserve re-validates the requested slot against freshly resolved
// availability and sibling appointments, then commits the appointment and
// queues its calendar push. Both conflict layers return ErrSlotUnavailable.
func (g *Guard) Reserve(ctx context.Context, professionalID int64, date, startTime string, durationMinutes int) (*models.Appointment, error) {
	if durationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", models.ErrInvalidInput)
	}
	start, err := availability.ParseClock(startTime)
	if err != nil {
		return nil, err
	}
	end := start + durationMinutes

	// Layer one: the interval must sit inside currently open time.
	open, err := g.resolver.OpenIntervals(ctx, professionalID, date)
	if err != nil {
		return nil, fmt.Errorf("resolve availability: %w", err)
	}
	if !contains(open, start, end) {
		metrics.IncBookingDecision("rejected_blocked")
		return nil, models.ErrSlotUnavailable
	}

	// Layer two: no live sibling appointment may overlap.
	siblings, err := g.store.GetActiveAppointmentsOnDate(ctx, professionalID, date)
	if err != nil {
		return nil, fmt.Errorf("load appointments: %w", err)
	}
	for i := range siblings {
		s, err := availability.ParseClock(siblings[i].Time)
		if err != nil {
			continue
		}
		if start < s+siblings[i].DurationMinutes && s < end {
			metrics.IncBookingDecision("rejected_overlap")
			return nil, models.ErrSlotUnavailable
		}
	}

	appt := &models.Appointment{
		ProfessionalID:  professionalID,
		Date:            date,
		Time:            startTime,
		DurationMinutes: durationMinutes,
		Status:          models.AppointmentStatusPending,
	}
	// Last check before the write; the partial unique index turns the
	// residual race into ErrSlotUnavailable here.
	if err := g.store.CreateAppointment(ctx, appt); err != nil {
		if errors.Is(err, models.ErrSlotUnavailable) {
			metrics.IncBookingDecision("rejected_race")
		}
		return nil, err
	}

	if err := g.store.EnqueueOutboxTask(ctx, models.OutboxTaskPushAppointment, appt.ID); err != nil {
		// The appointment stands; the push is retried by a later
		// enqueue or surfaced by monitoring.
		g.log.Error().Err(err).Int64("appointment_id", appt.ID).Msg("failed to enqueue calendar push")
	}

	g.cache.Invalidate(ctx, professionalID)
	metrics.IncBookingDecision("accepted")

	g.log.Info().
		Int64("appointment_id", appt.ID).
		Int64("professional_id", professionalID).
		Str("date", date).
		Str("time", startTime).
		Msg("appointment reserved")
	return appt, nil
}

// Cancel releases the slot and queues removal of the mirrored calendar
// event. Cancelling an already inactive appointment is a no-op.
func (g *Guard) Cancel(ctx context.Context, professionalID, appointmentID int64) error {
	appt, err := g.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return err
	}
	if appt.ProfessionalID != professionalID {
		// Ownership mismatch looks the same as a missing row to the caller.
		return fmt.Errorf("%w: appointment %d", models.ErrNotFound, appointmentID)
	}
	if !appt.IsActive() {
		return nil
	}

	if err := g.store.UpdateAppointmentStatus(ctx, appointmentID, models.AppointmentStatusCancelled); err != nil {
		return fmt.Errorf("cancel appointment: %w", err)
	}

	if err := g.store.EnqueueOutboxTask(ctx, models.OutboxTaskCancelAppointment, appointmentID); err != nil {
		// The cancellation stands; the stale calendar event is surfaced
		// by monitoring.
		g.log.Error().Err(err).Int64("appointment_id", appointmentID).Msg("failed to enqueue calendar removal")
	}

	g.cache.Invalidate(ctx, professionalID)
	metrics.IncBookingDecision("cancelled")

	g.log.Info().
		Int64("appointment_id", appointmentID).
		Int64("professional_id", professionalID).
		Msg("appointment cancelled")
	return nil
}

func contains(open []availability.Interval, start, end int) bool {
	for _, iv := range open {
		if start >= iv.Start && end <= iv.End {
			return true
		}
	}
	return false
}
