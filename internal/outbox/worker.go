// Package outbox drains the calendar push queue. Appointment creation
// enqueues a task in the same store as the appointment itself, so a failed
// push is visible and retryable instead of a dropped goroutine.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"vitalsync/internal/availability"
	"vitalsync/internal/metrics"
	"vitalsync/internal/models"
)

// Store is the storage surface of the worker.
type Store interface {
	ListPendingOutboxTasks(ctx context.Context, limit int) ([]models.OutboxTask, error)
	MarkOutboxDone(ctx context.Context, id int64) error
	MarkOutboxAttempt(ctx context.Context, id int64, attempts int, lastError string, final bool) error
	GetAppointment(ctx context.Context, id int64) (*models.Appointment, error)
	SetAppointmentEventID(ctx context.Context, id int64, eventID string) error
	GetCredential(ctx context.Context, userID int64) (*models.Credential, error)
}

// TokenProvider supplies live access tokens.
type TokenProvider interface {
	GetValidAccessToken(ctx context.Context, cred *models.Credential) (string, error)
}

// Gateway is the calendar surface the worker pushes through.
type Gateway interface {
	InsertEvent(ctx context.Context, accessToken, calendarID, summary string, start, end time.Time) (string, error)
	DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error
}

// Worker periodically drains pending push tasks.
type Worker struct {
	store       Store
	tokens      TokenProvider
	gateway     Gateway
	interval    time.Duration
	maxAttempts int
	batchSize   int
	log         *zerolog.Logger
}

// NewWorker builds an outbox worker.
func NewWorker(store Store, tokens TokenProvider, gateway Gateway, interval time.Duration, maxAttempts int, log *zerolog.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Worker{
		store:       store,
		tokens:      tokens,
		gateway:     gateway,
		interval:    interval,
		maxAttempts: maxAttempts,
		batchSize:   50,
		log:         log,
	}
}

// Run drains the queue on a ticker until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("outbox worker started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("outbox worker stopped")
			return
		case <-ticker.C:
			w.ProcessPending(ctx)
		}
	}
}

// ProcessPending handles one batch of pending tasks. Each task fails or
// succeeds on its own; a broken credential parks its task without touching
// the rest of the batch.
func (w *Worker) ProcessPending(ctx context.Context) {
	tasks, err := w.store.ListPendingOutboxTasks(ctx, w.batchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to list outbox tasks")
		return
	}

	for i := range tasks {
		if ctx.Err() != nil {
			return
		}
		task := &tasks[i]
		if err := w.processTask(ctx, task); err != nil {
			attempts := task.Attempts + 1
			final := attempts >= w.maxAttempts
			if markErr := w.store.MarkOutboxAttempt(ctx, task.ID, attempts, err.Error(), final); markErr != nil {
				w.log.Error().Err(markErr).Int64("task_id", task.ID).Msg("failed to record outbox attempt")
			}
			if final {
				metrics.IncOutboxPush("failed")
				w.log.Error().Err(err).Int64("task_id", task.ID).Int("attempts", attempts).Msg("outbox task parked as failed")
			} else {
				w.log.Warn().Err(err).Int64("task_id", task.ID).Int("attempts", attempts).Msg("outbox task push failed, will retry")
			}
			continue
		}
		if err := w.store.MarkOutboxDone(ctx, task.ID); err != nil {
			w.log.Error().Err(err).Int64("task_id", task.ID).Msg("failed to mark outbox task done")
			continue
		}
		metrics.IncOutboxPush("done")
	}
}

func (w *Worker) processTask(ctx context.Context, task *models.OutboxTask) error {
	appt, err := w.store.GetAppointment(ctx, task.AppointmentID)
	if err != nil {
		return fmt.Errorf("load appointment: %w", err)
	}

	// A cancelled appointment that was never mirrored has nothing to
	// remove; resolve the task before touching the credential.
	if task.TaskType == models.OutboxTaskCancelAppointment && appt.CalendarEventID == "" {
		return nil
	}

	cred, err := w.store.GetCredential(ctx, appt.ProfessionalID)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}

	access, err := w.tokens.GetValidAccessToken(ctx, cred)
	if err != nil {
		return fmt.Errorf("get access token: %w", err)
	}

	calID := "primary"
	if len(cred.SelectedCalendarIDs) > 0 {
		calID = cred.SelectedCalendarIDs[0]
	}

	switch task.TaskType {
	case models.OutboxTaskPushAppointment:
		start, end, err := appointmentInterval(appt)
		if err != nil {
			return err
		}
		eventID, err := w.gateway.InsertEvent(ctx, access, calID, "Appointment (booked)", start, end)
		if err != nil {
			return fmt.Errorf("insert calendar event: %w", err)
		}
		if err := w.store.SetAppointmentEventID(ctx, appt.ID, eventID); err != nil {
			// The event exists; losing its id only degrades a later
			// cancellation to a no-op removal.
			w.log.Error().Err(err).Int64("appointment_id", appt.ID).Msg("failed to record calendar event id")
		}
		w.log.Info().
			Int64("appointment_id", appt.ID).
			Str("event_id", eventID).
			Msg("appointment mirrored to calendar")
		return nil
	case models.OutboxTaskCancelAppointment:
		if err := w.gateway.DeleteEvent(ctx, access, calID, appt.CalendarEventID); err != nil {
			return fmt.Errorf("delete calendar event: %w", err)
		}
		w.log.Info().
			Int64("appointment_id", appt.ID).
			Str("event_id", appt.CalendarEventID).
			Msg("appointment removed from calendar")
		return nil
	default:
		return fmt.Errorf("unknown task type %q", task.TaskType)
	}
}

func appointmentInterval(appt *models.Appointment) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", appt.Date, time.Local)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid appointment date: %w", err)
	}
	mins, err := availability.ParseClock(appt.Time)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid appointment time: %w", err)
	}
	start := day.Add(time.Duration(mins) * time.Minute)
	return start, start.Add(time.Duration(appt.DurationMinutes) * time.Minute), nil
}
