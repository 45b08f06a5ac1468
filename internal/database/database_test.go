package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"vitalsync/internal/availability"
	"vitalsync/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func intPtr(v int) *int { return &v }

func TestUpsertExternalBlockDeduplicates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	block := &models.AvailabilityBlock{
		ProfessionalID:      1,
		BlockType:           models.BlockTypeTimeRange,
		StartDate:           "2025-03-10",
		EndDate:             "2025-03-10",
		StartTime:           "13:00",
		EndTime:             "14:00",
		IsExternalEvent:     true,
		ExternalEventSource: "google_calendar",
		ExternalEventID:     "ev-1",
		Title:               "Busy",
	}

	assert.NoError(t, db.UpsertExternalBlock(ctx, block))
	// Same event delivered again, title changed upstream.
	block.Title = "Busy (updated)"
	assert.NoError(t, db.UpsertExternalBlock(ctx, block))

	blocks, err := db.ListExternalBlocks(ctx, 1)
	assert.NoError(t, err)
	assert.Len(t, blocks, 1)
	assert.Equal(t, "Busy (updated)", blocks[0].Title)
}

func TestUpsertExternalBlockFullDayPlaceholders(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	fullDay := &models.AvailabilityBlock{
		ProfessionalID:      1,
		BlockType:           models.BlockTypeFullDay,
		StartDate:           "2025-03-10",
		EndDate:             "2025-03-10",
		IsExternalEvent:     true,
		ExternalEventSource: "google_calendar",
		ExternalEventID:     "ev-1",
	}
	assert.NoError(t, db.UpsertExternalBlock(ctx, fullDay))
	assert.NoError(t, db.UpsertExternalBlock(ctx, fullDay))

	blocks, err := db.ListExternalBlocks(ctx, 1)
	assert.NoError(t, err)
	assert.Len(t, blocks, 1)
}

func TestUpsertExternalBlockRequiresEventID(t *testing.T) {
	db := newTestDB(t)
	err := db.UpsertExternalBlock(context.Background(), &models.AvailabilityBlock{
		ProfessionalID: 1,
		BlockType:      models.BlockTypeFullDay,
		StartDate:      "2025-03-10",
		EndDate:        "2025-03-10",
	})
	assert.ErrorIs(t, err, models.ErrInvalidBlock)
}

func TestCreateBlockRejectsInvalid(t *testing.T) {
	db := newTestDB(t)
	err := db.CreateBlock(context.Background(), &models.AvailabilityBlock{
		ProfessionalID: 1,
		BlockType:      "lunch",
		StartDate:      "2025-03-10",
		EndDate:        "2025-03-10",
	})
	assert.ErrorIs(t, err, models.ErrInvalidBlock)
}

func TestDeleteExternalBlocksByEventID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, date := range []string{"2025-03-10", "2025-03-11"} {
		assert.NoError(t, db.UpsertExternalBlock(ctx, &models.AvailabilityBlock{
			ProfessionalID:      1,
			BlockType:           models.BlockTypeFullDay,
			StartDate:           date,
			EndDate:             date,
			IsExternalEvent:     true,
			ExternalEventSource: "google_calendar",
			ExternalEventID:     "ev-1",
		}))
	}

	n, err := db.DeleteExternalBlocksByEventID(ctx, 1, "ev-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := db.CountBlocks(ctx, 1)
	assert.NoError(t, err)
	assert.Zero(t, count)
}

func TestGetBlocksOverlappingReturnsRecurringPastEndDate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// A weekly block's row carries only its first occurrence's dates.
	assert.NoError(t, db.CreateBlock(ctx, &models.AvailabilityBlock{
		ProfessionalID: 1,
		BlockType:      models.BlockTypeFullDay,
		StartDate:      "2025-03-10", // Monday
		EndDate:        "2025-03-10",
		IsRecurring:    true,
		Title:          "weekly admin day",
	}))

	blocks, err := db.GetBlocksOverlapping(ctx, 1, "2025-03-17", "2025-03-17")
	assert.NoError(t, err)
	assert.Len(t, blocks, 1)
	assert.True(t, blocks[0].IsRecurring)

	// A range before the block's start never sees it.
	blocks, err = db.GetBlocksOverlapping(ctx, 1, "2025-03-03", "2025-03-03")
	assert.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestRecurringFullDayBlockClosesLaterWeeks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	assert.NoError(t, db.UpsertWorkingHours(ctx, &models.WorkingHoursRule{
		ProfessionalID:         1,
		DaysOfWeek:             []int{1, 2, 3, 4, 5},
		StartTime:              "09:00",
		EndTime:                "17:00",
		SessionDurationMinutes: 50,
	}))
	assert.NoError(t, db.CreateBlock(ctx, &models.AvailabilityBlock{
		ProfessionalID: 1,
		BlockType:      models.BlockTypeFullDay,
		StartDate:      "2025-03-10", // Monday
		EndDate:        "2025-03-10",
		IsRecurring:    true,
	}))

	r := availability.NewResolver(db, 15)

	// The next Monday is fully blocked by the recurrence.
	slots, err := r.Resolve(ctx, 1, "2025-03-17", "2025-03-17")
	assert.NoError(t, err)
	assert.Empty(t, slots)

	// The Tuesday after stays open.
	slots, err = r.Resolve(ctx, 1, "2025-03-18", "2025-03-18")
	assert.NoError(t, err)
	assert.NotEmpty(t, slots)
}

func TestAppointmentSlotUniqueIndex(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first := &models.Appointment{
		ProfessionalID:  1,
		Date:            "2025-03-10",
		Time:            "10:00",
		DurationMinutes: 50,
		Status:          models.AppointmentStatusPending,
	}
	assert.NoError(t, db.CreateAppointment(ctx, first))

	// Same slot while the first is live.
	second := &models.Appointment{
		ProfessionalID:  1,
		Date:            "2025-03-10",
		Time:            "10:00",
		DurationMinutes: 50,
		Status:          models.AppointmentStatusPending,
	}
	assert.ErrorIs(t, db.CreateAppointment(ctx, second), models.ErrSlotUnavailable)

	// Cancelling the first frees the slot.
	assert.NoError(t, db.UpdateAppointmentStatus(ctx, first.ID, models.AppointmentStatusCancelled))
	assert.NoError(t, db.CreateAppointment(ctx, second))
}

func TestGetActiveAppointmentsOnDate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	appt := &models.Appointment{
		ProfessionalID:  1,
		Date:            "2025-03-10",
		Time:            "10:00",
		DurationMinutes: 50,
		Status:          models.AppointmentStatusPending,
	}
	assert.NoError(t, db.CreateAppointment(ctx, appt))

	active, err := db.GetActiveAppointmentsOnDate(ctx, 1, "2025-03-10")
	assert.NoError(t, err)
	assert.Len(t, active, 1)

	assert.NoError(t, db.UpdateAppointmentStatus(ctx, appt.ID, models.AppointmentStatusCancelled))
	active, err = db.GetActiveAppointmentsOnDate(ctx, 1, "2025-03-10")
	assert.NoError(t, err)
	assert.Empty(t, active)
}

func TestCredentialLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.GetCredential(ctx, 42)
	assert.ErrorIs(t, err, models.ErrNotConnected)

	cred := &models.Credential{
		UserID:               42,
		AccessToken:          "access",
		RefreshToken:         "refresh",
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
		Connected:            true,
		SelectedCalendarIDs:  []string{"primary", "work@example.com"},
	}
	assert.NoError(t, db.UpsertCredential(ctx, cred))

	got, err := db.GetCredential(ctx, 42)
	assert.NoError(t, err)
	assert.True(t, got.Connected)
	assert.Equal(t, "refresh", got.RefreshToken)
	assert.Equal(t, []string{"primary", "work@example.com"}, got.SelectedCalendarIDs)

	// Channel registration and sync state survive a reload.
	expires := time.Now().Add(7 * 24 * time.Hour)
	assert.NoError(t, db.UpdateChannel(ctx, 42, "ch-1", "res-1", expires))
	assert.NoError(t, db.UpdateSyncState(ctx, 42, "token-1", time.Now()))

	got, err = db.GetCredentialByChannel(ctx, "ch-1", "res-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(42), got.UserID)
	assert.Equal(t, "token-1", got.SyncToken)

	// Disconnect wipes tokens, channel and sync state in one shot.
	assert.NoError(t, db.ClearCredential(ctx, 42))
	got, err = db.GetCredential(ctx, 42)
	assert.NoError(t, err)
	assert.False(t, got.Connected)
	assert.Empty(t, got.RefreshToken)
	assert.Empty(t, got.WebhookChannelID)
	assert.Empty(t, got.SyncToken)
}

func TestMarkNeedsReauthKeepsConnected(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	cred := &models.Credential{
		UserID:       7,
		AccessToken:  "access",
		RefreshToken: "refresh",
		Connected:    true,
	}
	assert.NoError(t, db.UpsertCredential(ctx, cred))
	assert.NoError(t, db.MarkNeedsReauth(ctx, 7))

	got, err := db.GetCredential(ctx, 7)
	assert.NoError(t, err)
	assert.True(t, got.NeedsReauth)
	assert.True(t, got.Connected)
}

func TestWorkingHoursRoundtrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rule, err := db.GetWorkingHours(ctx, 1)
	assert.NoError(t, err)
	assert.Nil(t, rule)

	in := &models.WorkingHoursRule{
		ProfessionalID:         1,
		DaysOfWeek:             []int{1, 3, 5},
		StartTime:              "09:00",
		EndTime:                "17:00",
		SessionDurationMinutes: 50,
		BreakMinutes:           10,
		ToleranceMinutes:       intPtr(15),
	}
	assert.NoError(t, db.UpsertWorkingHours(ctx, in))

	rule, err = db.GetWorkingHours(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5}, rule.DaysOfWeek)
	assert.Equal(t, "09:00", rule.StartTime)
	assert.Equal(t, 10, rule.BreakMinutes)
	assert.Equal(t, intPtr(15), rule.ToleranceMinutes)
}

func TestWorkingHoursUnsetToleranceStaysUnset(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	in := &models.WorkingHoursRule{
		ProfessionalID:         1,
		DaysOfWeek:             []int{1},
		StartTime:              "09:00",
		EndTime:                "17:00",
		SessionDurationMinutes: 50,
	}
	assert.NoError(t, db.UpsertWorkingHours(ctx, in))

	rule, err := db.GetWorkingHours(ctx, 1)
	assert.NoError(t, err)
	assert.Nil(t, rule.ToleranceMinutes)

	// An explicit zero is stored as zero, not as unset.
	in.ToleranceMinutes = intPtr(0)
	assert.NoError(t, db.UpsertWorkingHours(ctx, in))
	rule, err = db.GetWorkingHours(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, intPtr(0), rule.ToleranceMinutes)
}

func TestUpsertWorkingHoursValidation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tests := []struct {
		name string
		rule models.WorkingHoursRule
	}{
		{"bad day", models.WorkingHoursRule{ProfessionalID: 1, DaysOfWeek: []int{0}, StartTime: "09:00", EndTime: "17:00", SessionDurationMinutes: 50}},
		{"no session", models.WorkingHoursRule{ProfessionalID: 1, DaysOfWeek: []int{1}, StartTime: "09:00", EndTime: "17:00"}},
		{"tolerance too big", models.WorkingHoursRule{ProfessionalID: 1, DaysOfWeek: []int{1}, StartTime: "09:00", EndTime: "17:00", SessionDurationMinutes: 50, ToleranceMinutes: intPtr(90)}},
	}
	for _, tt := range tests {
		rule := tt.rule
		assert.ErrorIsf(t, db.UpsertWorkingHours(ctx, &rule), models.ErrInvalidInput, "case %s", tt.name)
	}
}

func TestAppointmentEventIDRoundtrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.GetAppointment(ctx, 99)
	assert.ErrorIs(t, err, models.ErrNotFound)

	appt := &models.Appointment{
		ProfessionalID:  1,
		Date:            "2025-03-10",
		Time:            "10:00",
		DurationMinutes: 50,
		Status:          models.AppointmentStatusConfirmed,
	}
	assert.NoError(t, db.CreateAppointment(ctx, appt))
	assert.NoError(t, db.SetAppointmentEventID(ctx, appt.ID, "ev-1"))

	got, err := db.GetAppointment(ctx, appt.ID)
	assert.NoError(t, err)
	assert.Equal(t, "ev-1", got.CalendarEventID)
}

func TestSyncRunLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	run := &models.SyncRun{
		ID:             "run-1",
		ProfessionalID: 1,
		Trigger:        "webhook",
		StartedAt:      time.Now(),
	}
	assert.NoError(t, db.CreateSyncRun(ctx, run))
	assert.NoError(t, db.FinishSyncRun(ctx, "run-1", models.SyncRunStatusSuccess, 3, ""))

	runs, err := db.ListSyncRuns(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	assert.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Equal(t, models.SyncRunStatusSuccess, runs[0].Status)
	assert.Equal(t, 3, runs[0].EventsProcessed)
	assert.NotNil(t, runs[0].FinishedAt)

	// A closed run is append-only; the second finish is a no-op.
	assert.NoError(t, db.FinishSyncRun(ctx, "run-1", models.SyncRunStatusFailed, 99, "late"))
	runs, _ = db.ListSyncRuns(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	assert.Equal(t, models.SyncRunStatusSuccess, runs[0].Status)
}

func TestOutboxLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	appt := &models.Appointment{
		ProfessionalID:  1,
		Date:            "2025-03-10",
		Time:            "10:00",
		DurationMinutes: 50,
		Status:          models.AppointmentStatusPending,
	}
	assert.NoError(t, db.CreateAppointment(ctx, appt))
	assert.NoError(t, db.EnqueueOutboxTask(ctx, models.OutboxTaskPushAppointment, appt.ID))

	tasks, err := db.ListPendingOutboxTasks(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, tasks, 1)
	assert.Equal(t, models.OutboxTaskPushAppointment, tasks[0].TaskType)

	// Failed attempt stays pending until the final one.
	assert.NoError(t, db.MarkOutboxAttempt(ctx, tasks[0].ID, 1, "boom", false))
	tasks, err = db.ListPendingOutboxTasks(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].Attempts)

	assert.NoError(t, db.MarkOutboxDone(ctx, tasks[0].ID))
	tasks, err = db.ListPendingOutboxTasks(ctx, 10)
	assert.NoError(t, err)
	assert.Empty(t, tasks)
}
