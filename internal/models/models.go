package models

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds surfaced by the engine. Background sync recovers from the
// first three locally; the rest are returned to interactive callers.
var (
	ErrNotConnected       = errors.New("calendar not connected")
	ErrRefreshFailed      = errors.New("token refresh failed")
	ErrGatewayUnavailable = errors.New("calendar gateway unavailable")
	ErrInvalidBlock       = errors.New("invalid availability block")
	ErrInvalidInput       = errors.New("invalid input")
	ErrSlotUnavailable    = errors.New("slot unavailable")
	ErrChannelExpired     = errors.New("webhook channel expired")
	ErrNotFound           = errors.New("not found")
)

// Credential holds a professional's Google Calendar connection state.
// One row per user; token and channel fields are cleared on disconnect.
type Credential struct {
	UserID               int64      `json:"user_id"`
	AccessToken          string     `json:"-"`
	RefreshToken         string     `json:"-"`
	AccessTokenExpiresAt time.Time  `json:"access_token_expires_at"`
	Connected            bool       `json:"connected"`
	NeedsReauth          bool       `json:"needs_reauth"`
	WebhookChannelID     string     `json:"webhook_channel_id,omitempty"`
	WebhookResourceID    string     `json:"webhook_resource_id,omitempty"`
	ChannelExpiresAt     time.Time  `json:"channel_expires_at,omitempty"`
	SelectedCalendarIDs  []string   `json:"selected_calendar_ids"`
	SyncToken            string     `json:"-"`
	LastSyncedAt         *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// WorkingHoursRule is the recurring weekly availability template for a
// professional. DaysOfWeek uses ISO numbering, Monday=1 .. Sunday=7.
// ToleranceMinutes is nil when not configured; an explicit 0 is a valid
// zero-grace setting and is honored as such.
type WorkingHoursRule struct {
	ProfessionalID         int64     `json:"professional_id"`
	DaysOfWeek             []int     `json:"days_of_week"`
	StartTime              string    `json:"start_time"` // "09:00"
	EndTime                string    `json:"end_time"`   // "17:00"
	SessionDurationMinutes int       `json:"session_duration_minutes"`
	BreakMinutes           int       `json:"break_minutes"`
	ToleranceMinutes       *int      `json:"tolerance_minutes,omitempty"` // no-show grace, 0-60
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Block types.
const (
	BlockTypeFullDay   = "full_day"
	BlockTypeTimeRange = "time_range"
)

// AvailabilityBlock marks a professional as unavailable for an interval,
// overriding working hours. External blocks mirror Google Calendar events
// and are deduplicated on (professional, event id, date, start, end).
type AvailabilityBlock struct {
	ID                  int64     `json:"id"`
	ProfessionalID      int64     `json:"professional_id"`
	BlockType           string    `json:"block_type"` // full_day | time_range
	StartDate           string    `json:"start_date"` // "2025-03-10"
	EndDate             string    `json:"end_date"`
	StartTime           string    `json:"start_time,omitempty"` // "13:00", empty for full_day
	EndTime             string    `json:"end_time,omitempty"`
	IsRecurring         bool      `json:"is_recurring"`
	IsExternalEvent     bool      `json:"is_external_event"`
	ExternalEventSource string    `json:"external_event_source,omitempty"`
	ExternalEventID     string    `json:"external_event_id,omitempty"`
	Title               string    `json:"title"`
	CreatedAt           time.Time `json:"created_at"`
}

// Validate rejects structurally broken blocks at write time.
func (b *AvailabilityBlock) Validate() error {
	if b.ProfessionalID <= 0 {
		return fmt.Errorf("%w: professional_id is required", ErrInvalidBlock)
	}
	if b.BlockType != BlockTypeFullDay && b.BlockType != BlockTypeTimeRange {
		return fmt.Errorf("%w: unknown block_type %q", ErrInvalidBlock, b.BlockType)
	}
	start, err := time.Parse("2006-01-02", b.StartDate)
	if err != nil {
		return fmt.Errorf("%w: invalid start_date", ErrInvalidBlock)
	}
	end, err := time.Parse("2006-01-02", b.EndDate)
	if err != nil {
		return fmt.Errorf("%w: invalid end_date", ErrInvalidBlock)
	}
	if start.After(end) {
		return fmt.Errorf("%w: start_date after end_date", ErrInvalidBlock)
	}
	if b.BlockType == BlockTypeTimeRange {
		if b.StartTime == "" || b.EndTime == "" {
			return fmt.Errorf("%w: time_range block requires start_time and end_time", ErrInvalidBlock)
		}
	}
	return nil
}

// IsZeroLength reports whether a time_range block covers no time at all.
// Such blocks are accepted but treated as no-ops by the resolver.
func (b *AvailabilityBlock) IsZeroLength() bool {
	return b.BlockType == BlockTypeTimeRange && b.StartTime == b.EndTime
}

// DedupKey identifies an externally sourced block for duplicate collapsing.
// Full-day blocks have no times; the placeholder keeps the key total.
func (b *AvailabilityBlock) DedupKey() string {
	start, end := b.StartTime, b.EndTime
	if start == "" {
		start = BlockTypeFullDay
	}
	if end == "" {
		end = BlockTypeFullDay
	}
	return fmt.Sprintf("%s|%s|%s|%s", b.ExternalEventID, b.StartDate, start, end)
}

// Appointment statuses.
const (
	AppointmentStatusPending   = "pending"
	AppointmentStatusConfirmed = "confirmed"
	AppointmentStatusCancelled = "cancelled"
	AppointmentStatusCompleted = "completed"
)

// Appointment is the slice of the marketplace appointment the engine needs
// for overlap checks and calendar mirroring. CalendarEventID is set once
// the outbox push lands, so a later cancellation can remove the event.
type Appointment struct {
	ID              int64     `json:"id"`
	ProfessionalID  int64     `json:"professional_id"`
	Date            string    `json:"date"` // "2025-03-10"
	Time            string    `json:"time"` // "10:40"
	DurationMinutes int       `json:"duration_minutes"`
	Status          string    `json:"status"`
	CalendarEventID string    `json:"calendar_event_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// IsActive reports whether the appointment still occupies its slot.
func (a *Appointment) IsActive() bool {
	return a.Status == AppointmentStatusPending || a.Status == AppointmentStatusConfirmed
}

// Sync run statuses.
const (
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
)

// SyncRun is one append-only audit record per orchestrator invocation.
// Never mutated after FinishedAt is set.
type SyncRun struct {
	ID              string     `json:"id"`
	ProfessionalID  int64      `json:"professional_id,omitempty"` // 0 for global cron runs
	Trigger         string     `json:"trigger"`                   // webhook | cron | manual
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Status          string     `json:"status"`
	EventsProcessed int        `json:"events_processed"`
	ErrorDetail     string     `json:"error_detail,omitempty"`
}

// Outbox task statuses and types for the appointment → calendar push.
const (
	OutboxStatusPending = "pending"
	OutboxStatusDone    = "done"
	OutboxStatusFailed  = "failed"

	OutboxTaskPushAppointment   = "push_appointment"
	OutboxTaskCancelAppointment = "cancel_appointment"
)

// OutboxTask is a persisted hand-off for one-way calendar pushes, so
// failures are observable and retryable instead of silently dropped.
type OutboxTask struct {
	ID            int64      `json:"id"`
	TaskType      string     `json:"task_type"`
	AppointmentID int64      `json:"appointment_id"`
	Attempts      int        `json:"attempts"`
	Status        string     `json:"status"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

// BookableInterval is a single offerable slot produced by the resolver.
// ToleranceMinutes is metadata for the no-show lifecycle, not a reduction
// of the bookable time.
type BookableInterval struct {
	Date             string `json:"date"`
	Start            string `json:"start"`
	End              string `json:"end"`
	ToleranceMinutes int    `json:"tolerance_minutes"`
}
