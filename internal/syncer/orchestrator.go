// Package syncer reacts to webhook pings and cron ticks, pulls event
// deltas from the calendar gateway and reconciles them into availability
// blocks. Every invocation is a short-lived unit of work; all shared state
// lives in the store, and repeated deliveries converge on the same upsert
// key.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vitalsync/internal/cache"
	"vitalsync/internal/google"
	"vitalsync/internal/metrics"
	"vitalsync/internal/models"
)

// Store is the storage surface the orchestrator needs.
type Store interface {
	GetCredential(ctx context.Context, userID int64) (*models.Credential, error)
	GetCredentialByChannel(ctx context.Context, channelID, resourceID string) (*models.Credential, error)
	ListConnectedCredentials(ctx context.Context) ([]models.Credential, error)
	ListExpiringChannels(ctx context.Context, deadline time.Time) ([]models.Credential, error)
	UpdateChannel(ctx context.Context, userID int64, channelID, resourceID string, expiresAt time.Time) error
	UpdateSyncState(ctx context.Context, userID int64, syncToken string, syncedAt time.Time) error
	UpsertExternalBlock(ctx context.Context, b *models.AvailabilityBlock) error
	DeleteExternalBlocksByEventID(ctx context.Context, professionalID int64, eventID string) (int64, error)
	CreateSyncRun(ctx context.Context, run *models.SyncRun) error
	FinishSyncRun(ctx context.Context, id, status string, eventsProcessed int, errorDetail string) error
}

// TokenProvider supplies live access tokens.
type TokenProvider interface {
	GetValidAccessToken(ctx context.Context, cred *models.Credential) (string, error)
}

// Gateway is the calendar surface the orchestrator calls.
type Gateway interface {
	GetEventsDelta(ctx context.Context, accessToken, calendarID, syncToken string) (*google.EventsDelta, error)
	WatchCalendar(ctx context.Context, accessToken, calendarID string) (*google.Channel, error)
}

// ExternalEventSource labels blocks mirrored from Google Calendar.
const ExternalEventSource = "google_calendar"

// Orchestrator drives webhook- and cron-triggered synchronization.
type Orchestrator struct {
	store   Store
	tokens  TokenProvider
	gateway Gateway
	cache   *cache.Cache
	log     *zerolog.Logger
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(store Store, tokens TokenProvider, gateway Gateway, c *cache.Cache, log *zerolog.Logger) *Orchestrator {
	return &Orchestrator{store: store, tokens: tokens, gateway: gateway, cache: c, log: log}
}

// SyncByChannel handles a webhook ping identified by channel and resource.
// Pings for a channel no row claims come from a stale or rotated
// subscription and surface as ErrChannelExpired.
func (o *Orchestrator) SyncByChannel(ctx context.Context, channelID, resourceID string) error {
	cred, err := o.store.GetCredentialByChannel(ctx, channelID, resourceID)
	if err != nil {
		if errors.Is(err, models.ErrNotConnected) {
			return fmt.Errorf("%w: channel %s no longer tracked", models.ErrChannelExpired, channelID)
		}
		return fmt.Errorf("lookup channel %s: %w", channelID, err)
	}
	return o.SyncProfessional(ctx, cred, "webhook")
}

// SyncAllPending runs the cron safety net over every connected credential.
// Failures are per-professional; one broken credential never stops the
// sweep.
func (o *Orchestrator) SyncAllPending(ctx context.Context) error {
	creds, err := o.store.ListConnectedCredentials(ctx)
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}

	for i := range creds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.SyncProfessional(ctx, &creds[i], "cron"); err != nil {
			o.log.Warn().Err(err).Int64("user_id", creds[i].UserID).Msg("cron sync failed")
		}
	}
	return nil
}

// SyncProfessional fetches deltas and reconciles them into blocks. Each
// event is processed independently; per-event failures are accumulated
// into the sync run, a total gateway outage marks the run failed and is
// retried on the next natural trigger.
func (o *Orchestrator) SyncProfessional(ctx context.Context, cred *models.Credential, trigger string) error {
	run := &models.SyncRun{
		ID:             uuid.New().String(),
		ProfessionalID: cred.UserID,
		Trigger:        trigger,
		StartedAt:      time.Now(),
	}
	if err := o.store.CreateSyncRun(ctx, run); err != nil {
		return fmt.Errorf("open sync run: %w", err)
	}

	processed, errDetail, err := o.syncCalendars(ctx, cred)
	if err != nil {
		o.finishRun(ctx, run.ID, models.SyncRunStatusFailed, processed, err.Error())
		return err
	}

	status := models.SyncRunStatusSuccess
	if errDetail != "" {
		// Partial failures still count as a completed run; the detail
		// names every event that did not land.
		o.log.Warn().Str("run_id", run.ID).Str("detail", errDetail).Msg("sync completed with event errors")
	}
	o.finishRun(ctx, run.ID, status, processed, errDetail)

	if processed > 0 {
		o.cache.Invalidate(ctx, cred.UserID)
	}

	o.log.Info().
		Str("run_id", run.ID).
		Str("trigger", trigger).
		Int64("user_id", cred.UserID).
		Int("events", processed).
		Msg("sync run finished")
	return nil
}

func (o *Orchestrator) finishRun(ctx context.Context, id, status string, processed int, detail string) {
	metrics.IncSyncRun(status)
	metrics.AddEventsProcessed(processed)
	if err := o.store.FinishSyncRun(ctx, id, status, processed, detail); err != nil {
		o.log.Error().Err(err).Str("run_id", id).Msg("failed to close sync run")
	}
}

func (o *Orchestrator) syncCalendars(ctx context.Context, cred *models.Credential) (int, string, error) {
	access, err := o.tokens.GetValidAccessToken(ctx, cred)
	if err != nil {
		return 0, "", err
	}

	calendars := cred.SelectedCalendarIDs
	if len(calendars) == 0 {
		calendars = []string{"primary"}
	}

	processed := 0
	var eventErrs []string
	newSyncToken := cred.SyncToken

	for i, calID := range calendars {
		// The stored sync token belongs to the primary calendar;
		// additional calendars get windowed scans each run.
		syncToken := ""
		if i == 0 {
			syncToken = cred.SyncToken
		}

		delta, err := o.gateway.GetEventsDelta(ctx, access, calID, syncToken)
		if errors.Is(err, google.ErrSyncTokenExpired) {
			o.log.Info().Int64("user_id", cred.UserID).Str("calendar", calID).Msg("sync token expired, full rescan")
			delta, err = o.gateway.GetEventsDelta(ctx, access, calID, "")
		}
		if err != nil {
			if google.IsUnavailable(err) {
				return processed, "", fmt.Errorf("%w: %v", models.ErrGatewayUnavailable, err)
			}
			return processed, "", fmt.Errorf("events delta for %s: %w", calID, err)
		}

		for _, ev := range delta.Events {
			if err := o.applyEvent(ctx, cred.UserID, ev); err != nil {
				eventErrs = append(eventErrs, fmt.Sprintf("%s: %v", ev.ID, err))
				continue
			}
			processed++
		}

		if i == 0 && delta.NextSyncToken != "" {
			newSyncToken = delta.NextSyncToken
		}
	}

	if err := o.store.UpdateSyncState(ctx, cred.UserID, newSyncToken, time.Now()); err != nil {
		return processed, strings.Join(eventErrs, "; "), fmt.Errorf("update sync state: %w", err)
	}
	return processed, strings.Join(eventErrs, "; "), nil
}

// applyEvent reconciles one external event: cancelled events delete their
// mirrored blocks, everything else is upserted on the dedup key.
func (o *Orchestrator) applyEvent(ctx context.Context, professionalID int64, ev google.Event) error {
	if ev.Cancelled {
		n, err := o.store.DeleteExternalBlocksByEventID(ctx, professionalID, ev.ID)
		if err != nil {
			return fmt.Errorf("delete cancelled event: %w", err)
		}
		if n > 0 {
			o.log.Debug().Str("event_id", ev.ID).Int64("removed", n).Msg("cancelled event blocks removed")
		}
		return nil
	}

	block, ok := eventToBlock(professionalID, ev)
	if !ok {
		return nil
	}
	return o.store.UpsertExternalBlock(ctx, block)
}

// eventToBlock translates a calendar event into a block. All-day events
// become full_day blocks; Google's all-day end date is exclusive and is
// pulled back one day. Events without usable times are skipped.
func eventToBlock(professionalID int64, ev google.Event) (*models.AvailabilityBlock, bool) {
	if ev.Start.IsZero() || ev.End.IsZero() {
		return nil, false
	}

	b := &models.AvailabilityBlock{
		ProfessionalID:      professionalID,
		IsExternalEvent:     true,
		ExternalEventSource: ExternalEventSource,
		ExternalEventID:     ev.ID,
		Title:               ev.Summary,
	}

	if ev.AllDay {
		end := ev.End.AddDate(0, 0, -1)
		if end.Before(ev.Start) {
			end = ev.Start
		}
		b.BlockType = models.BlockTypeFullDay
		b.StartDate = ev.Start.Format("2006-01-02")
		b.EndDate = end.Format("2006-01-02")
		return b, true
	}

	b.BlockType = models.BlockTypeTimeRange
	b.StartDate = ev.Start.Format("2006-01-02")
	b.EndDate = ev.End.Format("2006-01-02")
	b.StartTime = ev.Start.Format("15:04")
	b.EndTime = ev.End.Format("15:04")
	return b, true
}

// RenewChannels re-watches calendars whose webhook channel expires inside
// the window, persisting the replacement channel identity. Push channels
// live about a week; without renewal the webhook path silently dies and
// only the cron sweep keeps data fresh.
func (o *Orchestrator) RenewChannels(ctx context.Context, window time.Duration) (int, error) {
	creds, err := o.store.ListExpiringChannels(ctx, time.Now().Add(window))
	if err != nil {
		return 0, fmt.Errorf("list expiring channels: %w", err)
	}

	renewed := 0
	for i := range creds {
		cred := &creds[i]
		access, err := o.tokens.GetValidAccessToken(ctx, cred)
		if err != nil {
			o.log.Warn().Err(err).Int64("user_id", cred.UserID).Msg("channel renewal skipped, no token")
			continue
		}

		calID := "primary"
		if len(cred.SelectedCalendarIDs) > 0 {
			calID = cred.SelectedCalendarIDs[0]
		}

		ch, err := o.gateway.WatchCalendar(ctx, access, calID)
		if err != nil {
			o.log.Warn().Err(err).Int64("user_id", cred.UserID).Msg("watch calendar failed")
			continue
		}
		if err := o.store.UpdateChannel(ctx, cred.UserID, ch.ChannelID, ch.ResourceID, ch.Expiration); err != nil {
			o.log.Error().Err(err).Int64("user_id", cred.UserID).Msg("persist renewed channel failed")
			continue
		}
		renewed++
		o.log.Info().
			Int64("user_id", cred.UserID).
			Str("channel_id", ch.ChannelID).
			Time("expires_at", ch.Expiration).
			Msg("webhook channel renewed")
	}
	return renewed, nil
}
