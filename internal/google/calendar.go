// Package google wraps the Google Calendar v3 API behind the small surface
// the sync engine needs. The client never stores credentials; every call
// takes the access token of the moment, refreshed by the caller.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ErrSyncTokenExpired means the provider invalidated the stored sync token
// and a full re-scan is required.
var ErrSyncTokenExpired = errors.New("sync token expired")

// Calendar is one calendar on the user's account.
type Calendar struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Primary  bool   `json:"primary"`
	ReadOnly bool   `json:"read_only"`
}

// Event is a normalized calendar event. Cancelled events arrive from delta
// queries with only ID and Status populated.
type Event struct {
	ID         string
	CalendarID string
	Summary    string
	Start      time.Time
	End        time.Time
	AllDay     bool
	Cancelled  bool
	Updated    time.Time
}

// EventsDelta is the result of an incremental events fetch.
type EventsDelta struct {
	Events        []Event
	NextSyncToken string
}

// Channel identifies a push-notification subscription.
type Channel struct {
	ChannelID  string
	ResourceID string
	Expiration time.Time
}

// Client is a thin gateway over the Calendar API. A shared rate limiter
// keeps the service inside Google's per-project quota.
type Client struct {
	webhookURL string
	timeout    time.Duration
	limiter    *rate.Limiter

	// newService is swappable in tests.
	newService func(ctx context.Context, accessToken string) (*calendar.Service, error)
}

// NewClient constructs a gateway. ratePerSec bounds outbound API calls.
func NewClient(webhookURL string, timeout time.Duration, ratePerSec int) *Client {
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	return &Client{
		webhookURL: webhookURL,
		timeout:    timeout,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		newService: newCalendarService,
	}
}

func newCalendarService(ctx context.Context, accessToken string) (*calendar.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := calendar.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return svc, nil
}

// ListCalendars returns the calendars visible to the token.
func (c *Client) ListCalendars(ctx context.Context, accessToken string) ([]Calendar, error) {
	var out []Calendar
	err := c.call(ctx, accessToken, func(svc *calendar.Service) error {
		list, err := svc.CalendarList.List().Context(ctx).Do()
		if err != nil {
			return err
		}
		for _, item := range list.Items {
			out = append(out, Calendar{
				ID:       item.Id,
				Name:     item.Summary,
				Primary:  item.Primary,
				ReadOnly: item.AccessRole == "reader" || item.AccessRole == "freeBusyReader",
			})
		}
		return nil
	})
	return out, err
}

// GetEventsDelta fetches events changed since syncToken. An empty token
// performs a bounded full scan and establishes a fresh token.
func (c *Client) GetEventsDelta(ctx context.Context, accessToken, calendarID, syncToken string) (*EventsDelta, error) {
	delta := &EventsDelta{}
	err := c.call(ctx, accessToken, func(svc *calendar.Service) error {
		pageToken := ""
		for {
			call := svc.Events.List(calendarID).
				Context(ctx).
				SingleEvents(true).
				ShowDeleted(true).
				MaxResults(250)
			if syncToken != "" {
				call = call.SyncToken(syncToken)
			} else {
				call = call.TimeMin(time.Now().AddDate(0, 0, -1).Format(time.RFC3339)).
					TimeMax(time.Now().AddDate(0, 6, 0).Format(time.RFC3339))
			}
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}

			page, err := call.Do()
			if err != nil {
				var apiErr *googleapi.Error
				if errors.As(err, &apiErr) && apiErr.Code == http.StatusGone {
					return ErrSyncTokenExpired
				}
				return err
			}

			for _, item := range page.Items {
				delta.Events = append(delta.Events, toEvent(calendarID, item))
			}
			if page.NextPageToken == "" {
				delta.NextSyncToken = page.NextSyncToken
				return nil
			}
			pageToken = page.NextPageToken
		}
	})
	if err != nil {
		return nil, err
	}
	return delta, nil
}

func toEvent(calendarID string, item *calendar.Event) Event {
	ev := Event{
		ID:         item.Id,
		CalendarID: calendarID,
		Summary:    item.Summary,
		Cancelled:  item.Status == "cancelled",
	}
	if item.Updated != "" {
		ev.Updated, _ = time.Parse(time.RFC3339, item.Updated)
	}
	if item.Start != nil {
		if item.Start.Date != "" {
			ev.AllDay = true
			ev.Start, _ = time.Parse("2006-01-02", item.Start.Date)
		} else {
			ev.Start, _ = time.Parse(time.RFC3339, item.Start.DateTime)
		}
	}
	if item.End != nil {
		if item.End.Date != "" {
			ev.End, _ = time.Parse("2006-01-02", item.End.Date)
		} else {
			ev.End, _ = time.Parse(time.RFC3339, item.End.DateTime)
		}
	}
	return ev
}

// WatchCalendar registers a push-notification channel for the calendar.
func (c *Client) WatchCalendar(ctx context.Context, accessToken, calendarID string) (*Channel, error) {
	var out *Channel
	err := c.call(ctx, accessToken, func(svc *calendar.Service) error {
		ch, err := svc.Events.Watch(calendarID, &calendar.Channel{
			Id:      uuid.New().String(),
			Type:    "web_hook",
			Address: c.webhookURL,
		}).Context(ctx).Do()
		if err != nil {
			return err
		}
		out = &Channel{
			ChannelID:  ch.Id,
			ResourceID: ch.ResourceId,
			Expiration: time.UnixMilli(ch.Expiration),
		}
		return nil
	})
	return out, err
}

// StopWatching cancels a push-notification channel.
func (c *Client) StopWatching(ctx context.Context, accessToken, channelID, resourceID string) error {
	return c.call(ctx, accessToken, func(svc *calendar.Service) error {
		return svc.Channels.Stop(&calendar.Channel{
			Id:         channelID,
			ResourceId: resourceID,
		}).Context(ctx).Do()
	})
}

// InsertEvent creates an event on the calendar and returns its id. Used by
// the outbox worker to mirror confirmed appointments.
func (c *Client) InsertEvent(ctx context.Context, accessToken, calendarID, summary string, start, end time.Time) (string, error) {
	var id string
	err := c.call(ctx, accessToken, func(svc *calendar.Service) error {
		created, err := svc.Events.Insert(calendarID, &calendar.Event{
			Summary: summary,
			Start:   &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)},
			End:     &calendar.EventDateTime{DateTime: end.Format(time.RFC3339)},
		}).Context(ctx).Do()
		if err != nil {
			return err
		}
		id = created.Id
		return nil
	})
	return id, err
}

// DeleteEvent removes an event from the calendar. An already deleted event
// is treated as success.
func (c *Client) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	err := c.call(ctx, accessToken, func(svc *calendar.Service) error {
		return svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	})
	if IsNotFound(err) {
		return nil
	}
	return err
}

// call runs fn against a fresh service with the configured timeout and a
// single retry on transient failure.
func (c *Client) call(ctx context.Context, accessToken string, fn func(*calendar.Service) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	svc, err := c.newService(callCtx, accessToken)
	if err != nil {
		return err
	}

	err = fn(svc)
	if err != nil && isTransient(err) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-callCtx.Done():
			return callCtx.Err()
		}
		err = fn(svc)
	}
	return err
}

func isTransient(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	return false
}

// IsNotFound reports whether the resource no longer exists upstream.
func IsNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone
	}
	return false
}

// IsAuthError reports whether the provider rejected the access token.
func IsAuthError(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden
	}
	return false
}

// IsUnavailable reports whether the provider looks down rather than the
// request being wrong.
func IsUnavailable(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500
	}
	// Network-level failures come back as plain errors.
	return err != nil && !errors.As(err, &apiErr) && !errors.Is(err, context.Canceled)
}
