package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"vitalsync/internal/google"
	"vitalsync/internal/models"
	"vitalsync/internal/syncer"
)

// unreachableStore fails every lookup; the handlers under test must not
// depend on sync work succeeding.
type unreachableStore struct{}

func (unreachableStore) GetCredential(ctx context.Context, userID int64) (*models.Credential, error) {
	return nil, models.ErrNotConnected
}

func (unreachableStore) GetCredentialByChannel(ctx context.Context, channelID, resourceID string) (*models.Credential, error) {
	return nil, models.ErrNotConnected
}

func (unreachableStore) ListConnectedCredentials(ctx context.Context) ([]models.Credential, error) {
	return nil, nil
}

func (unreachableStore) ListExpiringChannels(ctx context.Context, deadline time.Time) ([]models.Credential, error) {
	return nil, nil
}

func (unreachableStore) UpdateChannel(ctx context.Context, userID int64, channelID, resourceID string, expiresAt time.Time) error {
	return nil
}

func (unreachableStore) UpdateSyncState(ctx context.Context, userID int64, syncToken string, syncedAt time.Time) error {
	return nil
}

func (unreachableStore) UpsertExternalBlock(ctx context.Context, b *models.AvailabilityBlock) error {
	return nil
}

func (unreachableStore) DeleteExternalBlocksByEventID(ctx context.Context, professionalID int64, eventID string) (int64, error) {
	return 0, nil
}

func (unreachableStore) CreateSyncRun(ctx context.Context, run *models.SyncRun) error { return nil }

func (unreachableStore) FinishSyncRun(ctx context.Context, id, status string, eventsProcessed int, errorDetail string) error {
	return nil
}

type noTokens struct{}

func (noTokens) GetValidAccessToken(ctx context.Context, cred *models.Credential) (string, error) {
	return "", models.ErrNotConnected
}

type noGateway struct{}

func (noGateway) GetEventsDelta(ctx context.Context, accessToken, calendarID, syncToken string) (*google.EventsDelta, error) {
	return nil, models.ErrGatewayUnavailable
}

func (noGateway) WatchCalendar(ctx context.Context, accessToken, calendarID string) (*google.Channel, error) {
	return nil, models.ErrGatewayUnavailable
}

func newTestServer(t *testing.T) *HTTPServer {
	t.Helper()
	log := zerolog.New(io.Discard)
	orchestrator := syncer.NewOrchestrator(unreachableStore{}, noTokens{}, noGateway{}, nil, &log)
	return NewHTTPServer(nil, nil, nil, orchestrator, nil, nil, nil, Config{
		CronSecret:  "cron-secret",
		AdminKey:    "admin-key",
		StateTTL:    10 * time.Minute,
		SyncTimeout: time.Second,
	}, &log)
}

func TestWebhookAlwaysRespondsOK(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"no headers", nil},
		{"exists state ignored", map[string]string{
			"X-Goog-Channel-ID":     "ch-1",
			"X-Goog-Resource-ID":    "res-1",
			"X-Goog-Resource-State": "exists",
		}},
		{"sync state with unknown channel", map[string]string{
			"X-Goog-Channel-ID":     "ch-unknown",
			"X-Goog-Resource-ID":    "res-1",
			"X-Goog-Resource-State": "sync",
		}},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/calendar/webhook", nil)
		for k, v := range tt.headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		s.handleCalendarWebhook(rec, req)
		assert.Equalf(t, http.StatusOK, rec.Code, "case %s", tt.name)
	}
}

func TestWebhookRejectsNonPost(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/calendar/webhook", nil)
	rec := httptest.NewRecorder()
	s.handleCalendarWebhook(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCronEndpointsRequireBearerSecret(t *testing.T) {
	s := newTestServer(t)
	mux := s.Routes()

	req := httptest.NewRequest(http.MethodGet, "/cron/sync-pending", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/cron/sync-pending", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/cron/sync-pending", nil)
	req.Header.Set("Authorization", "Bearer cron-secret")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminEndpointsRequireKey(t *testing.T) {
	s := newTestServer(t)
	mux := s.Routes()

	req := httptest.NewRequest(http.MethodPost, "/admin/dedupe-blocks", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/admin/dedupe-blocks", nil)
	req.Header.Set("x-admin-key", "wrong")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOAuthStateRoundtrip(t *testing.T) {
	raw := encodeState(42)
	state, err := decodeState(raw, 10*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), state.UserID)
}

func TestOAuthStateExpiry(t *testing.T) {
	raw := encodeState(42)
	_, err := decodeState(raw, -time.Second)
	assert.Error(t, err)
}

func TestOAuthStateMalformed(t *testing.T) {
	_, err := decodeState("not-base64!!", 10*time.Minute)
	assert.Error(t, err)

	_, err = decodeState("", 10*time.Minute)
	assert.Error(t, err)
}
