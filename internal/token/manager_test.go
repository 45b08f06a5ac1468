package token

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"vitalsync/internal/google"
	"vitalsync/internal/models"
)

type fakeCredStore struct {
	upserted *models.Credential
	reauth   []int64
	cleared  []int64
}

func (f *fakeCredStore) UpsertCredential(ctx context.Context, c *models.Credential) error {
	f.upserted = c
	return nil
}

func (f *fakeCredStore) UpdateTokens(ctx context.Context, userID int64, accessToken string, expiresAt time.Time) error {
	return nil
}

func (f *fakeCredStore) MarkNeedsReauth(ctx context.Context, userID int64) error {
	f.reauth = append(f.reauth, userID)
	return nil
}

func (f *fakeCredStore) ClearCredential(ctx context.Context, userID int64) error {
	f.cleared = append(f.cleared, userID)
	return nil
}

type fakeTokenGateway struct {
	listErr error
	stopped []string
	stopErr error
}

func (f *fakeTokenGateway) ListCalendars(ctx context.Context, accessToken string) ([]google.Calendar, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []google.Calendar{{ID: "primary", Primary: true}}, nil
}

func (f *fakeTokenGateway) StopWatching(ctx context.Context, accessToken, channelID, resourceID string) error {
	f.stopped = append(f.stopped, channelID)
	return f.stopErr
}

func newTestManager(store *fakeCredStore, gw *fakeTokenGateway) *Manager {
	log := zerolog.New(io.Discard)
	return NewManager("client-id", "client-secret", "https://example.com/callback", store, gw, &log)
}

func TestAuthCodeURLRequestsOfflineAccess(t *testing.T) {
	m := newTestManager(&fakeCredStore{}, &fakeTokenGateway{})
	u := m.AuthCodeURL("opaque-state")
	assert.True(t, strings.Contains(u, "access_type=offline"))
	assert.True(t, strings.Contains(u, "state=opaque-state"))
	assert.True(t, strings.Contains(u, "prompt=consent"))
}

func TestGetValidAccessTokenRequiresConnection(t *testing.T) {
	m := newTestManager(&fakeCredStore{}, &fakeTokenGateway{})

	_, err := m.GetValidAccessToken(context.Background(), nil)
	assert.ErrorIs(t, err, models.ErrNotConnected)

	_, err = m.GetValidAccessToken(context.Background(), &models.Credential{UserID: 1, Connected: false})
	assert.ErrorIs(t, err, models.ErrNotConnected)

	// Connected but missing the refresh token is a broken state, not a
	// refreshable one.
	_, err = m.GetValidAccessToken(context.Background(), &models.Credential{UserID: 1, Connected: true})
	assert.ErrorIs(t, err, models.ErrNotConnected)
}

func TestGetValidAccessTokenReturnsCachedTokenOutsideMargin(t *testing.T) {
	m := newTestManager(&fakeCredStore{}, &fakeTokenGateway{})
	cred := &models.Credential{
		UserID:               1,
		Connected:            true,
		AccessToken:          "cached-token",
		RefreshToken:         "refresh",
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
	}

	access, err := m.GetValidAccessToken(context.Background(), cred)
	assert.NoError(t, err)
	assert.Equal(t, "cached-token", access)
}

func TestGetValidAccessTokenRefreshFailureFlagsReauth(t *testing.T) {
	store := &fakeCredStore{}
	m := newTestManager(store, &fakeTokenGateway{})
	cred := &models.Credential{
		UserID:               1,
		Connected:            true,
		AccessToken:          "expired-token",
		RefreshToken:         "bad-refresh",
		AccessTokenExpiresAt: time.Now().Add(-time.Second),
	}

	// The refresh call hits an unreachable endpoint and fails; the
	// credential must be flagged and the sentinel surfaced.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.GetValidAccessToken(ctx, cred)
	assert.ErrorIs(t, err, models.ErrRefreshFailed)
	assert.Equal(t, []int64{1}, store.reauth)
}

func TestVerifyLiveAccess(t *testing.T) {
	gw := &fakeTokenGateway{}
	m := newTestManager(&fakeCredStore{}, gw)
	cred := &models.Credential{
		UserID:               1,
		Connected:            true,
		AccessToken:          "cached-token",
		RefreshToken:         "refresh",
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
	}

	assert.True(t, m.VerifyLiveAccess(context.Background(), cred))

	gw.listErr = errors.New("googleapi: Error 401: invalid credentials")
	assert.False(t, m.VerifyLiveAccess(context.Background(), cred))
}

func TestDisconnectStopsChannelAndClearsCredential(t *testing.T) {
	store := &fakeCredStore{}
	gw := &fakeTokenGateway{}
	m := newTestManager(store, gw)
	cred := &models.Credential{
		UserID:               1,
		Connected:            true,
		AccessToken:          "cached-token",
		RefreshToken:         "refresh",
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
		WebhookChannelID:     "ch-1",
		WebhookResourceID:    "res-1",
	}

	assert.NoError(t, m.Disconnect(context.Background(), cred))
	assert.Equal(t, []string{"ch-1"}, gw.stopped)
	assert.Equal(t, []int64{1}, store.cleared)
}

func TestDisconnectClearsEvenWhenChannelStopFails(t *testing.T) {
	store := &fakeCredStore{}
	gw := &fakeTokenGateway{stopErr: errors.New("channel not found")}
	m := newTestManager(store, gw)
	cred := &models.Credential{
		UserID:               1,
		Connected:            true,
		AccessToken:          "cached-token",
		RefreshToken:         "refresh",
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
		WebhookChannelID:     "ch-1",
		WebhookResourceID:    "res-1",
	}

	assert.NoError(t, m.Disconnect(context.Background(), cred))
	assert.Equal(t, []int64{1}, store.cleared)
}
