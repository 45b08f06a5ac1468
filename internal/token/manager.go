// Package token owns the OAuth token lifecycle for calendar credentials:
// auth-code exchange, refresh with a safety margin, live-access probes and
// disconnect.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"

	"vitalsync/internal/google"
	"vitalsync/internal/models"
)

// RefreshMargin is how close to expiry a token is still treated as expired,
// so a token cannot lapse mid-request.
const RefreshMargin = 60 * time.Second

// CredentialStore is the slice of storage the manager mutates.
type CredentialStore interface {
	UpsertCredential(ctx context.Context, c *models.Credential) error
	UpdateTokens(ctx context.Context, userID int64, accessToken string, expiresAt time.Time) error
	MarkNeedsReauth(ctx context.Context, userID int64) error
	ClearCredential(ctx context.Context, userID int64) error
}

// Gateway is the calendar surface the manager needs: a cheap read to probe
// access, and channel cancellation on disconnect.
type Gateway interface {
	ListCalendars(ctx context.Context, accessToken string) ([]google.Calendar, error)
	StopWatching(ctx context.Context, accessToken, channelID, resourceID string) error
}

// Manager drives the OAuth lifecycle against Google's token endpoint.
type Manager struct {
	oauth   *oauth2.Config
	store   CredentialStore
	gateway Gateway
	log     *zerolog.Logger
}

// NewManager builds a manager for the given OAuth client.
func NewManager(clientID, clientSecret, redirectURL string, store CredentialStore, gateway Gateway, log *zerolog.Logger) *Manager {
	return &Manager{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes: []string{
				"https://www.googleapis.com/auth/calendar.readonly",
				"https://www.googleapis.com/auth/calendar.events",
			},
			Endpoint: googleoauth.Endpoint,
		},
		store:   store,
		gateway: gateway,
		log:     log,
	}
}

// AuthCodeURL returns the consent-screen URL for the given opaque state.
// offline access is required or Google will not issue a refresh token.
func (m *Manager) AuthCodeURL(state string) string {
	return m.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an auth code for tokens and persists the credential.
// oauth2.Token.Expiry is already an absolute instant computed from the
// provider's relative expires_in, so it is stored as-is.
func (m *Manager) Exchange(ctx context.Context, userID int64, code string) (*models.Credential, error) {
	tok, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange auth code: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("provider returned no refresh token")
	}

	cred := &models.Credential{
		UserID:               userID,
		AccessToken:          tok.AccessToken,
		RefreshToken:         tok.RefreshToken,
		AccessTokenExpiresAt: tok.Expiry,
		Connected:            true,
		SelectedCalendarIDs:  []string{"primary"},
	}
	if err := m.store.UpsertCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("persist credential: %w", err)
	}
	return cred, nil
}

// GetValidAccessToken returns an access token guaranteed to outlive the
// refresh margin, refreshing and persisting if needed. A rejected refresh
// token flags the credential for re-authorization and surfaces
// ErrRefreshFailed; Connected is deliberately left set so the UI can
// prompt reconnection.
func (m *Manager) GetValidAccessToken(ctx context.Context, cred *models.Credential) (string, error) {
	if cred == nil || !cred.Connected || cred.RefreshToken == "" {
		return "", models.ErrNotConnected
	}

	if time.Until(cred.AccessTokenExpiresAt) > RefreshMargin {
		return cred.AccessToken, nil
	}

	src := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		m.log.Warn().Err(err).Int64("user_id", cred.UserID).Msg("token refresh rejected")
		if markErr := m.store.MarkNeedsReauth(ctx, cred.UserID); markErr != nil {
			m.log.Error().Err(markErr).Int64("user_id", cred.UserID).Msg("failed to flag credential for reauth")
		}
		return "", fmt.Errorf("%w: %v", models.ErrRefreshFailed, err)
	}

	// tok.Expiry is absolute (now + expires_in, computed by oauth2).
	if err := m.store.UpdateTokens(ctx, cred.UserID, tok.AccessToken, tok.Expiry); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}
	cred.AccessToken = tok.AccessToken
	cred.AccessTokenExpiresAt = tok.Expiry

	m.log.Debug().Int64("user_id", cred.UserID).Time("expires_at", tok.Expiry).Msg("access token refreshed")
	return tok.AccessToken, nil
}

// VerifyLiveAccess makes a cheap read call to confirm the token actually
// grants access. Tokens can be structurally valid yet revoked out-of-band.
func (m *Manager) VerifyLiveAccess(ctx context.Context, cred *models.Credential) bool {
	access, err := m.GetValidAccessToken(ctx, cred)
	if err != nil {
		return false
	}
	_, err = m.gateway.ListCalendars(ctx, access)
	return err == nil
}

// Disconnect cancels the webhook channel (best effort; the provider
// expires orphaned channels on its own) and clears all token and channel
// fields atomically.
func (m *Manager) Disconnect(ctx context.Context, cred *models.Credential) error {
	if cred == nil {
		return models.ErrNotConnected
	}

	if cred.WebhookChannelID != "" && cred.WebhookResourceID != "" {
		access, err := m.GetValidAccessToken(ctx, cred)
		if err == nil {
			if err := m.gateway.StopWatching(ctx, access, cred.WebhookChannelID, cred.WebhookResourceID); err != nil {
				m.log.Warn().Err(err).Int64("user_id", cred.UserID).Msg("webhook channel cancellation failed")
			}
		} else {
			m.log.Warn().Err(err).Int64("user_id", cred.UserID).Msg("skipping channel cancellation, no valid token")
		}
	}

	if err := m.store.ClearCredential(ctx, cred.UserID); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	m.log.Info().Int64("user_id", cred.UserID).Msg("calendar disconnected")
	return nil
}
