package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"vitalsync/internal/models"
)

// GetCredential returns the calendar credential for a user.
// Returns ErrNotConnected when no row exists.
func (db *DB) GetCredential(ctx context.Context, userID int64) (*models.Credential, error) {
	row := db.QueryRowContext(ctx, `
		SELECT user_id, access_token, refresh_token, access_token_expires_at,
		       connected, needs_reauth, webhook_channel_id, webhook_resource_id,
		       channel_expires_at, selected_calendar_ids, sync_token,
		       last_synced_at, created_at, updated_at
		FROM credentials
		WHERE user_id = ?`,
		userID,
	)
	return scanCredential(row)
}

// GetCredentialByChannel looks up a credential by webhook channel identity.
func (db *DB) GetCredentialByChannel(ctx context.Context, channelID, resourceID string) (*models.Credential, error) {
	row := db.QueryRowContext(ctx, `
		SELECT user_id, access_token, refresh_token, access_token_expires_at,
		       connected, needs_reauth, webhook_channel_id, webhook_resource_id,
		       channel_expires_at, selected_calendar_ids, sync_token,
		       last_synced_at, created_at, updated_at
		FROM credentials
		WHERE webhook_channel_id = ? AND webhook_resource_id = ?`,
		channelID, resourceID,
	)
	return scanCredential(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var c models.Credential
	var expiresAt, channelExpires, lastSynced sql.NullTime
	var calendarIDs string
	err := row.Scan(
		&c.UserID, &c.AccessToken, &c.RefreshToken, &expiresAt,
		&c.Connected, &c.NeedsReauth, &c.WebhookChannelID, &c.WebhookResourceID,
		&channelExpires, &calendarIDs, &c.SyncToken,
		&lastSynced, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	if expiresAt.Valid {
		c.AccessTokenExpiresAt = expiresAt.Time
	}
	if channelExpires.Valid {
		c.ChannelExpiresAt = channelExpires.Time
	}
	if lastSynced.Valid {
		c.LastSyncedAt = &lastSynced.Time
	}
	if calendarIDs != "" {
		c.SelectedCalendarIDs = strings.Split(calendarIDs, ",")
	}
	return &c, nil
}

// UpsertCredential stores a fresh connection after the OAuth callback.
func (db *DB) UpsertCredential(ctx context.Context, c *models.Credential) error {
	now := time.Now()
	_, err := db.ExecContext(ctx, `
		INSERT INTO credentials (
			user_id, access_token, refresh_token, access_token_expires_at,
			connected, needs_reauth, selected_calendar_ids, created_at, updated_at
		) VALUES (?, ?, ?, ?, 1, 0, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			access_token_expires_at = excluded.access_token_expires_at,
			connected = 1,
			needs_reauth = 0,
			selected_calendar_ids = excluded.selected_calendar_ids,
			updated_at = excluded.updated_at`,
		c.UserID, c.AccessToken, c.RefreshToken, c.AccessTokenExpiresAt,
		strings.Join(c.SelectedCalendarIDs, ","), now, now,
	)
	return err
}

// UpdateTokens persists a refreshed access token with its absolute expiry.
func (db *DB) UpdateTokens(ctx context.Context, userID int64, accessToken string, expiresAt time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE credentials
		SET access_token = ?, access_token_expires_at = ?, needs_reauth = 0, updated_at = ?
		WHERE user_id = ?`,
		accessToken, expiresAt, time.Now(), userID,
	)
	return err
}

// MarkNeedsReauth flags a credential whose refresh token was rejected.
// Connected stays set so the UI can prompt reconnection.
func (db *DB) MarkNeedsReauth(ctx context.Context, userID int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE credentials SET needs_reauth = 1, updated_at = ? WHERE user_id = ?`,
		time.Now(), userID,
	)
	return err
}

// UpdateChannel persists a newly registered webhook channel.
func (db *DB) UpdateChannel(ctx context.Context, userID int64, channelID, resourceID string, expiresAt time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE credentials
		SET webhook_channel_id = ?, webhook_resource_id = ?, channel_expires_at = ?, updated_at = ?
		WHERE user_id = ?`,
		channelID, resourceID, expiresAt, time.Now(), userID,
	)
	return err
}

// UpdateSyncState records the provider sync token and sync timestamp.
func (db *DB) UpdateSyncState(ctx context.Context, userID int64, syncToken string, syncedAt time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE credentials
		SET sync_token = ?, last_synced_at = ?, updated_at = ?
		WHERE user_id = ?`,
		syncToken, syncedAt, time.Now(), userID,
	)
	return err
}

// ClearCredential wipes all token and channel fields atomically on
// disconnect. The webhook channel must already be cancelled upstream.
func (db *DB) ClearCredential(ctx context.Context, userID int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE credentials
		SET access_token = '', refresh_token = '', access_token_expires_at = NULL,
		    connected = 0, needs_reauth = 0,
		    webhook_channel_id = '', webhook_resource_id = '', channel_expires_at = NULL,
		    selected_calendar_ids = '', sync_token = '', last_synced_at = NULL,
		    updated_at = ?
		WHERE user_id = ?`,
		time.Now(), userID,
	)
	return err
}

// ListConnectedCredentials returns all connected, non-reauth credentials
// for the cron sweep.
func (db *DB) ListConnectedCredentials(ctx context.Context) ([]models.Credential, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, access_token, refresh_token, access_token_expires_at,
		       connected, needs_reauth, webhook_channel_id, webhook_resource_id,
		       channel_expires_at, selected_calendar_ids, sync_token,
		       last_synced_at, created_at, updated_at
		FROM credentials
		WHERE connected = 1 AND needs_reauth = 0
		ORDER BY user_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, *c)
	}
	return creds, rows.Err()
}

// ListExpiringChannels returns connected credentials whose webhook channel
// expires before the deadline, including those with no channel at all.
func (db *DB) ListExpiringChannels(ctx context.Context, deadline time.Time) ([]models.Credential, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, access_token, refresh_token, access_token_expires_at,
		       connected, needs_reauth, webhook_channel_id, webhook_resource_id,
		       channel_expires_at, selected_calendar_ids, sync_token,
		       last_synced_at, created_at, updated_at
		FROM credentials
		WHERE connected = 1 AND needs_reauth = 0
		  AND (channel_expires_at IS NULL OR channel_expires_at < ?)
		ORDER BY user_id`,
		deadline,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, *c)
	}
	return creds, rows.Err()
}
