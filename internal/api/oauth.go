package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"vitalsync/internal/metrics"
)

// statePayload rides through the OAuth round-trip. The timestamp bounds
// replay; the nonce keeps states unique.
type statePayload struct {
	UserID    int64  `json:"user_id"`
	Timestamp int64  `json:"ts"`
	Nonce     string `json:"nonce"`
}

func encodeState(userID int64) string {
	data, _ := json.Marshal(statePayload{
		UserID:    userID,
		Timestamp: time.Now().Unix(),
		Nonce:     uuid.New().String(),
	})
	return base64.URLEncoding.EncodeToString(data)
}

func decodeState(raw string, maxAge time.Duration) (*statePayload, error) {
	data, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed state")
	}
	var p statePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed state")
	}
	if p.UserID <= 0 {
		return nil, fmt.Errorf("malformed state")
	}
	if time.Since(time.Unix(p.Timestamp, 0)) > maxAge {
		return nil, fmt.Errorf("state expired")
	}
	return &p, nil
}

// handleConnect redirects the user to the Google consent screen.
// GET /calendar/connect?user_id=
func (s *HTTPServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("calendar_connect")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	http.Redirect(w, r, s.tokens.AuthCodeURL(encodeState(userID)), http.StatusFound)
}

// handleCallback finishes the OAuth flow. Failures redirect to the error
// page with a human-readable reason; provider internals never reach the
// end user.
// GET /calendar/callback?code&state
func (s *HTTPServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("calendar_callback")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if errCode := r.URL.Query().Get("error"); errCode != "" {
		s.log.Warn().Str("error", errCode).Msg("consent screen rejected")
		s.redirectError(w, r, "calendar access was not granted")
		return
	}

	state, err := decodeState(r.URL.Query().Get("state"), s.cfg.StateTTL)
	if err != nil {
		s.log.Warn().Err(err).Msg("oauth state rejected")
		s.redirectError(w, r, "the connection link expired, please try again")
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		s.redirectError(w, r, "the connection attempt was incomplete, please try again")
		return
	}

	cred, err := s.tokens.Exchange(r.Context(), state.UserID, code)
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", state.UserID).Msg("oauth exchange failed")
		s.redirectError(w, r, "connecting your calendar failed, please try again")
		return
	}

	// Register the push channel and do the first sync off the request
	// path; the new credential has no channel yet so the renewal pass
	// picks it up.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SyncTimeout)
		defer cancel()
		if _, err := s.orchestrator.RenewChannels(ctx, s.cfg.RenewalWindow); err != nil {
			s.log.Warn().Err(err).Int64("user_id", cred.UserID).Msg("initial channel registration failed")
		}
		if err := s.orchestrator.SyncProfessional(ctx, cred, "manual"); err != nil {
			s.log.Warn().Err(err).Int64("user_id", cred.UserID).Msg("initial sync failed")
		}
	}()

	http.Redirect(w, r, s.cfg.SuccessRedirect, http.StatusFound)
}

func (s *HTTPServer) redirectError(w http.ResponseWriter, r *http.Request, reason string) {
	http.Redirect(w, r, s.cfg.ErrorRedirect+"?reason="+url.QueryEscape(reason), http.StatusFound)
}

// handleDisconnect tears down the calendar connection.
// POST /calendar/disconnect {"user_id": N}
func (s *HTTPServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("calendar_disconnect")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	cred, err := s.db.GetCredential(r.Context(), req.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "calendar not connected")
		return
	}
	if err := s.tokens.Disconnect(r.Context(), cred); err != nil {
		s.log.Error().Err(err).Int64("user_id", req.UserID).Msg("disconnect failed")
		writeError(w, http.StatusInternalServerError, "disconnect failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}
