package api

import (
	"context"
	"net/http"

	"vitalsync/internal/metrics"
)

// handleCalendarWebhook receives Google push notifications. The response
// is always 200 and sent before any real work: slow receivers get their
// channels suspended, so the delta fetch runs detached and reports its
// outcome through the sync-run trail, never through this response.
// POST /calendar/webhook
func (s *HTTPServer) handleCalendarWebhook(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("calendar_webhook")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	channelID := r.Header.Get("X-Goog-Channel-ID")
	resourceID := r.Header.Get("X-Goog-Resource-ID")
	state := r.Header.Get("X-Goog-Resource-State")
	metrics.IncWebhookPing(state)

	w.WriteHeader(http.StatusOK)

	if channelID == "" || resourceID == "" || state != "sync" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SyncTimeout)
		defer cancel()
		if err := s.orchestrator.SyncByChannel(ctx, channelID, resourceID); err != nil {
			s.log.Warn().Err(err).
				Str("channel_id", channelID).
				Msg("webhook sync failed, next trigger will retry")
		}
	}()
}

// handleCronSyncPending runs the full sweep over connected credentials.
// Idempotent; safe to invoke repeatedly.
// GET /cron/sync-pending
func (s *HTTPServer) handleCronSyncPending(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("cron_sync_pending")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.orchestrator.SyncAllPending(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("cron sweep failed")
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCronRenewChannels re-watches calendars with expiring channels.
// GET /cron/renew-channels
func (s *HTTPServer) handleCronRenewChannels(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("cron_renew_channels")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	renewed, err := s.orchestrator.RenewChannels(r.Context(), s.cfg.RenewalWindow)
	if err != nil {
		s.log.Error().Err(err).Msg("channel renewal failed")
		writeError(w, http.StatusInternalServerError, "renewal failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"renewed": renewed})
}
