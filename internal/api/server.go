// Package api exposes the engine over HTTP: the calendar webhook, cron
// endpoints, OAuth connect/callback, block and appointment writes, the
// availability query and the admin surface.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"vitalsync/internal/availability"
	"vitalsync/internal/booking"
	"vitalsync/internal/cache"
	"vitalsync/internal/database"
	"vitalsync/internal/syncer"
	"vitalsync/internal/token"
)

// Config holds the handler-level settings.
type Config struct {
	CronSecret      string
	AdminKey        string
	SuccessRedirect string
	ErrorRedirect   string
	StateTTL        time.Duration
	RenewalWindow   time.Duration
	// SyncTimeout bounds detached webhook-triggered work.
	SyncTimeout time.Duration
}

// HTTPServer carries the handler dependencies.
type HTTPServer struct {
	db           *database.DB
	resolver     *availability.Resolver
	guard        *booking.Guard
	orchestrator *syncer.Orchestrator
	deduper      *syncer.Deduper
	tokens       *token.Manager
	cache        *cache.Cache
	cfg          Config
	log          *zerolog.Logger
}

// NewHTTPServer wires the HTTP surface.
func NewHTTPServer(
	db *database.DB,
	resolver *availability.Resolver,
	guard *booking.Guard,
	orchestrator *syncer.Orchestrator,
	deduper *syncer.Deduper,
	tokens *token.Manager,
	c *cache.Cache,
	cfg Config,
	log *zerolog.Logger,
) *HTTPServer {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 2 * time.Minute
	}
	return &HTTPServer{
		db:           db,
		resolver:     resolver,
		guard:        guard,
		orchestrator: orchestrator,
		deduper:      deduper,
		tokens:       tokens,
		cache:        c,
		cfg:          cfg,
		log:          log,
	}
}

// Routes builds the mux.
func (s *HTTPServer) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/calendar/webhook", s.handleCalendarWebhook)
	mux.HandleFunc("/calendar/connect", s.handleConnect)
	mux.HandleFunc("/calendar/callback", s.handleCallback)
	mux.HandleFunc("/calendar/disconnect", s.handleDisconnect)

	mux.HandleFunc("/cron/sync-pending", s.requireCronSecret(s.handleCronSyncPending))
	mux.HandleFunc("/cron/renew-channels", s.requireCronSecret(s.handleCronRenewChannels))

	mux.HandleFunc("/api/availability", s.handleAvailability)
	mux.HandleFunc("/api/blocks", s.handleBlocks)
	mux.HandleFunc("/api/blocks/", s.handleDeleteBlock)
	mux.HandleFunc("/api/working-hours", s.handleWorkingHours)
	mux.HandleFunc("/api/appointments", s.handleCreateAppointment)
	mux.HandleFunc("/api/appointments/", s.handleCancelAppointment)

	mux.HandleFunc("/admin/dedupe-blocks", s.requireAdminKey(s.handleDedupeBlocks))
	mux.HandleFunc("/admin/sync-runs/export", s.requireAdminKey(s.handleExportSyncRuns))

	return mux
}

// Start runs the server until ctx is cancelled.
func (s *HTTPServer) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()

	s.log.Info().Int("port", port).Msg("API server started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) requireCronSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !bearerMatches(r, s.cfg.CronSecret) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *HTTPServer) requireAdminKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-admin-key")
		if s.cfg.AdminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func bearerMatches(r *http.Request, secret string) bool {
	if secret == "" {
		return false
	}
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(secret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
