package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"vitalsync/internal/metrics"
	"vitalsync/internal/models"
)

// respondDomainError maps the sentinel error kinds to status codes and
// reports whether it handled the error.
func respondDomainError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, models.ErrInvalidInput), errors.Is(err, models.ErrInvalidBlock):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot unavailable")
	default:
		return false
	}
	return true
}

// handleAvailability resolves bookable slots for a date range, served
// through the read cache when one is configured.
// GET /api/availability?professional_id&start_date&end_date
func (s *HTTPServer) handleAvailability(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("availability")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	professionalID, err := strconv.ParseInt(q.Get("professional_id"), 10, 64)
	if err != nil || professionalID <= 0 {
		writeError(w, http.StatusBadRequest, "professional_id is required")
		return
	}
	startDate := q.Get("start_date")
	endDate := q.Get("end_date")
	if startDate == "" || endDate == "" {
		writeError(w, http.StatusBadRequest, "start_date and end_date are required")
		return
	}

	if slots, ok := s.cache.Get(r.Context(), professionalID, startDate, endDate); ok {
		writeJSON(w, http.StatusOK, map[string]any{"slots": slots, "cached": true})
		return
	}

	slots, err := s.resolver.Resolve(r.Context(), professionalID, startDate, endDate)
	if err != nil {
		if respondDomainError(w, err) {
			return
		}
		s.log.Error().Err(err).Int64("professional_id", professionalID).Msg("availability resolve failed")
		writeError(w, http.StatusInternalServerError, "failed to resolve availability")
		return
	}
	if slots == nil {
		slots = []models.BookableInterval{}
	}

	s.cache.Set(r.Context(), professionalID, startDate, endDate, slots)
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots, "cached": false})
}

// handleBlocks creates an internal availability block.
// POST /api/blocks
func (s *HTTPServer) handleBlocks(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("blocks_create")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var block models.AvailabilityBlock
	if err := json.NewDecoder(r.Body).Decode(&block); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// The API never writes mirrored events; those only arrive through sync.
	block.IsExternalEvent = false
	block.ExternalEventSource = ""
	block.ExternalEventID = ""

	if err := block.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.db.CreateBlock(r.Context(), &block); err != nil {
		s.log.Error().Err(err).Int64("professional_id", block.ProfessionalID).Msg("create block failed")
		writeError(w, http.StatusInternalServerError, "failed to create block")
		return
	}

	s.cache.Invalidate(r.Context(), block.ProfessionalID)
	writeJSON(w, http.StatusCreated, block)
}

// handleDeleteBlock removes a block the professional owns.
// DELETE /api/blocks/{id}?professional_id=
func (s *HTTPServer) handleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("blocks_delete")
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	blockID, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/blocks/"), 10, 64)
	if err != nil || blockID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid block id")
		return
	}
	professionalID, err := strconv.ParseInt(r.URL.Query().Get("professional_id"), 10, 64)
	if err != nil || professionalID <= 0 {
		writeError(w, http.StatusBadRequest, "professional_id is required")
		return
	}

	deleted, err := s.db.DeleteBlock(r.Context(), professionalID, blockID)
	if err != nil {
		s.log.Error().Err(err).Int64("block_id", blockID).Msg("delete block failed")
		writeError(w, http.StatusInternalServerError, "failed to delete block")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "block not found")
		return
	}

	s.cache.Invalidate(r.Context(), professionalID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleWorkingHours reads or replaces the weekly rule.
// GET /api/working-hours?professional_id= | PUT /api/working-hours
func (s *HTTPServer) handleWorkingHours(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("working_hours")
	switch r.Method {
	case http.MethodGet:
		professionalID, err := strconv.ParseInt(r.URL.Query().Get("professional_id"), 10, 64)
		if err != nil || professionalID <= 0 {
			writeError(w, http.StatusBadRequest, "professional_id is required")
			return
		}
		rule, err := s.db.GetWorkingHours(r.Context(), professionalID)
		if err != nil {
			s.log.Error().Err(err).Int64("professional_id", professionalID).Msg("load working hours failed")
			writeError(w, http.StatusInternalServerError, "failed to load working hours")
			return
		}
		if rule == nil {
			writeError(w, http.StatusNotFound, "working hours not configured")
			return
		}
		writeJSON(w, http.StatusOK, rule)

	case http.MethodPut, http.MethodPost:
		var rule models.WorkingHoursRule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if rule.ProfessionalID <= 0 {
			writeError(w, http.StatusBadRequest, "professional_id is required")
			return
		}
		if err := s.db.UpsertWorkingHours(r.Context(), &rule); err != nil {
			if respondDomainError(w, err) {
				return
			}
			s.log.Error().Err(err).Int64("professional_id", rule.ProfessionalID).Msg("upsert working hours failed")
			writeError(w, http.StatusInternalServerError, "failed to save working hours")
			return
		}
		s.cache.Invalidate(r.Context(), rule.ProfessionalID)
		writeJSON(w, http.StatusOK, rule)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleCreateAppointment books a slot through the conflict guard.
// POST /api/appointments
func (s *HTTPServer) handleCreateAppointment(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("appointments_create")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		ProfessionalID  int64  `json:"professional_id"`
		Date            string `json:"date"`
		Time            string `json:"time"`
		DurationMinutes int    `json:"duration_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProfessionalID <= 0 || req.Date == "" || req.Time == "" {
		writeError(w, http.StatusBadRequest, "professional_id, date and time are required")
		return
	}

	appt, err := s.guard.Reserve(r.Context(), req.ProfessionalID, req.Date, req.Time, req.DurationMinutes)
	if err != nil {
		if respondDomainError(w, err) {
			return
		}
		s.log.Error().Err(err).Int64("professional_id", req.ProfessionalID).Msg("reservation failed")
		writeError(w, http.StatusInternalServerError, "failed to create appointment")
		return
	}

	writeJSON(w, http.StatusCreated, appt)
}

// handleCancelAppointment cancels an appointment the professional owns and
// queues removal of its mirrored calendar event.
// DELETE /api/appointments/{id}?professional_id=
func (s *HTTPServer) handleCancelAppointment(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("appointments_cancel")
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	apptID, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/appointments/"), 10, 64)
	if err != nil || apptID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid appointment id")
		return
	}
	professionalID, err := strconv.ParseInt(r.URL.Query().Get("professional_id"), 10, 64)
	if err != nil || professionalID <= 0 {
		writeError(w, http.StatusBadRequest, "professional_id is required")
		return
	}

	if err := s.guard.Cancel(r.Context(), professionalID, apptID); err != nil {
		if respondDomainError(w, err) {
			return
		}
		s.log.Error().Err(err).Int64("appointment_id", apptID).Msg("cancellation failed")
		writeError(w, http.StatusInternalServerError, "failed to cancel appointment")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
