package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"vitalsync/internal/audit"
	"vitalsync/internal/metrics"
)

// handleDedupeBlocks runs the duplicate-block cleanup for one professional.
// POST /admin/dedupe-blocks {"professional_id": N}
func (s *HTTPServer) handleDedupeBlocks(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_dedupe")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		ProfessionalID int64 `json:"professional_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProfessionalID <= 0 {
		writeError(w, http.StatusBadRequest, "professional_id is required")
		return
	}

	result, err := s.deduper.Dedupe(r.Context(), req.ProfessionalID)
	if err != nil {
		s.log.Error().Err(err).Int64("professional_id", req.ProfessionalID).Msg("dedupe failed")
		writeError(w, http.StatusInternalServerError, "dedupe failed")
		return
	}

	total, err := s.db.CountBlocks(r.Context(), req.ProfessionalID)
	if err != nil {
		s.log.Error().Err(err).Int64("professional_id", req.ProfessionalID).Msg("count blocks failed")
		writeError(w, http.StatusInternalServerError, "dedupe failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"duplicates_removed": result.Removed,
		"blocks_scanned":     result.Scanned,
		"total_blocks":       total,
	})
}

// handleExportSyncRuns streams the sync-run trail as an .xlsx report.
// Defaults to the last 7 days.
// GET /admin/sync-runs/export?from=2006-01-02&to=2006-01-02
func (s *HTTPServer) handleExportSyncRuns(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_export_runs")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -7)
	to := now
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from date")
			return
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to date")
			return
		}
		// Inclusive end of day.
		to = parsed.AddDate(0, 0, 1)
	}

	runs, err := s.db.ListSyncRuns(r.Context(), from, to)
	if err != nil {
		s.log.Error().Err(err).Msg("list sync runs failed")
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	filename := fmt.Sprintf("sync_runs_%s.xlsx", now.Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := audit.WriteSyncRunReport(w, runs); err != nil {
		s.log.Error().Err(err).Msg("write sync run report failed")
	}
}
