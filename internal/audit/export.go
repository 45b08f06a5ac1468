// Package audit renders the sync-run trail as an Excel report for admins.
package audit

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"vitalsync/internal/models"
)

var reportColumns = []string{
	"Run ID", "Professional", "Trigger", "Started", "Finished",
	"Status", "Events", "Error Detail",
}

// WriteSyncRunReport writes runs as a single-sheet .xlsx to w.
func WriteSyncRunReport(w io.Writer, runs []models.SyncRun) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Sync Runs"
	f.SetSheetName("Sheet1", sheet)

	for i, col := range reportColumns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, col); err != nil {
			return err
		}
	}

	// Bold header row.
	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		startCell, _ := excelize.CoordinatesToCellName(1, 1)
		endCell, _ := excelize.CoordinatesToCellName(len(reportColumns), 1)
		_ = f.SetCellStyle(sheet, startCell, endCell, style)
	}

	for rowIdx, run := range runs {
		finished := ""
		if run.FinishedAt != nil {
			finished = run.FinishedAt.Format("2006-01-02 15:04:05")
		}
		values := []interface{}{
			run.ID,
			run.ProfessionalID,
			run.Trigger,
			run.StartedAt.Format("2006-01-02 15:04:05"),
			finished,
			run.Status,
			run.EventsProcessed,
			run.ErrorDetail,
		}
		for colIdx, val := range values {
			cell, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, val); err != nil {
				return fmt.Errorf("write report row %d: %w", rowIdx+2, err)
			}
		}
	}

	return f.Write(w)
}
