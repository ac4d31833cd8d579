// Package report exports attempts as spreadsheets for reviewers.
package report

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-cat/internal/attempt"
)

// Sheet names in the exported workbook.
const (
	SummarySheet   = "Attempts"
	ResponsesSheet = "Responses"
)

var (
	summaryHeader = []any{
		"attempt_id", "subject_id", "item_pool_id", "status", "termination_reason",
		"items_administered", "theta", "standard_error", "score", "passed",
		"scale_version", "created_at", "started_at", "completed_at",
	}
	responsesHeader = []any{
		"attempt_id", "seq", "item_id", "category", "correct",
		"discrimination", "difficulty", "guessing", "item_version",
		"duration_ms", "answered_at",
	}
)

// WriteXLSX writes one summary row per attempt and one row per response.
func WriteXLSX(w io.Writer, attempts []*attempt.Attempt) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return fmt.Errorf("renaming sheet: %w", err)
	}
	if _, err := f.NewSheet(ResponsesSheet); err != nil {
		return fmt.Errorf("creating sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating header style: %w", err)
	}

	if err := writeRow(f, SummarySheet, 1, summaryHeader); err != nil {
		return err
	}
	if err := writeRow(f, ResponsesSheet, 1, responsesHeader); err != nil {
		return err
	}
	for _, sheet := range []string{SummarySheet, ResponsesSheet} {
		if err := f.SetRowStyle(sheet, 1, 1, bold); err != nil {
			return fmt.Errorf("styling %s header: %w", sheet, err)
		}
	}

	respRow := 2
	for i, a := range attempts {
		if err := writeRow(f, SummarySheet, i+2, summaryRow(a)); err != nil {
			return err
		}
		for seq, r := range a.Responses {
			row := []any{
				a.ID, seq + 1, r.ItemID, r.Category, r.Correct,
				r.Params.Discrimination, r.Params.Difficulty, r.Params.Guessing, r.ItemVersion,
				r.DurationMs, formatTime(&r.AnsweredAt),
			}
			if err := writeRow(f, ResponsesSheet, respRow, row); err != nil {
				return err
			}
			respRow++
		}
	}

	if err := f.SetColWidth(SummarySheet, "A", "C", 38); err != nil {
		return err
	}
	if err := f.SetColWidth(ResponsesSheet, "A", "A", 38); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func summaryRow(a *attempt.Attempt) []any {
	theta := a.CurrentEstimate.Theta
	se := finiteOrBlank(a.CurrentEstimate.StandardError)
	var score, passed, scaleVersion any = "", "", ""
	if a.Result != nil {
		theta = a.Result.Theta
		se = finiteOrBlank(a.Result.StandardError)
		score = a.Result.Score
		passed = a.Result.Passed
		scaleVersion = a.Result.ScaleVersion
	}
	return []any{
		a.ID, a.SubjectID, a.ItemPoolID, string(a.Status), string(a.TerminationReason),
		len(a.Responses), theta, se, score, passed,
		scaleVersion, formatTime(&a.CreatedAt), formatTime(a.StartedAt), formatTime(a.CompletedAt),
	}
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("writing %s row %d: %w", sheet, row, err)
	}
	return nil
}

// finiteOrBlank leaves cells empty for values a spreadsheet cannot hold.
func finiteOrBlank(v float64) any {
	if math.IsInf(v, 0) || math.IsNaN(v) || v < 0 {
		return ""
	}
	return v
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
