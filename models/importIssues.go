package models

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"bitbucket.org/mmdatafocus/audit_tracker/metrics"
	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

// Fixed import column positions. Column 0 holds the source serial number and is ignored.
const (
	colFiscalYear = iota + 1
	colDate
	colProcess
	colEntityCovered
	colObservation
	colRiskLevel
	colRisk
	colRecommendation
	colManagementComment
	colActionRequired
	colPersonResponsible
	colApprover
	colCxoResponsible
	colCoOwner
	colTimeline
	colCurrentStatus
	colStartMonth
	colEndMonth
)

type ImportFailure struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

type ImportResult struct {
	TotalRows    int             `json:"totalRows"`
	SuccessCount int             `json:"successCount"`
	FailureCount int             `json:"failureCount"`
	Failures     []ImportFailure `json:"failures,omitempty"`
}

// ParseSpreadsheet reads every row of a CSV or XLSX upload, header included.
func ParseSpreadsheet(fileName string, r io.Reader) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv":
		reader := csv.NewReader(r)
		reader.FieldsPerRecord = -1
		reader.LazyQuotes = true
		reader.TrimLeadingSpace = true
		rows, err := reader.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", utils.ErrorUnsupportedFile, err)
		}
		return rows, nil
	case ".xlsx", ".xlsm":
		f, err := excelize.OpenReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", utils.ErrorUnsupportedFile, err)
		}
		defer f.Close()
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, utils.ErrorEmptySpreadsheet
		}
		rows, err := f.GetRows(sheets[0])
		if err != nil {
			return nil, fmt.Errorf("unable to read sheet: %w", err)
		}
		return rows, nil
	}
	return nil, fmt.Errorf("%w: %s", utils.ErrorUnsupportedFile, fileName)
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func cell(row []string, i int) string {
	if i < len(row) {
		return strings.TrimSpace(row[i])
	}
	return ""
}

// parseImportDate accepts the text layouts of ParseMyDate and raw Excel serial numbers.
func parseImportDate(raw string) (*MyDate, error) {
	if raw == "" {
		return nil, nil
	}
	if serial, err := strconv.ParseFloat(raw, 64); err == nil {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q", raw)
		}
		d := NewMyDate(t)
		return &d, nil
	}
	d, err := ParseMyDate(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// MapImportRow converts one data row into a create input using the fixed column layout.
func MapImportRow(row []string) (*NewAuditIssue, error) {
	date, err := parseImportDate(cell(row, colDate))
	if err != nil {
		return nil, fmt.Errorf("date: %w", err)
	}
	timeline, err := parseImportDate(cell(row, colTimeline))
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	return &NewAuditIssue{
		FiscalYear:        cell(row, colFiscalYear),
		Date:              date,
		Process:           cell(row, colProcess),
		EntityCovered:     cell(row, colEntityCovered),
		Observation:       cell(row, colObservation),
		RiskLevel:         string(NormalizeRiskLevel(cell(row, colRiskLevel))),
		Risk:              cell(row, colRisk),
		Recommendation:    cell(row, colRecommendation),
		ManagementComment: cell(row, colManagementComment),
		ActionRequired:    cell(row, colActionRequired),
		PersonResponsible: utils.SplitEmails(cell(row, colPersonResponsible)),
		Approver:          utils.SplitEmails(cell(row, colApprover)),
		CxoResponsible:    utils.SplitEmails(cell(row, colCxoResponsible)),
		CoOwner:           utils.SplitEmails(cell(row, colCoOwner)),
		Timeline:          timeline,
		CurrentStatus:     string(NormalizeCurrentStatus(cell(row, colCurrentStatus))),
		StartMonth:        cell(row, colStartMonth),
		EndMonth:          cell(row, colEndMonth),
	}, nil
}

// ImportAuditIssues inserts each non-blank data row as a new issue.
// A failing row is counted and logged; it never aborts the batch.
func ImportAuditIssues(ctx context.Context, rows [][]string) (*ImportResult, error) {
	ctx, span := tracer.Start(ctx, "ImportAuditIssues")
	defer span.End()
	if len(rows) < 2 {
		return nil, utils.ErrorEmptySpreadsheet
	}
	logger := config.GetLogger()
	db := config.GetDB()
	result := &ImportResult{}

	for i, row := range rows[1:] {
		if isBlankRow(row) {
			continue
		}
		rowNo := i + 2
		result.TotalRows++

		input, err := MapImportRow(row)
		if err == nil {
			_, err = createAuditIssue(ctx, db, input)
		}
		if err != nil {
			result.FailureCount++
			metrics.ImportRowsTotal.WithLabelValues("failure").Inc()
			result.Failures = append(result.Failures, ImportFailure{Row: rowNo, Error: err.Error()})
			logger.WithFields(logrus.Fields{
				"field": "ImportAuditIssues",
				"row":   rowNo,
			}).Warn("import row failed: " + err.Error())
			continue
		}
		result.SuccessCount++
		metrics.ImportRowsTotal.WithLabelValues("success").Inc()
	}

	if result.TotalRows == 0 {
		return nil, utils.ErrorEmptySpreadsheet
	}
	if result.SuccessCount > 0 {
		invalidateReportCache(time.Now())
	}
	logger.WithFields(logrus.Fields{
		"total":   result.TotalRows,
		"success": result.SuccessCount,
		"failure": result.FailureCount,
	}).Info("[import] audit issues imported")
	return result, nil
}
