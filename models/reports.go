package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

type ReportType string

const (
	ReportTypeNext3   ReportType = "next3"
	ReportTypeNext6   ReportType = "next6"
	ReportTypeOverdue ReportType = "overdue"
)

const XlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func ParseReportType(raw string) (ReportType, error) {
	switch rt := ReportType(raw); rt {
	case ReportTypeNext3, ReportTypeNext6, ReportTypeOverdue:
		return rt, nil
	}
	return "", fmt.Errorf("%w: %q", utils.ErrorInvalidReportType, raw)
}

func (rt ReportType) SheetName() string {
	switch rt {
	case ReportTypeNext3:
		return "Next 3 Months"
	case ReportTypeNext6:
		return "Next 6 Months"
	default:
		return "Overdue"
	}
}

// ReportWindow returns the due-date bounds for a report. A nil bound is open.
// next3/next6 are [today, today+N months); overdue is (-inf, today).
func ReportWindow(rt ReportType, now time.Time) (from *MyDate, to *MyDate) {
	today := NewMyDate(now)
	switch rt {
	case ReportTypeNext3, ReportTypeNext6:
		months := 3
		if rt == ReportTypeNext6 {
			months = 6
		}
		end := NewMyDate(today.Time().AddDate(0, months, 0))
		return &today, &end
	default:
		return nil, &today
	}
}

// GetReportIssues loads issues whose timeline falls inside the report window, ordered by due date.
func GetReportIssues(ctx context.Context, rt ReportType, now time.Time) ([]*AuditIssue, error) {
	from, to := ReportWindow(rt, now)
	dbCtx := withIssueAssociations(config.GetDB().WithContext(ctx)).Where("timeline IS NOT NULL")
	if from != nil {
		dbCtx = dbCtx.Where("timeline >= ?", *from)
	}
	if to != nil {
		dbCtx = dbCtx.Where("timeline < ?", *to)
	}
	var results []*AuditIssue
	if err := dbCtx.Order("timeline ASC").Order("serial_number ASC").Find(&results).Error; err != nil {
		return nil, err
	}
	for _, issue := range results {
		issue.hydrate()
	}
	return results, nil
}

var reportHeaders = []interface{}{
	"Serial No", "Fiscal Year", "Process", "Entity Covered", "Observation", "Risk Level",
	"Recommendation", "Management Comment", "Person Responsible", "Approver", "CXO Responsible",
	"Due Date", "Current Status", "Evidence Status", "Review Comments",
}

func reportRow(issue *AuditIssue) []interface{} {
	dueDate := ""
	if issue.Timeline != nil {
		dueDate = issue.Timeline.String()
	}
	return []interface{}{
		issue.SerialNumber,
		issue.FiscalYear,
		issue.Process,
		issue.EntityCovered,
		issue.Observation,
		string(issue.RiskLevel),
		issue.Recommendation,
		issue.ManagementComment,
		issue.PersonResponsible.String(),
		issue.Approver.String(),
		issue.CxoResponsible.String(),
		dueDate,
		string(issue.CurrentStatus),
		string(utils.DereferencePtr(issue.EvidenceStatus, "")),
		issue.ReviewComments,
	}
}

// RenderReportWorkbook writes a single-sheet workbook: one header row then one row per issue.
func RenderReportWorkbook(rt ReportType, issues []*AuditIssue) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := rt.SheetName()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, err
	}
	if err := f.SetSheetRow(sheetName, "A1", &reportHeaders); err != nil {
		return nil, err
	}
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#D9E1F2"}, Pattern: 1},
	})
	if err != nil {
		return nil, err
	}
	lastCol, _ := excelize.ColumnNumberToName(len(reportHeaders))
	if err := f.SetCellStyle(sheetName, "A1", lastCol+"1", headerStyle); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(sheetName, "A", lastCol, 20); err != nil {
		return nil, err
	}

	for i, issue := range issues {
		cellName, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := reportRow(issue)
		if err := f.SetSheetRow(sheetName, cellName, &row); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func reportCacheKey(rt ReportType, now time.Time) string {
	return fmt.Sprintf("Report:%s:%s", rt, NewMyDate(now).String())
}

type Report struct {
	FileName string
	Data     []byte
}

func reportFileName(rt ReportType, now time.Time) string {
	return fmt.Sprintf("%s_report_%s.xlsx", rt, NewMyDate(now).String())
}

// BuildReport renders a report, serving from the redis cache when enabled.
// Cached entries are keyed by type and date so the window never goes stale across days.
func BuildReport(ctx context.Context, rt ReportType, now time.Time) (*Report, error) {
	ctx, span := tracer.Start(ctx, "BuildReport")
	defer span.End()
	logger := config.GetLogger()
	report := &Report{FileName: reportFileName(rt, now)}
	cacheKey := reportCacheKey(rt, now)

	if config.ReportCacheEnabled() {
		data, found, err := config.GetRedisBytes(cacheKey)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "BuildReport", "key": cacheKey}).Warn("report cache read failed: " + err.Error())
		} else if found {
			report.Data = data
			return report, nil
		}
	}

	issues, err := GetReportIssues(ctx, rt, now)
	if err != nil {
		return nil, err
	}
	data, err := RenderReportWorkbook(rt, issues)
	if err != nil {
		return nil, err
	}
	report.Data = data

	if config.ReportCacheEnabled() {
		if err := config.SetRedisBytes(cacheKey, data, config.ReportCacheTTL()); err != nil {
			logger.WithFields(logrus.Fields{"field": "BuildReport", "key": cacheKey}).Warn("report cache write failed: " + err.Error())
		}
	}
	return report, nil
}

// invalidateReportCache drops today's cached reports after a change to issue data.
func invalidateReportCache(now time.Time) {
	if !config.ReportCacheEnabled() {
		return
	}
	keys := make([]string, 0, 3)
	for _, rt := range []ReportType{ReportTypeNext3, ReportTypeNext6, ReportTypeOverdue} {
		keys = append(keys, reportCacheKey(rt, now))
	}
	if err := config.RemoveRedisKey(keys...); err != nil {
		config.GetLogger().WithFields(logrus.Fields{"field": "invalidateReportCache"}).Warn("report cache invalidation failed: " + err.Error())
	}
}
