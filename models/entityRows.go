package models

import (
	"context"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"github.com/xuri/excelize/v2"
)

// EntityRow is a per-entity view of an issue. All fields other than the entity come from the parent.
type EntityRow struct {
	RowKey string      `json:"rowKey"`
	Entity string      `json:"entity"`
	Issue  *AuditIssue `json:"issue"`
}

// ExpandEntityRows splits a multi-entity issue into lettered rows: serial 12 with "A; B" gives 12a and 12b.
// A single entity, or none, keeps the plain serial.
func ExpandEntityRows(issue *AuditIssue) []EntityRow {
	serial := strconv.Itoa(issue.SerialNumber)
	entities := utils.SplitEntities(issue.EntityCovered)
	if len(entities) <= 1 {
		return []EntityRow{{RowKey: serial, Entity: strings.TrimSpace(issue.EntityCovered), Issue: issue}}
	}
	rows := make([]EntityRow, 0, len(entities))
	for i, entity := range entities {
		suffix, _ := excelize.ColumnNumberToName(i + 1)
		rows = append(rows, EntityRow{
			RowKey: serial + strings.ToLower(suffix),
			Entity: entity,
			Issue:  issue,
		})
	}
	return rows
}

func GetIssueEntityRows(ctx context.Context, issueID string) ([]EntityRow, error) {
	issue, err := GetAuditIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	return ExpandEntityRows(issue), nil
}
