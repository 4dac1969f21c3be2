package models

import (
	"strings"

	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"gorm.io/gorm"
)

// IssueStakeholder is one email holding one role on one issue.
type IssueStakeholder struct {
	ID      int             `gorm:"primaryKey" json:"id"`
	IssueID string          `gorm:"type:char(36);not null;uniqueIndex:idx_issue_role_email,priority:1" json:"issueId"`
	Role    StakeholderRole `gorm:"size:30;not null;uniqueIndex:idx_issue_role_email,priority:2" json:"role"`
	Email   string          `gorm:"size:255;not null;index;uniqueIndex:idx_issue_role_email,priority:3" json:"email"`
}

// replaceStakeholders rewrites the given roles for an issue; roles missing from the map are untouched.
func replaceStakeholders(tx *gorm.DB, issueID string, roles map[StakeholderRole]*EmailList) error {
	var rows []IssueStakeholder
	for role, list := range roles {
		if err := tx.Where("issue_id = ? AND role = ?", issueID, role).Delete(&IssueStakeholder{}).Error; err != nil {
			return err
		}
		if list == nil {
			continue
		}
		for _, email := range utils.SplitEmails(strings.Join(*list, ",")) {
			rows = append(rows, IssueStakeholder{IssueID: issueID, Role: role, Email: email})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return tx.Create(&rows).Error
}
