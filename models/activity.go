package models

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"gorm.io/gorm"
)

// IssueActivity is one entry in an issue's feed: a review, an evidence submission, a comment or a status change.
type IssueActivity struct {
	ID             int             `gorm:"primaryKey" json:"id"`
	IssueID        string          `gorm:"type:char(36);index:idx_activity_issue_created,priority:1;not null" json:"issueId"`
	Kind           ActivityKind    `gorm:"size:20;not null" json:"kind"`
	Author         string          `gorm:"size:255" json:"author"`
	Body           string          `gorm:"type:text" json:"body"`
	EvidenceStatus *EvidenceStatus `gorm:"size:30" json:"evidenceStatus,omitempty"`
	CreatedAt      time.Time       `gorm:"index:idx_activity_issue_created,priority:2" json:"createdAt"`
}

type NewComment struct {
	Body   string `json:"body" validate:"required"`
	Author string `json:"author" validate:"omitempty,max=255"`
}

func recordActivity(tx *gorm.DB, activity *IssueActivity) error {
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}
	if activity.Author == "" {
		activity.Author = "System"
	}
	return tx.Create(activity).Error
}

// GetIssueActivities returns the feed newest first.
func GetIssueActivities(ctx context.Context, issueID string) ([]*IssueActivity, error) {
	db := config.GetDB().WithContext(ctx)
	if err := issueExists(db, issueID); err != nil {
		return nil, err
	}
	var results []*IssueActivity
	err := db.Where("issue_id = ?", issueID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&results).Error
	return results, err
}

func CreateComment(ctx context.Context, issueID string, input *NewComment) (*IssueActivity, error) {
	input.Body = strings.TrimSpace(input.Body)
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	author := strings.TrimSpace(input.Author)
	if author == "" {
		author = utils.ActorFromContext(ctx)
	}
	activity := &IssueActivity{
		IssueID: issueID,
		Kind:    ActivityKindComment,
		Author:  author,
		Body:    input.Body,
	}
	err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := issueExists(tx, issueID); err != nil {
			return err
		}
		return recordActivity(tx, activity)
	})
	if err != nil {
		return nil, err
	}
	return activity, nil
}
