package models

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"bitbucket.org/mmdatafocus/audit_tracker/notify"
	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	NotificationStatusPending    = "PENDING"
	NotificationStatusProcessing = "PROCESSING"
	NotificationStatusSent       = "SENT"
	NotificationStatusFailed     = "FAILED"
	NotificationStatusDead       = "DEAD"
)

const (
	NotificationKindEvidenceSubmitted = "evidence_submitted"
	NotificationKindEvidenceReviewed  = "evidence_reviewed"
)

// NotificationRecord is an outbox row: written with the mutation, delivered later by the dispatcher.
type NotificationRecord struct {
	ID                int        `gorm:"primaryKey;index:idx_notify_dispatch,priority:3" json:"id"`
	IssueID           string     `gorm:"type:char(36);index" json:"issueId"`
	Kind              string     `gorm:"size:40;not null" json:"kind"`
	Audience          string     `gorm:"size:40" json:"audience"`
	Recipients        string     `gorm:"type:text;not null" json:"recipients"`
	Subject           string     `gorm:"size:255;not null" json:"subject"`
	HTMLBody          string     `gorm:"type:mediumtext" json:"-"`
	Status            string     `gorm:"size:20;not null;default:'PENDING';index:idx_notify_dispatch,priority:1" json:"status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	Attempts          int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt     *time.Time `gorm:"index:idx_notify_dispatch,priority:2" json:"nextAttemptAt"`
	LockedAt          *time.Time `gorm:"index" json:"lockedAt"`
	LockedBy          *string    `gorm:"size:100" json:"lockedBy"`
	LastError         *string    `gorm:"type:text" json:"lastError"`
	SentAt            *time.Time `json:"sentAt"`
	ProviderMessageId *string    `gorm:"size:255" json:"providerMessageId"`
	CorrelationId     string     `gorm:"size:64;index" json:"correlationId"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// Message converts the stored row back into a deliverable message.
func (r NotificationRecord) Message() notify.Message {
	return notify.Message{
		To:      strings.Split(r.Recipients, ","),
		Subject: r.Subject,
		HTML:    r.HTMLBody,
	}
}

func (i *AuditIssue) summary() notify.IssueSummary {
	s := notify.IssueSummary{
		ID:            i.ID,
		SerialNumber:  i.SerialNumber,
		Process:       i.Process,
		EntityCovered: i.EntityCovered,
		Observation:   i.Observation,
	}
	if i.Timeline != nil {
		s.Timeline = i.Timeline.String()
	}
	if base := config.AppBaseURL(); base != "" {
		s.Link = base + "/issues/" + i.ID
	}
	return s
}

// enqueueNotification writes msg to the outbox inside tx. Messages without recipients are skipped.
func enqueueNotification(ctx context.Context, tx *gorm.DB, issueID string, kind string, audience string, msg notify.Message) error {
	if len(msg.To) == 0 {
		config.GetLogger().WithFields(logrus.Fields{
			"issue_id": issueID,
			"kind":     kind,
			"audience": audience,
		}).Warn("[notify.skip] no recipients")
		return nil
	}
	record := NotificationRecord{
		IssueID:       issueID,
		Kind:          kind,
		Audience:      audience,
		Recipients:    strings.Join(msg.To, ","),
		Subject:       msg.Subject,
		HTMLBody:      msg.HTML,
		Status:        NotificationStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// GetNotifications lists outbox rows for an issue, newest first.
func GetNotifications(ctx context.Context, issueID string) ([]*NotificationRecord, error) {
	var results []*NotificationRecord
	err := config.GetDB().WithContext(ctx).
		Where("issue_id = ?", issueID).
		Order("id DESC").
		Find(&results).Error
	return results, err
}

// ReplayNotification re-queues a FAILED or DEAD notification for immediate delivery.
func ReplayNotification(ctx context.Context, id int, now time.Time) error {
	result := config.GetDB().WithContext(ctx).
		Model(&NotificationRecord{}).
		Where("id = ? AND status IN ?", id, []string{NotificationStatusFailed, NotificationStatusDead}).
		Updates(map[string]interface{}{
			"status":          NotificationStatusFailed,
			"attempts":        0,
			"next_attempt_at": &now,
			"locked_at":       nil,
			"locked_by":       nil,
			"last_error":      nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}
