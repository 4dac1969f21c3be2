package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"bitbucket.org/mmdatafocus/audit_tracker/metrics"
	"bitbucket.org/mmdatafocus/audit_tracker/notify"
	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReviewInput struct {
	EvidenceStatus string `json:"evidenceStatus"`
	ReviewComments string `json:"reviewComments"`
}

// lockIssue takes a short redis lock on the issue. Failure to lock is logged and ignored:
// the row lock inside the transaction still serializes reviews.
func lockIssue(ctx context.Context, issueID string) func() {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		return func() {}
	}
	lock, err := locker.Obtain(ctx, fmt.Sprintf("lock:issue:%s", issueID), 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 20),
	})
	if err != nil {
		msg := "error obtaining redis lock; proceeding without redis lock: " + err.Error()
		if errors.Is(err, redislock.ErrNotObtained) {
			msg = "could not obtain redis lock; proceeding without redis lock"
		}
		logger.WithFields(logrus.Fields{
			"field":    "lockIssue",
			"issue_id": issueID,
		}).Warn(msg)
		return func() {}
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			logger.WithFields(logrus.Fields{
				"field":    "lockIssue",
				"issue_id": issueID,
			}).Warn("failed to release redis lock: " + err.Error())
		}
	}
}

// forUpdate adds a row lock where the dialect supports it.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "mysql" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// ReviewEvidence records a review outcome. The evidence status, review comments, derived current status,
// activity entry and notifications are committed together or not at all.
func ReviewEvidence(ctx context.Context, issueID string, input *ReviewInput) (*AuditIssue, error) {
	ctx, span := tracer.Start(ctx, "ReviewEvidence", issueSpanAttrs(issueID))
	defer span.End()
	status, err := ParseEvidenceStatus(input.EvidenceStatus)
	if err != nil {
		return nil, err
	}
	comments := strings.TrimSpace(input.ReviewComments)
	actor := utils.ActorFromContext(ctx)

	release := lockIssue(ctx, issueID)
	defer release()

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked AuditIssue
		if err := forUpdate(tx).Select("id").Where("id = ?", issueID).Take(&locked).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		if err := tx.Model(&AuditIssue{}).Where("id = ?", issueID).Updates(map[string]interface{}{
			"evidence_status": status,
			"review_comments": comments,
			"current_status":  CurrentStatusFor(status),
			"updated_at":      time.Now().UTC(),
		}).Error; err != nil {
			return err
		}
		reviewStatus := status
		if err := recordActivity(tx, &IssueActivity{
			IssueID:        issueID,
			Kind:           ActivityKindReview,
			Author:         actor,
			Body:           comments,
			EvidenceStatus: &reviewStatus,
		}); err != nil {
			return err
		}
		issue, err := getAuditIssue(tx, issueID)
		if err != nil {
			return err
		}
		return enqueueEvidenceReviewed(ctx, tx, issue, actor, status, comments)
	})
	if err != nil {
		return nil, err
	}

	invalidateReportCache(time.Now())
	metrics.ReviewsTotal.WithLabelValues(string(status)).Inc()
	config.GetLogger().WithFields(logrus.Fields{
		"issue_id":        issueID,
		"evidence_status": status,
		"reviewer":        actor,
	}).Info("[review] evidence reviewed")
	return GetAuditIssue(ctx, issueID)
}

func enqueueEvidenceReviewed(ctx context.Context, tx *gorm.DB, issue *AuditIssue, actor string, status EvidenceStatus, comments string) error {
	audiences := []struct {
		name string
		role StakeholderRole
	}{
		{"Person Responsible", StakeholderRolePersonResponsible},
		{"CXO", StakeholderRoleCxoResponsible},
	}
	for _, a := range audiences {
		msg, err := notify.EvidenceReviewed(issue.summary(), a.name, actor, string(status), comments, issue.Recipients(a.role))
		if err != nil {
			return err
		}
		if err := enqueueNotification(ctx, tx, issue.ID, NotificationKindEvidenceReviewed, string(a.role), msg); err != nil {
			return err
		}
	}
	return nil
}
