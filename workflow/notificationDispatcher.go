package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/audit_tracker/metrics"
	"bitbucket.org/mmdatafocus/audit_tracker/models"
	"bitbucket.org/mmdatafocus/audit_tracker/notify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NotificationDispatcher delivers outbox rows written by the evidence and review flows.
// Delivery failures only touch the outbox row; the issue data is already committed.
type NotificationDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Mailer       notify.Mailer
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewNotificationDispatcher(db *gorm.DB, logger *logrus.Logger, mailer notify.Mailer) *NotificationDispatcher {
	return &NotificationDispatcher{
		DB:             db,
		Logger:         logger,
		Mailer:         mailer,
		DispatcherID:   uuid.NewString(),
		BatchSize:      25,
		PollInterval:   2 * time.Second,
		LockTimeout:    2 * time.Minute,
		MaxAttempts:    8,
		InitialBackoff: 30 * time.Second,
	}
}

func (d *NotificationDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// claimQuery selects rows ready to send, plus PROCESSING rows whose claim went stale.
func (d *NotificationDispatcher) claimQuery(tx *gorm.DB, now time.Time) *gorm.DB {
	staleBefore := now.Add(-d.LockTimeout)
	q := tx.
		Where(`
			(
				status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			)
			OR
			(
				status = ? AND locked_at IS NOT NULL AND locked_at <= ?
			)
		`, []string{models.NotificationStatusPending, models.NotificationStatusFailed}, now, models.NotificationStatusProcessing, staleBefore).
		Order("id ASC").
		Limit(d.BatchSize)
	if tx.Dialector.Name() == "mysql" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return q
}

// DispatchOnce claims one batch and attempts delivery. It returns the number of rows claimed.
func (d *NotificationDispatcher) DispatchOnce(ctx context.Context) int {
	if d.DB == nil || d.Mailer == nil {
		return 0
	}
	now := time.Now().UTC()

	var claimed []models.NotificationRecord
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := d.claimQuery(tx, now).Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			if d.MaxAttempts > 0 && claimed[i].Attempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max delivery attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].Status = models.NotificationStatusDead
				if err := tx.Model(&models.NotificationRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"status":          models.NotificationStatusDead,
					"last_error":      &msg,
					"next_attempt_at": nil,
					"locked_at":       nil,
					"locked_by":       nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			claimed[i].Status = models.NotificationStatusProcessing
			claimed[i].Attempts++
			if err := tx.Model(&models.NotificationRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"status":          models.NotificationStatusProcessing,
				"locked_at":       &now,
				"locked_by":       &d.DispatcherID,
				"attempts":        gorm.Expr("attempts + 1"),
				"last_error":      nil,
				"next_attempt_at": nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":         "NotificationDispatcher",
				"dispatcher_id": d.DispatcherID,
			}).Error("notification claim failed: " + err.Error())
		}
		return 0
	}
	metrics.NotificationBacklog.Set(float64(len(claimed)))

	for _, rec := range claimed {
		if rec.Status == models.NotificationStatusDead {
			metrics.NotificationsTotal.WithLabelValues(rec.Kind, "dead").Inc()
			continue
		}
		providerID, sendErr := d.Mailer.Send(ctx, rec.Message())
		if sendErr != nil {
			d.markFailed(ctx, rec, sendErr)
			continue
		}
		d.markSent(ctx, rec, providerID)
	}
	return len(claimed)
}

func (d *NotificationDispatcher) markSent(ctx context.Context, rec models.NotificationRecord, providerID string) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":          models.NotificationStatusSent,
		"sent_at":         &now,
		"locked_at":       nil,
		"locked_by":       nil,
		"next_attempt_at": nil,
	}
	if providerID != "" {
		updates["provider_message_id"] = &providerID
	}
	fields := logrus.Fields{
		"field":          "NotificationDispatcher",
		"record_id":      rec.ID,
		"issue_id":       rec.IssueID,
		"kind":           rec.Kind,
		"correlation_id": rec.CorrelationId,
	}
	metrics.NotificationsTotal.WithLabelValues(rec.Kind, "sent").Inc()
	if err := d.updateRecord(ctx, rec.ID, updates, fields); err != nil {
		// The row stays PROCESSING and is reclaimed after LockTimeout, so the mail goes out again.
		return
	}
	if d.Logger != nil {
		d.Logger.WithFields(fields).Info("notification sent")
	}
}

// updateRecord writes a delivery outcome. The write ignores ctx cancellation so a shutdown
// between send and mark does not strand the row, and one failed attempt is retried.
func (d *NotificationDispatcher) updateRecord(ctx context.Context, id int, updates map[string]interface{}, fields logrus.Fields) error {
	db := d.DB.WithContext(context.WithoutCancel(ctx))
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		if err = db.Model(&models.NotificationRecord{}).Where("id = ?", id).Updates(updates).Error; err == nil {
			return nil
		}
	}
	if d.Logger != nil {
		d.Logger.WithFields(fields).WithField("status", updates["status"]).Error("notification outbox update failed: " + err.Error())
	}
	return err
}

// retryBackoff doubles InitialBackoff per attempt, capped at one hour.
func (d *NotificationDispatcher) retryBackoff(attempt int) time.Duration {
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > time.Hour {
			return time.Hour
		}
	}
	return backoff
}

func (d *NotificationDispatcher) markFailed(ctx context.Context, rec models.NotificationRecord, err error) {
	msg := err.Error()
	fields := logrus.Fields{
		"field":          "NotificationDispatcher",
		"record_id":      rec.ID,
		"issue_id":       rec.IssueID,
		"kind":           rec.Kind,
		"attempt":        rec.Attempts,
		"correlation_id": rec.CorrelationId,
	}

	if d.MaxAttempts > 0 && rec.Attempts >= d.MaxAttempts {
		_ = d.updateRecord(ctx, rec.ID, map[string]interface{}{
			"status":          models.NotificationStatusDead,
			"last_error":      &msg,
			"next_attempt_at": nil,
			"locked_at":       nil,
			"locked_by":       nil,
		}, fields)
		metrics.NotificationsTotal.WithLabelValues(rec.Kind, "dead").Inc()
		if d.Logger != nil {
			d.Logger.WithFields(fields).Error("notification moved to DEAD after max attempts: " + msg)
		}
		return
	}

	next := time.Now().UTC().Add(d.retryBackoff(rec.Attempts))
	_ = d.updateRecord(ctx, rec.ID, map[string]interface{}{
		"status":          models.NotificationStatusFailed,
		"last_error":      &msg,
		"next_attempt_at": &next,
		"locked_at":       nil,
		"locked_by":       nil,
	}, fields)
	metrics.NotificationsTotal.WithLabelValues(rec.Kind, "failed").Inc()
	if d.Logger != nil {
		fields["next_attempt_at"] = next.Format(time.RFC3339Nano)
		d.Logger.WithFields(fields).Error("notification delivery failed: " + msg)
	}
}
