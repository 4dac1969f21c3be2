package models

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReviewEvidence_InvalidStatusWritesNothing(t *testing.T) {
	db := setupTestDB(t)
	issue := evidenceIssue(t)

	_, err := ReviewEvidence(context.Background(), issue.ID, &ReviewInput{EvidenceStatus: "Approved", ReviewComments: "ok"})
	assert.ErrorIs(t, err, utils.ErrorInvalidEvidenceStatus)
	assert.True(t, utils.IsBadRequest(err))

	reloaded, err := GetAuditIssue(context.Background(), issue.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.EvidenceStatus)
	assert.Empty(t, reloaded.ReviewComments)
	assert.Equal(t, CurrentStatusToBeReceived, reloaded.CurrentStatus)

	var activities, notifications int64
	require.NoError(t, db.Model(&IssueActivity{}).Count(&activities).Error)
	require.NoError(t, db.Model(&NotificationRecord{}).Count(&notifications).Error)
	assert.Zero(t, activities)
	assert.Zero(t, notifications)
}

func TestReviewEvidence_DerivesCurrentStatus(t *testing.T) {
	setupTestDB(t)
	ctx := utils.SetUserEmailInContext(context.Background(), "approver@corp.com")
	issue := evidenceIssue(t)

	cases := []struct {
		status EvidenceStatus
		want   CurrentStatus
	}{
		{EvidenceStatusPartiallyAccepted, CurrentStatusPartiallyReceived},
		{EvidenceStatusInsufficient, CurrentStatusToBeReceived},
		{EvidenceStatusAccepted, CurrentStatusReceived},
	}
	for _, tc := range cases {
		reviewed, err := ReviewEvidence(ctx, issue.ID, &ReviewInput{EvidenceStatus: string(tc.status), ReviewComments: "checked " + string(tc.status)})
		require.NoError(t, err)
		require.NotNil(t, reviewed.EvidenceStatus)
		assert.Equal(t, tc.status, *reviewed.EvidenceStatus)
		assert.Equal(t, tc.want, reviewed.CurrentStatus)
		assert.Equal(t, "checked "+string(tc.status), reviewed.ReviewComments)
	}

	activities, err := GetIssueActivities(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, activities, 3)
	// newest first
	require.NotNil(t, activities[0].EvidenceStatus)
	assert.Equal(t, EvidenceStatusAccepted, *activities[0].EvidenceStatus)
	assert.Equal(t, ActivityKindReview, activities[0].Kind)
	assert.Equal(t, "approver@corp.com", activities[0].Author)
}

func TestReviewEvidence_EnqueuesTwoNotifications(t *testing.T) {
	setupTestDB(t)
	issue := evidenceIssue(t)

	_, err := ReviewEvidence(context.Background(), issue.ID, &ReviewInput{EvidenceStatus: "Insufficient", ReviewComments: "missing sign-off"})
	require.NoError(t, err)

	records, err := GetNotifications(context.Background(), issue.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	recipients := []string{records[0].Recipients, records[1].Recipients}
	assert.ElementsMatch(t, []string{"pr@corp.com", "cxo@corp.com"}, recipients)
	for _, r := range records {
		assert.Equal(t, NotificationKindEvidenceReviewed, r.Kind)
		assert.Equal(t, "Additional evidence required for audit issue #1", r.Subject)
		assert.Contains(t, r.HTMLBody, "missing sign-off")
	}
}

func TestReviewEvidence_NotFound(t *testing.T) {
	setupTestDB(t)
	_, err := ReviewEvidence(context.Background(), "missing", &ReviewInput{EvidenceStatus: "Accepted"})
	assert.ErrorIs(t, err, utils.ErrorRecordNotFound)
}
