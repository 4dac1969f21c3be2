package models

import (
	"context"
	"encoding/json"
	"testing"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evidenceIssue(t *testing.T) *AuditIssue {
	return mustCreateIssue(t, &NewAuditIssue{
		PersonResponsible: EmailList{"pr@corp.com"},
		Approver:          EmailList{"approver@corp.com"},
		CxoResponsible:    EmailList{"cxo@corp.com"},
	})
}

func TestAddEvidence_UnknownIssueLeavesStoreUnchanged(t *testing.T) {
	db := setupTestDB(t)
	store := newMemoryStore()

	_, err := AddEvidence(context.Background(), store, "missing-id", EvidenceUpload{
		Files: []UploadedFile{textFile("a.txt", "hello")},
		Text:  "see attached",
	})
	assert.ErrorIs(t, err, utils.ErrorRecordNotFound)
	assert.Equal(t, 0, store.count())

	var evidenceCount, notificationCount int64
	require.NoError(t, db.Model(&IssueEvidence{}).Count(&evidenceCount).Error)
	require.NoError(t, db.Model(&NotificationRecord{}).Count(&notificationCount).Error)
	assert.Zero(t, evidenceCount)
	assert.Zero(t, notificationCount)
}

func TestAddEvidence_UnknownIssueWinsOverEmptySubmission(t *testing.T) {
	setupTestDB(t)
	_, err := AddEvidence(context.Background(), newMemoryStore(), "missing-id", EvidenceUpload{Text: "  "})
	assert.ErrorIs(t, err, utils.ErrorRecordNotFound)

	_, err = AddAnnexures(context.Background(), newMemoryStore(), "missing-id", nil, "")
	assert.ErrorIs(t, err, utils.ErrorRecordNotFound)
}

func TestAddEvidence_RequiresFilesOrText(t *testing.T) {
	setupTestDB(t)
	issue := evidenceIssue(t)
	_, err := AddEvidence(context.Background(), newMemoryStore(), issue.ID, EvidenceUpload{Text: "   "})
	assert.ErrorIs(t, err, utils.ErrorEmptyEvidence)
}

func TestAddEvidence_TextEntryFirstAndNotifications(t *testing.T) {
	db := setupTestDB(t)
	store := newMemoryStore()
	issue := evidenceIssue(t)

	result, err := AddEvidence(context.Background(), store, issue.ID, EvidenceUpload{
		Files:      []UploadedFile{textFile("policy.pdf", "pdf-bytes"), textFile("log.csv", "a,b")},
		Text:       "Controls updated in May",
		UploadedBy: "pr@corp.com",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, store.count())

	got := result.Issue.EvidenceReceived
	require.Len(t, got, 3)
	assert.Equal(t, EvidenceKindText, got[0].Type)
	assert.Equal(t, "Controls updated in May", got[0].Content)
	assert.Equal(t, EvidenceKindFile, got[1].Type)
	assert.Equal(t, "policy.pdf", got[1].OriginalName)
	assert.Equal(t, int64(len("pdf-bytes")), got[1].Size)
	assert.Contains(t, got[1].Path, "/uploads/evidence/")
	assert.Equal(t, "log.csv", got[2].OriginalName)
	for _, e := range got {
		assert.Equal(t, "pr@corp.com", e.UploadedBy)
		assert.False(t, e.UploadedAt.IsZero())
	}

	var records []NotificationRecord
	require.NoError(t, db.Order("id ASC").Find(&records).Error)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"pr@corp.com", "cxo@corp.com", "approver@corp.com"},
		[]string{records[0].Recipients, records[1].Recipients, records[2].Recipients})
	for _, r := range records {
		assert.Equal(t, NotificationKindEvidenceSubmitted, r.Kind)
		assert.Equal(t, NotificationStatusPending, r.Status)
		assert.Contains(t, r.Subject, "#1")
	}

	activities, err := GetIssueActivities(context.Background(), issue.ID)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, ActivityKindEvidence, activities[0].Kind)
	assert.Contains(t, activities[0].Body, "policy.pdf")

	// a second submission appends
	result, err = AddEvidence(context.Background(), store, issue.ID, EvidenceUpload{Text: "follow-up"})
	require.NoError(t, err)
	assert.Len(t, result.Issue.EvidenceReceived, 4)
	assert.Len(t, result.Added, 1)
}

func TestAddEvidence_FileTooLarge(t *testing.T) {
	setupTestDB(t)
	t.Setenv("MAX_UPLOAD_MB", "1")
	issue := evidenceIssue(t)
	big := textFile("big.bin", "x")
	big.Size = config.MaxUploadBytes() + 1

	_, err := AddEvidence(context.Background(), newMemoryStore(), issue.ID, EvidenceUpload{Files: []UploadedFile{big}})
	assert.ErrorIs(t, err, utils.ErrorFileTooLarge)
}

func TestAddEvidence_SkipsAudienceWithoutRecipients(t *testing.T) {
	db := setupTestDB(t)
	issue := mustCreateIssue(t, &NewAuditIssue{PersonResponsible: EmailList{"only@corp.com"}})

	_, err := AddEvidence(context.Background(), newMemoryStore(), issue.ID, EvidenceUpload{Text: "done"})
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&NotificationRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestIssueJSONShape(t *testing.T) {
	setupTestDB(t)
	issue := evidenceIssue(t)
	_, err := AddEvidence(context.Background(), newMemoryStore(), issue.ID, EvidenceUpload{Text: "note"})
	require.NoError(t, err)
	loaded, err := GetAuditIssue(context.Background(), issue.ID)
	require.NoError(t, err)

	b, err := json.Marshal(loaded)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &decoded))

	assert.Equal(t, []interface{}{"pr@corp.com"}, decoded["personResponsible"])
	assert.Equal(t, []interface{}{}, decoded["coOwner"])
	assert.Equal(t, []interface{}{}, decoded["annexure"])
	assert.NotContains(t, decoded, "Stakeholders")
	evidence, ok := decoded["evidenceReceived"].([]interface{})
	require.True(t, ok)
	require.Len(t, evidence, 1)
	entry := evidence[0].(map[string]interface{})
	assert.Equal(t, "text", entry["type"])
	assert.Equal(t, "note", entry["content"])
}

func TestAddAnnexures(t *testing.T) {
	setupTestDB(t)
	issue := evidenceIssue(t)

	_, err := AddAnnexures(context.Background(), newMemoryStore(), issue.ID, nil, "")
	assert.ErrorIs(t, err, utils.ErrorMissingFile)

	updated, err := AddAnnexures(context.Background(), newMemoryStore(), issue.ID, []UploadedFile{textFile("scope.docx", "doc")}, "auditor@corp.com")
	require.NoError(t, err)
	require.Len(t, updated.Annexure, 1)
	assert.Equal(t, "scope.docx", updated.Annexure[0].OriginalName)
	assert.Contains(t, updated.Annexure[0].Path, "/uploads/annexure/")
	assert.Empty(t, updated.EvidenceReceived)
}
