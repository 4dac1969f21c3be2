package models

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"bitbucket.org/mmdatafocus/audit_tracker/notify"
	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"gorm.io/gorm"
)

// IssueEvidence is one submitted evidence entry: a stored file or an inline text note.
type IssueEvidence struct {
	ID           int          `gorm:"primaryKey" json:"id"`
	IssueID      string       `gorm:"type:char(36);index;not null" json:"-"`
	Type         EvidenceKind `gorm:"size:10;not null" json:"type"`
	OriginalName string       `gorm:"size:255" json:"originalName,omitempty"`
	FileName     string       `gorm:"size:255" json:"fileName,omitempty"`
	MimeType     string       `gorm:"size:150" json:"mimeType,omitempty"`
	Size         int64        `json:"size,omitempty"`
	Path         string       `gorm:"size:500" json:"path,omitempty"`
	Content      string       `gorm:"type:text" json:"content,omitempty"`
	UploadedBy   string       `gorm:"size:255" json:"uploadedBy"`
	UploadedAt   time.Time    `gorm:"not null" json:"uploadedAt"`
}

// IssueAnnexure is a reference file attached to an issue, separate from remediation evidence.
type IssueAnnexure struct {
	ID           int       `gorm:"primaryKey" json:"id"`
	IssueID      string    `gorm:"type:char(36);index;not null" json:"-"`
	OriginalName string    `gorm:"size:255" json:"originalName"`
	FileName     string    `gorm:"size:255" json:"fileName"`
	MimeType     string    `gorm:"size:150" json:"mimeType"`
	Size         int64     `json:"size"`
	Path         string    `gorm:"size:500" json:"path"`
	UploadedBy   string    `gorm:"size:255" json:"uploadedBy"`
	UploadedAt   time.Time `gorm:"not null" json:"uploadedAt"`
}

// UploadedFile abstracts a received upload so models stay independent of net/http.
type UploadedFile struct {
	Name     string
	MimeType string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// EvidenceUpload is one submission. Files are streamed into the store; Stored entries were
// uploaded directly to object storage beforehand and are only registered.
type EvidenceUpload struct {
	Files      []UploadedFile
	Stored     []StoredFile
	Text       string
	UploadedBy string
}

type EvidenceResult struct {
	Issue *AuditIssue     `json:"issue"`
	Added []IssueEvidence `json:"added"`
}

type StoredFile struct {
	OriginalName string
	FileName     string
	MimeType     string
	Size         int64
	Path         string
}

func storeFiles(ctx context.Context, store utils.FileStore, folder string, issueID string, files []UploadedFile) ([]StoredFile, error) {
	maxBytes := config.MaxUploadBytes()
	out := make([]StoredFile, 0, len(files))
	for _, f := range files {
		if f.Size > maxBytes {
			return nil, fmt.Errorf("%w: %s", utils.ErrorFileTooLarge, f.Name)
		}
		key := utils.ObjectKey(folder, issueID, f.Name)
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		mimeType := f.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		storedPath, err := store.Save(ctx, key, rc, mimeType)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", f.Name, err)
		}
		out = append(out, StoredFile{
			OriginalName: f.Name,
			FileName:     path.Base(key),
			MimeType:     mimeType,
			Size:         f.Size,
			Path:         storedPath,
		})
	}
	return out, nil
}

// AddEvidence appends evidence to an issue: the text note (if any) first, then one entry per file.
// The append, the activity row and the three notifications commit together.
func AddEvidence(ctx context.Context, store utils.FileStore, issueID string, upload EvidenceUpload) (*EvidenceResult, error) {
	ctx, span := tracer.Start(ctx, "AddEvidence", issueSpanAttrs(issueID))
	defer span.End()
	db := config.GetDB()
	if err := issueExists(db.WithContext(ctx), issueID); err != nil {
		return nil, err
	}

	text := strings.TrimSpace(upload.Text)
	if len(upload.Files) == 0 && len(upload.Stored) == 0 && text == "" {
		return nil, utils.ErrorEmptyEvidence
	}
	uploadedBy := strings.TrimSpace(upload.UploadedBy)
	if uploadedBy == "" {
		uploadedBy = utils.ActorFromContext(ctx)
	}

	stored, err := storeFiles(ctx, store, utils.EvidenceFolder, issueID, upload.Files)
	if err != nil {
		return nil, err
	}
	stored = append(stored, upload.Stored...)

	now := time.Now().UTC()
	entries := make([]IssueEvidence, 0, len(stored)+1)
	if text != "" {
		entries = append(entries, IssueEvidence{
			IssueID:    issueID,
			Type:       EvidenceKindText,
			Content:    text,
			UploadedBy: uploadedBy,
			UploadedAt: now,
		})
	}
	for _, f := range stored {
		entries = append(entries, IssueEvidence{
			IssueID:      issueID,
			Type:         EvidenceKindFile,
			OriginalName: f.OriginalName,
			FileName:     f.FileName,
			MimeType:     f.MimeType,
			Size:         f.Size,
			Path:         f.Path,
			UploadedBy:   uploadedBy,
			UploadedAt:   now,
		})
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		issue, err := getAuditIssue(tx, issueID)
		if err != nil {
			return err
		}
		if err := tx.Create(&entries).Error; err != nil {
			return err
		}
		if err := tx.Model(&AuditIssue{}).Where("id = ?", issueID).Update("updated_at", now).Error; err != nil {
			return err
		}
		if err := recordActivity(tx, &IssueActivity{
			IssueID: issueID,
			Kind:    ActivityKindEvidence,
			Author:  uploadedBy,
			Body:    describeEvidence(entries),
		}); err != nil {
			return err
		}
		return enqueueEvidenceSubmitted(ctx, tx, issue, uploadedBy, entries)
	})
	if err != nil {
		return nil, err
	}

	issue, err := GetAuditIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	return &EvidenceResult{Issue: issue, Added: entries}, nil
}

func describeEvidence(entries []IssueEvidence) string {
	var parts []string
	var files []string
	for _, e := range entries {
		if e.Type == EvidenceKindText {
			parts = append(parts, e.Content)
		} else {
			files = append(files, e.OriginalName)
		}
	}
	if len(files) > 0 {
		parts = append(parts, "Uploaded: "+strings.Join(files, ", "))
	}
	return strings.Join(parts, "\n")
}

func enqueueEvidenceSubmitted(ctx context.Context, tx *gorm.DB, issue *AuditIssue, actor string, entries []IssueEvidence) error {
	items := make([]notify.EvidenceItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, notify.EvidenceItem{Kind: string(e.Type), Name: e.OriginalName, Text: e.Content})
	}
	audiences := []struct {
		name string
		role StakeholderRole
	}{
		{"Person Responsible", StakeholderRolePersonResponsible},
		{"CXO", StakeholderRoleCxoResponsible},
		{"Approver", StakeholderRoleApprover},
	}
	for _, a := range audiences {
		msg, err := notify.EvidenceSubmitted(issue.summary(), a.name, actor, items, issue.Recipients(a.role))
		if err != nil {
			return err
		}
		if err := enqueueNotification(ctx, tx, issue.ID, NotificationKindEvidenceSubmitted, string(a.role), msg); err != nil {
			return err
		}
	}
	return nil
}

// AddAnnexures stores reference files against an issue.
func AddAnnexures(ctx context.Context, store utils.FileStore, issueID string, files []UploadedFile, uploadedBy string) (*AuditIssue, error) {
	db := config.GetDB()
	if err := issueExists(db.WithContext(ctx), issueID); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, utils.ErrorMissingFile
	}
	if strings.TrimSpace(uploadedBy) == "" {
		uploadedBy = utils.ActorFromContext(ctx)
	}
	stored, err := storeFiles(ctx, store, utils.AnnexureFolder, issueID, files)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rows := make([]IssueAnnexure, 0, len(stored))
	for _, f := range stored {
		rows = append(rows, IssueAnnexure{
			IssueID:      issueID,
			OriginalName: f.OriginalName,
			FileName:     f.FileName,
			MimeType:     f.MimeType,
			Size:         f.Size,
			Path:         f.Path,
			UploadedBy:   uploadedBy,
			UploadedAt:   now,
		})
	}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		return tx.Model(&AuditIssue{}).Where("id = ?", issueID).Update("updated_at", now).Error
	})
	if err != nil {
		return nil, err
	}
	return GetAuditIssue(ctx, issueID)
}
