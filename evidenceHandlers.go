package main

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"bitbucket.org/mmdatafocus/audit_tracker/models"
	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// uploadedFiles adapts the multipart "files" field to the model's upload type.
func uploadedFiles(form *multipart.Form) []models.UploadedFile {
	if form == nil {
		return nil
	}
	headers := form.File["files"]
	files := make([]models.UploadedFile, 0, len(headers))
	for _, fh := range headers {
		files = append(files, models.UploadedFile{
			Name:     fh.Filename,
			MimeType: fh.Header.Get("Content-Type"),
			Size:     fh.Size,
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		})
	}
	return files
}

func formValue(form *multipart.Form, key string) string {
	if form == nil || len(form.Value[key]) == 0 {
		return ""
	}
	return form.Value[key][0]
}

func addEvidenceHandler(store utils.FileStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil && !errors.Is(err, http.ErrNotMultipart) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
			return
		}
		upload := models.EvidenceUpload{
			Files:      uploadedFiles(form),
			Text:       formValue(form, "textEvidence"),
			UploadedBy: formValue(form, "uploadedBy"),
		}
		result, err := models.AddEvidence(c.Request.Context(), store, c.Param("id"), upload)
		if err != nil {
			respondError(c, "addEvidenceHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":          "Evidence uploaded successfully",
			"evidenceReceived": result.Issue.EvidenceReceived,
			"added":            result.Added,
			"issue":            result.Issue,
		})
	}
}

func addAnnexureHandler(store utils.FileStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil && !errors.Is(err, http.ErrNotMultipart) {
			respondError(c, "addAnnexureHandler", utils.ErrorMissingFile)
			return
		}
		issue, err := models.AddAnnexures(c.Request.Context(), store, c.Param("id"), uploadedFiles(form), formValue(form, "uploadedBy"))
		if err != nil {
			respondError(c, "addAnnexureHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":  "Annexure uploaded successfully",
			"annexure": issue.Annexure,
			"issue":    issue,
		})
	}
}

func reviewEvidenceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.ReviewInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		issue, err := models.ReviewEvidence(c.Request.Context(), c.Param("id"), &input)
		if err != nil {
			respondError(c, "reviewEvidenceHandler", err)
			return
		}
		c.JSON(http.StatusOK, issue)
	}
}

type evidenceSignRequest struct {
	FileName string `json:"fileName" binding:"required"`
	MimeType string `json:"mimeType" binding:"required"`
	Size     int64  `json:"size" binding:"required,gt=0"`
}

type evidenceCompleteRequest struct {
	ObjectKey    string `json:"objectKey" binding:"required"`
	FileName     string `json:"fileName" binding:"required"`
	TextEvidence string `json:"textEvidence"`
	UploadedBy   string `json:"uploadedBy"`
}

// signEvidenceUploadHandler issues a signed PUT URL so large evidence files bypass the API.
// Only available with the gcs storage provider.
func signEvidenceUploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if utils.GetStorageProvider() != utils.StorageProviderGCS {
			c.JSON(http.StatusBadRequest, gin.H{"error": "storage provider not supported"})
			return
		}
		var req evidenceSignRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fileName, mimeType and size are required"})
			return
		}
		if req.Size > config.MaxUploadBytes() {
			respondError(c, "signEvidenceUploadHandler", utils.ErrorFileTooLarge)
			return
		}
		ctx := c.Request.Context()
		issueID := c.Param("id")
		if _, err := models.GetAuditIssue(ctx, issueID); err != nil {
			respondError(c, "signEvidenceUploadHandler", err)
			return
		}

		signed, err := utils.SignEvidenceUpload(ctx, utils.EvidenceUploadRequest{
			IssueID:     issueID,
			FileName:    req.FileName,
			ContentType: req.MimeType,
			MaxBytes:    config.MaxUploadBytes(),
			Expires:     15 * time.Minute,
		})
		if err != nil {
			respondError(c, "signEvidenceUploadHandler", err)
			return
		}
		config.GetLogger().WithFields(logrus.Fields{
			"issue_id":   issueID,
			"mime_type":  req.MimeType,
			"size":       req.Size,
			"object_key": signed.ObjectKey,
		}).Info("[upload.sign]")
		c.JSON(http.StatusOK, gin.H{"data": signed})
	}
}

// completeEvidenceUploadHandler registers an object uploaded through a signed URL as evidence.
func completeEvidenceUploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if utils.GetStorageProvider() != utils.StorageProviderGCS {
			c.JSON(http.StatusBadRequest, gin.H{"error": "storage provider not supported"})
			return
		}
		var req evidenceCompleteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "objectKey and fileName are required"})
			return
		}
		ctx := c.Request.Context()
		issueID := c.Param("id")
		prefix := path.Join(utils.EvidenceFolder, strings.ToLower(issueID)) + "/"
		if !strings.HasPrefix(req.ObjectKey, prefix) || strings.Contains(req.ObjectKey, "..") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid object key"})
			return
		}
		size, contentType, err := utils.StatGCSObject(ctx, req.ObjectKey)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "uploaded object not found"})
				return
			}
			respondError(c, "completeEvidenceUploadHandler", err)
			return
		}

		upload := models.EvidenceUpload{
			Stored: []models.StoredFile{{
				OriginalName: req.FileName,
				FileName:     path.Base(req.ObjectKey),
				MimeType:     contentType,
				Size:         size,
				Path:         utils.GCSObjectPath(req.ObjectKey),
			}},
			Text:       req.TextEvidence,
			UploadedBy: req.UploadedBy,
		}
		result, err := models.AddEvidence(ctx, nil, issueID, upload)
		if err != nil {
			respondError(c, "completeEvidenceUploadHandler", err)
			return
		}
		config.GetLogger().WithFields(logrus.Fields{
			"issue_id":   issueID,
			"object_key": req.ObjectKey,
			"status":     "completed",
		}).Info("[upload.complete]")
		c.JSON(http.StatusOK, gin.H{
			"message":          "Evidence uploaded successfully",
			"evidenceReceived": result.Issue.EvidenceReceived,
			"added":            result.Added,
			"issue":            result.Issue,
		})
	}
}
