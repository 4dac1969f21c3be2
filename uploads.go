package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// gcsObjectHandler streams an evidence or annexure object stored in GCS. Local files are served by /uploads.
func gcsObjectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		objectKey := strings.TrimSpace(c.Query("key"))
		if !utils.IsUploadObjectKey(objectKey) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
			return
		}
		if utils.GetStorageProvider() != utils.StorageProviderGCS {
			c.JSON(http.StatusBadRequest, gin.H{"error": "storage provider not supported"})
			return
		}

		client, reader, err := utils.OpenGCSObject(c.Request.Context(), objectKey)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
				return
			}
			logUploadError(config.GetLogger(), err, objectKey, requestIDFromHeaders(c))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage client error"})
			return
		}
		defer client.Close()
		defer reader.Close()

		if ct := reader.Attrs.ContentType; ct != "" {
			c.Writer.Header().Set("Content-Type", ct)
		}
		if size := reader.Attrs.Size; size > 0 {
			c.Writer.Header().Set("Content-Length", fmt.Sprintf("%d", size))
		}
		c.Writer.Header().Set("Content-Disposition", "inline; filename="+path.Base(objectKey))
		c.Status(http.StatusOK)
		_, _ = io.Copy(c.Writer, reader)
	}
}

// spaFallbackHandler serves built frontend assets and falls back to index.html for client routes.
// API paths and non-GET requests get a JSON 404.
func spaFallbackHandler(staticDir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := c.Request.URL.Path
		if strings.HasPrefix(p, "/api/") || p == "/api" || (c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		asset := filepath.Join(staticDir, filepath.FromSlash(path.Clean("/"+p)))
		if info, err := os.Stat(asset); err == nil && !info.IsDir() {
			c.File(asset)
			return
		}
		index := filepath.Join(staticDir, "index.html")
		if _, err := os.Stat(index); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.File(index)
	}
}

func logUploadError(logger *logrus.Logger, err error, objectKey string, requestID string) {
	logger.WithFields(logrus.Fields{
		"error":      err.Error(),
		"provider":   utils.GetStorageProvider(),
		"object_key": objectKey,
		"request_id": requestID,
	}).Error("[upload.error]")
}

func requestIDFromHeaders(c *gin.Context) string {
	if id, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok && id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetHeader("X-Request-Id")); id != "" {
		return id
	}
	return ""
}
