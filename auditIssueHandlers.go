package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"bitbucket.org/mmdatafocus/audit_tracker/middlewares"
	"bitbucket.org/mmdatafocus/audit_tracker/models"
	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func createAuditIssueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewAuditIssue
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		issue, err := models.CreateAuditIssue(c.Request.Context(), &input)
		if err != nil {
			respondError(c, "createAuditIssueHandler", err)
			return
		}
		c.JSON(http.StatusCreated, issue)
	}
}

func importAuditIssuesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		fh, err := c.FormFile("file")
		if err != nil {
			respondError(c, "importAuditIssuesHandler", utils.ErrorMissingFile)
			return
		}
		if fh.Size > config.MaxUploadBytes() {
			respondError(c, "importAuditIssuesHandler", utils.ErrorFileTooLarge)
			return
		}
		f, err := fh.Open()
		if err != nil {
			respondError(c, "importAuditIssuesHandler", err)
			return
		}
		defer f.Close()

		rows, err := models.ParseSpreadsheet(fh.Filename, f)
		if err != nil {
			respondError(c, "importAuditIssuesHandler", err)
			return
		}
		result, err := models.ImportAuditIssues(c.Request.Context(), rows)
		if err != nil {
			respondError(c, "importAuditIssuesHandler", err)
			return
		}

		config.GetLogger().WithFields(logrus.Fields{
			"file":    fh.Filename,
			"success": result.SuccessCount,
			"failure": result.FailureCount,
		}).Info("[import]")
		c.JSON(http.StatusOK, gin.H{
			"message":      "Imported " + strconv.Itoa(result.SuccessCount) + " of " + strconv.Itoa(result.TotalRows) + " rows",
			"successCount": result.SuccessCount,
			"failureCount": result.FailureCount,
			"totalRows":    result.TotalRows,
			"failures":     result.Failures,
		})
	}
}

// listViewer picks the stakeholder filter for a list request. Auditors and admins may ask for
// any viewer; everyone else is pinned to their own session email. ok is false when a restricted
// session carries no email, which can match nothing.
func listViewer(ctx context.Context, requested string) (string, bool) {
	if middlewares.SeesAllIssues(ctx) {
		return strings.TrimSpace(requested), true
	}
	email, _ := utils.GetUserEmailFromContext(ctx)
	email = strings.TrimSpace(email)
	return email, email != ""
}

func listAuditIssuesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		viewer, ok := listViewer(ctx, c.Query("viewer"))
		if !ok {
			c.JSON(http.StatusOK, []*models.AuditIssue{})
			return
		}
		filter := models.IssueFilter{
			Viewer:     viewer,
			Status:     strings.TrimSpace(c.Query("status")),
			RiskLevel:  strings.TrimSpace(c.Query("riskLevel")),
			FiscalYear: strings.TrimSpace(c.Query("fiscalYear")),
			Process:    strings.TrimSpace(c.Query("process")),
		}
		issues, err := models.GetAuditIssues(ctx, filter)
		if err != nil {
			respondError(c, "listAuditIssuesHandler", err)
			return
		}
		c.JSON(http.StatusOK, issues)
	}
}

func getAuditIssueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		issue, err := models.GetAuditIssue(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, "getAuditIssueHandler", err)
			return
		}
		c.JSON(http.StatusOK, issue)
	}
}

func updateAuditIssueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.UpdateAuditIssue
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		issue, err := models.UpdateAuditIssueFields(c.Request.Context(), c.Param("id"), &input)
		if err != nil {
			respondError(c, "updateAuditIssueHandler", err)
			return
		}
		c.JSON(http.StatusOK, issue)
	}
}

func closeAuditIssueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		issue, err := models.CloseAuditIssue(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, "closeAuditIssueHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Issue closed", "issue": issue})
	}
}

func listActivitiesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		activities, err := models.GetIssueActivities(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, "listActivitiesHandler", err)
			return
		}
		c.JSON(http.StatusOK, activities)
	}
}

func createCommentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewComment
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		activity, err := models.CreateComment(c.Request.Context(), c.Param("id"), &input)
		if err != nil {
			respondError(c, "createCommentHandler", err)
			return
		}
		c.JSON(http.StatusCreated, activity)
	}
}

func entityRowsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := models.GetIssueEntityRows(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, "entityRowsHandler", err)
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func listNotificationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := models.GetNotifications(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, "listNotificationsHandler", err)
			return
		}
		c.JSON(http.StatusOK, records)
	}
}

func notificationReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
			return
		}
		now := time.Now().UTC()
		if err := models.ReplayNotification(c.Request.Context(), id, now); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
				return
			}
			respondError(c, "notificationReplayHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"record_id":       id,
			"status":          models.NotificationStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}
