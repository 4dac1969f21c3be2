package main

import (
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/audit_tracker/models"
	"github.com/gin-gonic/gin"
)

func reportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rt, err := models.ParseReportType(c.Param("reportType"))
		if err != nil {
			respondError(c, "reportHandler", err)
			return
		}
		report, err := models.BuildReport(c.Request.Context(), rt, time.Now())
		if err != nil {
			respondError(c, "reportHandler", err)
			return
		}
		c.Header("Content-Disposition", "attachment; filename="+report.FileName)
		c.Data(http.StatusOK, models.XlsxContentType, report.Data)
	}
}
