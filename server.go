package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"bitbucket.org/mmdatafocus/audit_tracker/metrics"
	"bitbucket.org/mmdatafocus/audit_tracker/middlewares"
	"bitbucket.org/mmdatafocus/audit_tracker/models"
	"bitbucket.org/mmdatafocus/audit_tracker/notify"
	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"bitbucket.org/mmdatafocus/audit_tracker/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func corsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	// In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if config.IsProduction() {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", middlewares.CorrelationHeader)
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", middlewares.CorrelationHeader)
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins
	return corsConfig
}

// readinessGate answers 503 for application routes until the database is connected.
func readinessGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.URL.Path {
		case "/healthz", "/metrics":
			c.Next()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service starting"})
			return
		}
		c.Next()
	}
}

// newRouter wires every route. store receives evidence and annexure uploads.
func newRouter(store utils.FileStore) *gin.Engine {
	logger := config.GetLogger()

	r := gin.New()
	r.MaxMultipartMemory = 32 << 20
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(middlewares.HTTPMetrics())
	r.Use(cors.New(corsConfig()))
	r.Use(readinessGate())

	r.Use(middlewares.SessionMiddleware())
	if limiter := middlewares.RateLimiterFromEnv(); limiter != nil {
		r.Use(limiter.Handler())
	}
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	auditors := middlewares.RequireRole(middlewares.RoleAuditor)
	reviewers := middlewares.RequireRole(middlewares.RoleAuditor, middlewares.RoleApprover)

	api := r.Group("/api/audit-issues")
	{
		api.GET("", listAuditIssuesHandler())
		api.POST("", auditors, createAuditIssueHandler())
		api.POST("/upload", auditors, importAuditIssuesHandler())
		api.GET("/reports/:reportType", reportHandler())
		api.GET("/:id", getAuditIssueHandler())
		api.PUT("/:id", auditors, updateAuditIssueHandler())
		api.POST("/:id/evidence", addEvidenceHandler(store))
		api.POST("/:id/evidence/sign", signEvidenceUploadHandler())
		api.POST("/:id/evidence/complete", completeEvidenceUploadHandler())
		api.POST("/:id/annexure", auditors, addAnnexureHandler(store))
		api.PUT("/:id/review", reviewers, reviewEvidenceHandler())
		api.POST("/:id/close", auditors, closeAuditIssueHandler())
		api.GET("/:id/activities", listActivitiesHandler())
		api.POST("/:id/comments", createCommentHandler())
		api.GET("/:id/entities", entityRowsHandler())
		api.GET("/:id/notifications", auditors, listNotificationsHandler())
	}
	// Ops tooling (admin only): replay notifications that were marked DEAD/FAILED.
	r.POST("/api/notifications/:id/replay", middlewares.RequireRole(middlewares.RoleAdmin), notificationReplayHandler())

	r.Static("/uploads", config.UploadsDir())
	r.GET("/files", gcsObjectHandler())
	r.NoRoute(spaFallbackHandler(config.StaticDir()))
	return r
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	if config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Shutdown coordination.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Redis comes first: the session middleware and rate limiter read it when the router is built.
	config.ConnectRedisWithRetry(config.IntFromEnv("REDIS_CONNECT_ATTEMPTS", 5))

	store := utils.NewFileStore(config.UploadsDir())
	r := newRouter(store)

	// Start listening immediately; app routes answer 503 until the database is connected.
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can block tables; SKIP_MIGRATIONS=true lets a separate job own schema changes.
	if !config.SkipMigrations() {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	mailer, err := notify.NewMailerFromEnv(logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "notify"}).Error("mail transport misconfigured; falling back to log transport: " + err.Error())
		mailer = &notify.LogMailer{Logger: logger}
	}
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewNotificationDispatcher(db, logger, mailer).Run(dispatcherCtx)

	logger.WithFields(logrus.Fields{
		"info":      "Connection Established",
		"transport": config.NotifyTransport(),
		"storage":   utils.GetStorageProvider(),
	}).Info("audit tracker listening on port ", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	config.ClosePubSub()
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// respondError maps domain errors to HTTP status codes. Unexpected errors are logged and hidden.
func respondError(c *gin.Context, funcName string, err error) {
	var ve *utils.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Message, "fields": ve.Fields})
	case utils.IsBadRequest(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "audit issue not found"})
	default:
		config.LogError(config.GetLogger(), "server.go", funcName, c.Request.Method+" "+c.FullPath(), c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
