package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"bitbucket.org/mmdatafocus/audit_tracker/models"
	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (s *testStore) Save(ctx context.Context, objectKey string, r io.Reader, contentType string) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[objectKey] = b
	return "/uploads/" + objectKey, nil
}

func setupRouter(t *testing.T) (*gin.Engine, *testStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("STATIC_DIR", t.TempDir())
	t.Setenv("UPLOADS_DIR", t.TempDir())

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.Models()...))

	prev := config.GetDB()
	config.SetDB(db)
	config.SetRedisClient(nil)
	t.Cleanup(func() {
		config.SetDB(prev)
		_ = sqlDB.Close()
	})

	store := &testStore{files: map[string][]byte{}}
	return newRouter(store), store
}

func doJSON(r http.Handler, method string, target string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createIssue(t *testing.T, r http.Handler) map[string]any {
	t.Helper()
	w := doJSON(r, http.MethodPost, "/api/audit-issues", map[string]any{
		"process":           "Treasury",
		"observation":       "Bank reconciliations are late",
		"riskLevel":         "HIGH",
		"personResponsible": "pr@corp.com; second@corp.com",
		"cxoResponsible":    []string{"cxo@corp.com"},
		"approver":          "approver@corp.com",
		"timeline":          "2030-01-15",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var issue map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issue))
	return issue
}

func TestHealthz(t *testing.T) {
	r, _ := setupRouter(t)
	w := doJSON(r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-Id"))
}

func TestCreateAndGetAuditIssue(t *testing.T) {
	r, _ := setupRouter(t)
	issue := createIssue(t, r)
	assert.Equal(t, float64(1), issue["serialNumber"])
	assert.Equal(t, "high", issue["riskLevel"])
	assert.Equal(t, "To Be Received", issue["currentStatus"])
	assert.Equal(t, []any{"pr@corp.com", "second@corp.com"}, issue["personResponsible"])
	assert.Equal(t, []any{}, issue["evidenceReceived"])

	w := doJSON(r, http.MethodGet, "/api/audit-issues/"+issue["id"].(string), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/api/audit-issues/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"audit issue not found"}`, w.Body.String())
}

func TestCreateAuditIssue_ValidationError(t *testing.T) {
	r, _ := setupRouter(t)
	w := doJSON(r, http.MethodPost, "/api/audit-issues", map[string]any{"observation": "x", "approver": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body struct {
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "required", body.Fields["process"])
}

func TestReviewEndpoint(t *testing.T) {
	r, _ := setupRouter(t)
	id := createIssue(t, r)["id"].(string)

	w := doJSON(r, http.MethodPut, "/api/audit-issues/"+id+"/review", map[string]any{"evidenceStatus": "Great", "reviewComments": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPut, "/api/audit-issues/"+id+"/review", map[string]any{"evidenceStatus": "Partially Accepted", "reviewComments": "need Q2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var issue map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issue))
	assert.Equal(t, "Partially Received", issue["currentStatus"])
	assert.Equal(t, "Partially Accepted", issue["evidenceStatus"])

	w = doJSON(r, http.MethodGet, "/api/audit-issues/"+id+"/notifications", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var records []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	assert.Len(t, records, 2)
}

func TestEvidenceEndpoint(t *testing.T) {
	r, store := setupRouter(t)
	id := createIssue(t, r)["id"].(string)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("textEvidence", "Reconciliations now signed monthly"))
	fw, err := mw.CreateFormFile("files", "recon.pdf")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("%PDF-1.4"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/audit-issues/"+id+"/evidence", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Message          string           `json:"message"`
		EvidenceReceived []map[string]any `json:"evidenceReceived"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Evidence uploaded successfully", body.Message)
	require.Len(t, body.EvidenceReceived, 2)
	assert.Equal(t, "text", body.EvidenceReceived[0]["type"])
	assert.Equal(t, "file", body.EvidenceReceived[1]["type"])
	assert.Equal(t, "recon.pdf", body.EvidenceReceived[1]["originalName"])
	assert.Len(t, store.files, 1)

	// empty submission
	w = doJSON(r, http.MethodPost, "/api/audit-issues/"+id+"/evidence", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// empty submission to an unknown issue
	w = doJSON(r, http.MethodPost, "/api/audit-issues/00000000-0000-0000-0000-000000000000/evidence", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"audit issue not found"}`, w.Body.String())
}

func TestImportEndpoint(t *testing.T) {
	r, _ := setupRouter(t)
	csv := "S.No,Fiscal Year,Date,Process,Entity,Observation,Risk Level,Risk,Recommendation,Management Comment,Action,Person Responsible,Approver,CXO,Co-owner,Timeline,Status,Start,End\n" +
		"1,FY25,2024-12-31,Sales,HQ,Credit limits bypassed,HIGH,,,,,a@corp.com,,,,2025-03-31,Partially received,,\n"

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "issues.csv")
	require.NoError(t, err)
	_, _ = fw.Write([]byte(csv))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/audit-issues/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"successCount":1`)
	assert.Contains(t, w.Body.String(), `"failureCount":0`)

	w = doJSON(r, http.MethodGet, "/api/audit-issues?process=Sales", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var issues []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issues))
	require.Len(t, issues, 1)
	assert.Equal(t, "high", issues[0]["riskLevel"])
	assert.Equal(t, "Partially Received", issues[0]["currentStatus"])
	assert.Equal(t, "FY25", issues[0]["fiscalYear"])

	w = doJSON(r, http.MethodPost, "/api/audit-issues/upload", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReportEndpoint(t *testing.T) {
	r, _ := setupRouter(t)
	w := doJSON(r, http.MethodGet, "/api/audit-issues/reports/yearly", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodGet, "/api/audit-issues/reports/overdue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.XlsxContentType, w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Disposition"), "attachment; filename=overdue_report_"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("PK")))
}

func TestCloseAndActivities(t *testing.T) {
	r, _ := setupRouter(t)
	id := createIssue(t, r)["id"].(string)

	w := doJSON(r, http.MethodPost, "/api/audit-issues/"+id+"/comments", map[string]any{"body": "Chased owner", "author": "lead@corp.com"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(r, http.MethodPost, "/api/audit-issues/"+id+"/close", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"currentStatus":"Closed"`)

	w = doJSON(r, http.MethodGet, "/api/audit-issues/"+id+"/activities", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var feed []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &feed))
	require.Len(t, feed, 2)
	assert.Equal(t, "status", feed[0]["kind"])
	assert.Equal(t, "comment", feed[1]["kind"])
}

func TestUnknownAPIRoute(t *testing.T) {
	r, _ := setupRouter(t)
	w := doJSON(r, http.MethodGet, "/api/nothing-here", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
}

func TestNotificationReplay(t *testing.T) {
	r, _ := setupRouter(t)
	w := doJSON(r, http.MethodPost, "/api/notifications/abc/replay", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/api/notifications/99/replay", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	rec := models.NotificationRecord{IssueID: "x", Kind: models.NotificationKindEvidenceSubmitted, Recipients: "a@corp.com", Subject: "s", Status: models.NotificationStatusDead, Attempts: 8}
	require.NoError(t, config.GetDB().Create(&rec).Error)
	w = doJSON(r, http.MethodPost, "/api/notifications/"+strconv.Itoa(rec.ID)+"/replay", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got models.NotificationRecord
	require.NoError(t, config.GetDB().First(&got, rec.ID).Error)
	assert.Equal(t, models.NotificationStatusFailed, got.Status)
	assert.Zero(t, got.Attempts)
}

func TestListAuditIssues_ViewerPinnedForRestrictedRoles(t *testing.T) {
	r, _ := setupRouter(t)
	createIssue(t, r)

	// viewerRouter serves the list handler behind a fixed session identity.
	viewerRouter := func(role, email string) *gin.Engine {
		e := gin.New()
		e.Use(func(c *gin.Context) {
			ctx := utils.SetUserRoleInContext(c.Request.Context(), role)
			if email != "" {
				ctx = utils.SetUserEmailInContext(ctx, email)
			}
			c.Request = c.Request.WithContext(ctx)
			c.Next()
		})
		e.GET("/api/audit-issues", listAuditIssuesHandler())
		return e
	}
	count := func(e *gin.Engine, target string) int {
		w := doJSON(e, http.MethodGet, target, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var issues []map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issues))
		return len(issues)
	}

	outsider := viewerRouter("user", "outsider@corp.com")
	assert.Equal(t, 0, count(outsider, "/api/audit-issues?viewer=pr@corp.com"))
	assert.Equal(t, 0, count(outsider, "/api/audit-issues"))

	owner := viewerRouter("user", "pr@corp.com")
	assert.Equal(t, 1, count(owner, "/api/audit-issues?viewer=outsider@corp.com"))

	assert.Equal(t, 0, count(viewerRouter("user", ""), "/api/audit-issues"))

	auditor := viewerRouter("auditor", "audit@corp.com")
	assert.Equal(t, 1, count(auditor, "/api/audit-issues?viewer=pr@corp.com"))
	assert.Equal(t, 0, count(auditor, "/api/audit-issues?viewer=outsider@corp.com"))
	assert.Equal(t, 1, count(auditor, "/api/audit-issues"))
}

func TestFilesEndpoint_OnlyServesUploadFolders(t *testing.T) {
	r, _ := setupRouter(t)
	t.Setenv("STORAGE_PROVIDER", "local")

	w := doJSON(r, http.MethodGet, "/files?key=config/service-account.json", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid key"}`, w.Body.String())

	w = doJSON(r, http.MethodGet, "/files?key=evidence/1/file.pdf", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"storage provider not supported"}`, w.Body.String())
}

func TestStartupAnswersCORSBeforeReadiness(t *testing.T) {
	r, _ := setupRouter(t)
	config.SetDB(nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/audit-issues", nil)
	req.Header.Set("Origin", "https://audit.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/audit-issues", nil)
	req.Header.Set("Origin", "https://audit.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
