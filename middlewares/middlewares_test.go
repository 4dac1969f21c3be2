package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"bitbucket.org/mmdatafocus/audit_tracker/metrics"
	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// withRole seeds the request context the way SessionMiddleware does.
func withRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if role != "" {
			ctx := utils.SetUserRoleInContext(c.Request.Context(), role)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

func TestRequireRole(t *testing.T) {
	cases := []struct {
		role string
		want int
	}{
		{"", http.StatusOK},
		{RoleAdmin, http.StatusOK},
		{RoleAuditor, http.StatusOK},
		{RoleApprover, http.StatusOK},
		{RoleUser, http.StatusForbidden},
	}
	for _, tc := range cases {
		r := gin.New()
		r.PUT("/review", withRole(tc.role), RequireRole(RoleAuditor, RoleApprover), func(c *gin.Context) {
			c.Status(http.StatusOK)
		})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/review", nil))
		assert.Equal(t, tc.want, w.Code, "role %q", tc.role)
	}
}

func TestSeesAllIssues(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, SeesAllIssues(req.Context()))
	assert.True(t, SeesAllIssues(utils.SetUserRoleInContext(req.Context(), RoleAuditor)))
	assert.False(t, SeesAllIssues(utils.SetUserRoleInContext(req.Context(), RoleUser)))
}

func TestSessionMiddleware_PassesThroughWithoutRedis(t *testing.T) {
	config.SetRedisClient(nil)
	r := gin.New()
	r.Use(SessionMiddleware())
	var email string
	var found bool
	r.GET("/", func(c *gin.Context) {
		email, found = utils.GetUserEmailFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, found)
	assert.Empty(t, email)
}

func TestCorrelationMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CorrelationMiddleware())
	var seen string
	r.GET("/", func(c *gin.Context) {
		seen, _ = utils.GetCorrelationIdFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationHeader, "corr-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "corr-1", seen)
	assert.Equal(t, "corr-1", w.Header().Get(CorrelationHeader))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get(CorrelationHeader))
	assert.Equal(t, seen, w.Header().Get(CorrelationHeader))
}

func TestHTTPMetrics(t *testing.T) {
	r := gin.New()
	r.Use(HTTPMetrics())
	r.GET("/api/audit-issues/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	counter := metrics.RequestsTotal.WithLabelValues("/api/audit-issues/:id", http.MethodGet, "404")
	before := testutil.ToFloat64(counter)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/audit-issues/abc", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(counter))

	unmatched := metrics.RequestsTotal.WithLabelValues("unmatched", http.MethodGet, "404")
	before = testutil.ToFloat64(unmatched)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(unmatched))
}

func TestRateLimitSubject(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/audit-issues", nil)
	c.Request.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "ip:10.1.2.3", rateLimitSubject(c))

	c.Request = c.Request.WithContext(utils.SetUserEmailInContext(c.Request.Context(), "pr@corp.com"))
	assert.Equal(t, "user:pr@corp.com", rateLimitSubject(c))
}

func TestRateLimiterFromEnvNeedsRedis(t *testing.T) {
	config.SetRedisClient(nil)
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	assert.Nil(t, RateLimiterFromEnv())

	t.Setenv("RATE_LIMIT_ENABLED", "true")
	assert.Nil(t, RateLimiterFromEnv())
}
