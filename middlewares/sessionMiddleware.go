package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"github.com/gin-gonic/gin"
)

// Session is the viewer record stored under "Session:<token>" by the login service.
type Session struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

const (
	RoleAdmin    = "admin"
	RoleAuditor  = "auditor"
	RoleApprover = "approver"
	RoleUser     = "user"
)

func sessionToken(c *gin.Context) string {
	if token := c.Request.Header.Get("token"); token != "" {
		return token
	}
	if auth := c.Request.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}

// SessionMiddleware resolves the session token into viewer identity on the request context.
// Requests without a token, or arriving while Redis is not configured, pass through anonymously.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := sessionToken(c)
		if token == "" || config.GetRedisDB() == nil {
			c.Next()
			return
		}
		var session Session
		exists, err := config.GetRedisObject("Session:"+token, &session)
		if err != nil {
			config.LogError(config.GetLogger(), "sessionMiddleware.go", "SessionMiddleware", "GetRedisObject", nil, err)
		}
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUserEmailInContext(ctx, strings.ToLower(strings.TrimSpace(session.Email)))
		ctx = utils.SetUserNameInContext(ctx, session.Name)
		ctx = utils.SetUserRoleInContext(ctx, strings.ToLower(session.Role))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
