package middlewares

import (
	"context"
	"net/http"

	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"github.com/gin-gonic/gin"
)

// RequireRole rejects sessions whose role is not listed. Anonymous requests are left to the
// upstream proxy and pass through.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		role, ok := utils.GetUserRoleFromContext(c.Request.Context())
		if !ok || role == "" {
			c.Next()
			return
		}
		if role == RoleAdmin {
			c.Next()
			return
		}
		if _, ok := allowed[role]; !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// SeesAllIssues reports whether the session may list every issue instead of only its own.
func SeesAllIssues(ctx context.Context) bool {
	role, ok := utils.GetUserRoleFromContext(ctx)
	if !ok {
		return true
	}
	return role == RoleAdmin || role == RoleAuditor
}
