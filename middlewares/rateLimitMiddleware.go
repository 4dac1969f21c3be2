package middlewares

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"bitbucket.org/mmdatafocus/audit_tracker/utils"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

// RateLimiterFromEnv returns nil unless RATE_LIMIT_ENABLED is set and Redis is connected.
func RateLimiterFromEnv() *RateLimiter {
	if !config.RateLimitEnabled() {
		return nil
	}
	client := config.GetRedisDB()
	if client == nil {
		config.GetLogger().Warn("RATE_LIMIT_ENABLED=true but redis is not connected; rate limiting disabled")
		return nil
	}
	return NewRateLimiter(client,
		int64(config.IntFromEnv("RATE_LIMIT_MAX_REQUESTS", 600)),
		time.Duration(config.IntFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60))*time.Second)
}

// rateLimitSubject buckets signed-in viewers by email and everyone else by client IP.
func rateLimitSubject(c *gin.Context) string {
	if email, ok := utils.GetUserEmailFromContext(c.Request.Context()); ok && email != "" {
		return "user:" + email
	}
	return "ip:" + c.ClientIP()
}

// Handler counts requests per subject in fixed windows. Redis errors fail open.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := "RateLimit:" + rateLimitSubject(c)

		pipe := rl.client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, rl.window)
		if _, err := pipe.Exec(ctx); err != nil {
			c.Next()
			return
		}

		if incr.Val() > rl.limit {
			seconds := int(rl.window.Seconds())
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", seconds),
			})
			return
		}
		c.Next()
	}
}
