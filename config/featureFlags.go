package config

import (
	"os"
	"strings"
	"time"
)

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y" || v == "on"
}

// RateLimitEnabled reports RATE_LIMIT_ENABLED; the limiter also needs Redis.
func RateLimitEnabled() bool {
	return envBool("RATE_LIMIT_ENABLED")
}

// IsProduction reports GO_ENV=production.
func IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
}

// SkipMigrations disables AutoMigrate on startup (run it as a separate job instead).
func SkipMigrations() bool {
	return envBool("SKIP_MIGRATIONS")
}

// ReportCacheEnabled caches rendered report workbooks in Redis.
//
// Set via env:
// - ENABLE_REPORT_CACHE=true
// - REPORT_CACHE_TTL_SECONDS=120
func ReportCacheEnabled() bool {
	return envBool("ENABLE_REPORT_CACHE")
}

func ReportCacheTTL() time.Duration {
	return time.Duration(IntFromEnv("REPORT_CACHE_TTL_SECONDS", 120)) * time.Second
}

// MaxUploadBytes caps evidence, annexure and import uploads (MAX_UPLOAD_MB, default 25).
func MaxUploadBytes() int64 {
	return int64(IntFromEnv("MAX_UPLOAD_MB", 25)) << 20
}

func UploadsDir() string {
	if v := strings.TrimSpace(os.Getenv("UPLOADS_DIR")); v != "" {
		return v
	}
	return "uploads"
}

func StaticDir() string {
	if v := strings.TrimSpace(os.Getenv("STATIC_DIR")); v != "" {
		return v
	}
	return "build"
}

// AppBaseURL is used to build links inside notification emails.
func AppBaseURL() string {
	return strings.TrimRight(strings.TrimSpace(os.Getenv("APP_BASE_URL")), "/")
}
