package models

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/audit_tracker/config"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB installs a fresh in-memory database as the global DB.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// one connection keeps every query on the same in-memory database
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(Models()...))

	prev := config.GetDB()
	config.SetDB(db)
	config.SetRedisClient(nil)
	t.Cleanup(func() {
		config.SetDB(prev)
		_ = sqlDB.Close()
	})
	return db
}

func mustCreateIssue(t *testing.T, input *NewAuditIssue) *AuditIssue {
	t.Helper()
	if input.Process == "" {
		input.Process = "Procurement"
	}
	if input.Observation == "" {
		input.Observation = "Vendor master changes are not reviewed"
	}
	issue, err := CreateAuditIssue(context.Background(), input)
	require.NoError(t, err)
	return issue
}

// memoryStore is a FileStore that keeps uploads in memory.
type memoryStore struct {
	mu    sync.Mutex
	saved map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{saved: map[string]string{}}
}

func (s *memoryStore) Save(ctx context.Context, objectKey string, r io.Reader, contentType string) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[objectKey] = string(b)
	return "/uploads/" + objectKey, nil
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func textFile(name string, content string) UploadedFile {
	return UploadedFile{
		Name:     name,
		MimeType: "text/plain",
		Size:     int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}
