package utils

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	StorageProviderLocal = "local"
	StorageProviderGCS   = "gcs"
)

// FileStore persists uploaded evidence and annexure files.
type FileStore interface {
	// Save writes r under objectKey and returns the path clients use to fetch it.
	Save(ctx context.Context, objectKey string, r io.Reader, contentType string) (string, error)
}

func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderLocal
	}
	return provider
}

// NewFileStore picks the store configured by STORAGE_PROVIDER. uploadsDir is used by the local store.
func NewFileStore(uploadsDir string) FileStore {
	if GetStorageProvider() == StorageProviderGCS {
		return &GCSFileStore{Bucket: strings.TrimSpace(os.Getenv("GCS_BUCKET"))}
	}
	return &LocalFileStore{Root: uploadsDir, URLPrefix: "/uploads"}
}

const (
	EvidenceFolder = "evidence"
	AnnexureFolder = "annexure"
)

// IsUploadObjectKey reports whether key names an object this service stored under one of
// its upload folders.
func IsUploadObjectKey(key string) bool {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return false
	}
	return strings.HasPrefix(key, EvidenceFolder+"/") || strings.HasPrefix(key, AnnexureFolder+"/")
}

// ObjectKey builds "<folder>/<issueId>/<uuid><ext>" from an uploaded file name.
func ObjectKey(folder string, issueId string, fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	name := uuid.NewString()
	if e := sanitizeSegment(ext); e != "" {
		name += "." + e
	}
	return path.Join(sanitizeSegment(folder), sanitizeSegment(issueId), name)
}

// sanitizeSegment keeps lowercase alphanumerics, '-' and '_'. Dots are dropped so a segment
// can never climb out of its folder.
func sanitizeSegment(input string) string {
	var out strings.Builder
	for _, r := range strings.ToLower(input) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			out.WriteRune(r)
		}
	}
	return out.String()
}

// LocalFileStore writes below Root and serves files under URLPrefix.
type LocalFileStore struct {
	Root      string
	URLPrefix string
}

func (s *LocalFileStore) Save(ctx context.Context, objectKey string, r io.Reader, contentType string) (string, error) {
	if strings.Contains(objectKey, "..") {
		return "", ErrorUnsupportedFile
	}
	full := filepath.Join(s.Root, filepath.FromSlash(objectKey))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(full)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = os.Remove(full)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path.Join(s.URLPrefix, objectKey), nil
}
