package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GetGCSClient initializes a Google Cloud Storage client.
// Prefers ADC; set GCS_CREDENTIALS_JSON to provide explicit credentials.
func GetGCSClient(ctx context.Context) (*storage.Client, error) {
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// GCSFileStore uploads objects to Bucket; objects are streamed back through /files?key=.
type GCSFileStore struct {
	Bucket string
}

func (s *GCSFileStore) Save(ctx context.Context, objectKey string, r io.Reader, contentType string) (string, error) {
	if s.Bucket == "" {
		return "", errors.New("GCS_BUCKET is required")
	}
	client, err := GetGCSClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	wc := client.Bucket(s.Bucket).Object(objectKey).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := io.Copy(wc, r); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("gcs upload %q: %w", objectKey, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("gcs upload %q: %w", objectKey, err)
	}
	return GCSObjectPath(objectKey), nil
}

func gcsBucket() (string, error) {
	bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if bucket == "" {
		return "", errors.New("GCS_BUCKET is required")
	}
	return bucket, nil
}

// GCSObjectPath is the API path that streams objectKey back to clients.
func GCSObjectPath(objectKey string) string {
	return "/files?key=" + url.QueryEscape(objectKey)
}

// StatGCSObject reports the stored size and content type of objectKey.
func StatGCSObject(ctx context.Context, objectKey string) (int64, string, error) {
	bucket, err := gcsBucket()
	if err != nil {
		return 0, "", err
	}
	client, err := GetGCSClient(ctx)
	if err != nil {
		return 0, "", err
	}
	defer client.Close()
	attrs, err := client.Bucket(bucket).Object(objectKey).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return 0, "", ErrorRecordNotFound
		}
		return 0, "", err
	}
	return attrs.Size, attrs.ContentType, nil
}

// OpenGCSObject returns a reader plus content type and size for objectKey.
// The caller must close both the reader and the client.
func OpenGCSObject(ctx context.Context, objectKey string) (*storage.Client, *storage.Reader, error) {
	bucket, err := gcsBucket()
	if err != nil {
		return nil, nil, err
	}
	client, err := GetGCSClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	reader, err := client.Bucket(bucket).Object(objectKey).NewReader(ctx)
	if err != nil {
		client.Close()
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, nil, ErrorRecordNotFound
		}
		return nil, nil, err
	}
	return client, reader, nil
}
