package utils

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

const contentLengthRangeHeader = "x-goog-content-length-range"

// SignedUpload lets a browser PUT a large evidence file straight into the bucket.
// The client must send every entry of Headers with the PUT.
type SignedUpload struct {
	UploadURL string            `json:"uploadUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ObjectKey string            `json:"objectKey"`
	AccessURL string            `json:"accessUrl"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// EvidenceUploadRequest describes the file a reviewer-facing client is about to upload.
type EvidenceUploadRequest struct {
	IssueID     string
	FileName    string
	ContentType string
	MaxBytes    int64
	Expires     time.Duration
}

// gcsSigner holds whichever identity signs the URL: a private key, or the IAM SignBlob API.
type gcsSigner struct {
	email      string
	privateKey []byte
	signBytes  func([]byte) ([]byte, error)
}

func (s gcsSigner) apply(opts *storage.SignedURLOptions) {
	opts.GoogleAccessID = s.email
	if len(s.privateKey) > 0 {
		opts.PrivateKey = s.privateKey
		return
	}
	opts.SignBytes = s.signBytes
}

// SignEvidenceUpload issues a V4 PUT URL for a new object under evidence/<issueId>/.
// The bucket rejects bodies larger than MaxBytes.
func SignEvidenceUpload(ctx context.Context, req EvidenceUploadRequest) (*SignedUpload, error) {
	if GetStorageProvider() != StorageProviderGCS {
		return nil, fmt.Errorf("storage provider %q is not supported for signed uploads", GetStorageProvider())
	}
	bucket, err := gcsBucket()
	if err != nil {
		return nil, err
	}
	signer, err := resolveGCSSigner(ctx)
	if err != nil {
		return nil, err
	}

	objectKey := ObjectKey(EvidenceFolder, req.IssueID, req.FileName)
	headers := map[string]string{"Content-Type": req.ContentType}
	var signedHeaders []string
	if req.MaxBytes > 0 {
		headers[contentLengthRangeHeader] = "0," + strconv.FormatInt(req.MaxBytes, 10)
		signedHeaders = append(signedHeaders, contentLengthRangeHeader+":"+headers[contentLengthRangeHeader])
	}

	opts := &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      "PUT",
		Expires:     time.Now().Add(req.Expires),
		ContentType: req.ContentType,
		Headers:     signedHeaders,
	}
	signer.apply(opts)

	signedURL, err := storage.SignedURL(bucket, objectKey, opts)
	if err != nil {
		return nil, fmt.Errorf("sign evidence upload: %w", err)
	}
	return &SignedUpload{
		UploadURL: signedURL,
		Method:    opts.Method,
		Headers:   headers,
		ObjectKey: objectKey,
		AccessURL: GCSObjectPath(objectKey),
		ExpiresAt: opts.Expires,
	}, nil
}

// resolveGCSSigner prefers an explicit key (GCS_CREDENTIALS_JSON, then GCS_SIGNER_EMAIL plus
// GCS_SIGNER_PRIVATE_KEY) and otherwise signs through IAM as the runtime service account.
func resolveGCSSigner(ctx context.Context) (gcsSigner, error) {
	if credJSON := strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_JSON")); credJSON != "" {
		var key struct {
			ClientEmail string `json:"client_email"`
			PrivateKey  string `json:"private_key"`
		}
		if err := json.Unmarshal([]byte(credJSON), &key); err != nil {
			return gcsSigner{}, fmt.Errorf("invalid GCS_CREDENTIALS_JSON: %w", err)
		}
		if key.ClientEmail == "" || key.PrivateKey == "" {
			return gcsSigner{}, errors.New("GCS_CREDENTIALS_JSON missing client_email or private_key")
		}
		return gcsSigner{email: key.ClientEmail, privateKey: pemBytes(key.PrivateKey)}, nil
	}

	email := strings.TrimSpace(os.Getenv("GCS_SIGNER_EMAIL"))
	if pk := strings.TrimSpace(os.Getenv("GCS_SIGNER_PRIVATE_KEY")); email != "" && pk != "" {
		return gcsSigner{email: email, privateKey: pemBytes(pk)}, nil
	}
	if email == "" && metadata.OnGCE() {
		defaultEmail, err := metadata.EmailWithContext(ctx, "default")
		if err != nil {
			return gcsSigner{}, fmt.Errorf("metadata service account email: %w", err)
		}
		email = defaultEmail
	}
	if email == "" {
		return gcsSigner{}, errors.New("GCS_SIGNER_EMAIL is required when no private key is provided")
	}

	creds, err := google.FindDefaultCredentials(ctx, iamcredentials.CloudPlatformScope)
	if err != nil {
		return gcsSigner{}, fmt.Errorf("load default credentials: %w", err)
	}
	svc, err := iamcredentials.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return gcsSigner{}, fmt.Errorf("iamcredentials service: %w", err)
	}
	resource := "projects/-/serviceAccounts/" + email
	return gcsSigner{
		email: email,
		signBytes: func(data []byte) ([]byte, error) {
			resp, err := svc.Projects.ServiceAccounts.SignBlob(resource, &iamcredentials.SignBlobRequest{
				Payload: base64.StdEncoding.EncodeToString(data),
			}).Do()
			if err != nil {
				return nil, err
			}
			return base64.StdEncoding.DecodeString(resp.SignedBlob)
		},
	}, nil
}

// pemBytes undoes the \n escaping private keys get when stored in env files.
func pemBytes(key string) []byte {
	return []byte(strings.ReplaceAll(key, "\\n", "\n"))
}
