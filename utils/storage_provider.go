package utils

import (
	"context"
	"os"
	"strings"
)

const (
	StorageProviderGCS = "gcs"
)

// ReportStorage is the remote durable storage collaborator. Upload returns
// the provider's reference for the stored object plus the digest of what it
// actually stored, so the caller can detect transport corruption at
// upload-confirmation time.
type ReportStorage interface {
	Upload(ctx context.Context, objectName string, content []byte) (remoteRef string, uploadedDigest string, err error)
}

func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderGCS
	}
	return provider
}

// NewReportStorage picks the configured provider. GCS is the only one wired
// in production today.
func NewReportStorage() ReportStorage {
	switch GetStorageProvider() {
	default:
		return &GCSReportStorage{}
	}
}
