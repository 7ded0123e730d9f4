package utils

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
	// If you need to provide explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// GCSReportStorage stores issued report content in a GCS bucket. The digest
// returned is computed over exactly the bytes handed to the writer, after
// the writer is closed, so it reflects what the bucket accepted.
type GCSReportStorage struct{}

func (s *GCSReportStorage) Upload(ctx context.Context, objectName string, content []byte) (string, string, error) {
	bucketName := os.Getenv("GCS_REPORT_BUCKET")
	if bucketName == "" {
		return "", "", errors.New("GCS_REPORT_BUCKET is required")
	}

	client, err := getGoogleClient(ctx)
	if err != nil {
		return "", "", err
	}
	defer client.Close()

	if _, err := client.Bucket(bucketName).Attrs(ctx); err != nil {
		return "", "", fmt.Errorf("gcs bucket %q not found or not accessible: %v", bucketName, err)
	}

	wc := client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	wc.ContentType = http.DetectContentType(content)

	hasher := sha256.New()
	if _, err := wc.Write(content); err != nil {
		wc.Close()
		return "", "", err
	}
	hasher.Write(content)
	if err := wc.Close(); err != nil {
		return "", "", err
	}

	remoteRef := fmt.Sprintf("gs://%s/%s", bucketName, objectName)
	return remoteRef, hex.EncodeToString(hasher.Sum(nil)), nil
}
