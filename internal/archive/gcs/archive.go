// Package gcs archives raw job-engine output in a Google Cloud Storage bucket.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

// Archive writes objects to a single configured bucket.
type Archive struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
}

var _ scrape.Archive = (*Archive)(nil)

// New wraps an existing storage client.
func New(client *storage.Client, bucket string, logger *zap.Logger) (*Archive, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{client: client, bucket: bucket, logger: logger.Named("gcs_archive")}, nil
}

// Open creates a client from Application Default Credentials and checks the
// bucket is reachable before returning.
func Open(ctx context.Context, bucket string, logger *zap.Logger) (*Archive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("close gcs client after bucket check failed", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("bucket %q attributes: %w", bucket, err)
	}
	return New(client, bucket, logger)
}

// PutObject uploads data and returns its gs:// URI.
func (a *Archive) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := a.client.Bucket(a.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	uri := fmt.Sprintf("gs://%s/%s", a.bucket, path)
	a.logger.Debug("archived object", zap.String("uri", uri), zap.Int("bytes", len(data)))
	return uri, nil
}

// Close releases the underlying client.
func (a *Archive) Close() error {
	return a.client.Close()
}
