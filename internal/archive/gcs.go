// Package archive stores raw source payloads for later replay and
// audit.
package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	hash "github.com/tagpipe/hashtag-importer/internal/hash/sha256"
)

// GCSArchiver implements importer.Archiver on a Google Cloud Storage
// bucket. Objects are keyed by prefix plus the payload's SHA-256, so
// re-archiving an identical payload overwrites the same object.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	hasher *hash.Hasher
	logger *zap.Logger
}

// NewGCSArchiver creates a GCS client and verifies the bucket is reachable.
func NewGCSArchiver(ctx context.Context, bucket string, logger *zap.Logger) (*GCSArchiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive.gcs: bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close gcs client after bucket check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("get gcs bucket %q attributes: %w", bucket, err)
	}
	return &GCSArchiver{client: client, bucket: bucket, hasher: hash.New(), logger: logger}, nil
}

// Archive uploads the payload and returns its object URI.
func (g *GCSArchiver) Archive(ctx context.Context, key, contentType string, payload []byte) (string, error) {
	object := fmt.Sprintf("%s/%s", key, g.hasher.Hash(payload))
	wc := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := wc.Write(payload); err != nil {
		if closeErr := wc.Close(); closeErr != nil {
			g.logger.Warn("close gcs writer after write failure", zap.Error(closeErr))
		}
		return "", fmt.Errorf("write gcs object %s: %w", object, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("close gcs writer for object %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, object), nil
}
