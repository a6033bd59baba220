// Package receipts archives submission evidence so a completed task can be
// audited later. Stores implement pipeline.ReceiptStore.
package receipts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSConfig captures the parameters required to archive receipts in GCS.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// GCSStore writes receipts to a configured GCS bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS creates a GCS-backed receipt store.
func NewGCS(client *storage.Client, cfg GCSConfig) (*GCSStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// PutReceipt uploads the receipt body and returns a gs:// URI.
func (s *GCSStore) PutReceipt(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	objectPath := path
	if s.prefix != "" {
		objectPath = s.prefix + "/" + strings.TrimPrefix(path, "/")
	}
	writer := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy receipt: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy receipt: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, objectPath), nil
}
