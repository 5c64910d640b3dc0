//go:build gcp

package capability

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/loomworks/fabric/pkg/canonicalize"
)

// GCSBlobStore implements BlobStore on Google Cloud Storage.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds configuration for GCSBlobStore.
type GCSConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSBlobStore creates a GCS-backed blob store (uses ADC by default).
func NewGCSBlobStore(ctx context.Context, cfg GCSConfig) (*GCSBlobStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSBlobStore) Put(ctx context.Context, key string, data []byte) (BlobRef, error) {
	objectPath, err := s.objectPath(BlobRef(key))
	if err != nil {
		return "", err
	}
	if err := s.write(ctx, objectPath, data); err != nil {
		return "", err
	}
	return BlobRef(key), nil
}

func (s *GCSBlobStore) PutIdempotent(ctx context.Context, data []byte) (BlobRef, error) {
	ref := canonicalize.ContentHash(data)
	objectPath, err := s.objectPath(BlobRef(ref))
	if err != nil {
		return "", err
	}

	obj := s.client.Bucket(s.bucket).Object(objectPath)
	if _, err := obj.Attrs(ctx); err == nil {
		return BlobRef(ref), nil // already present
	}
	if err := s.write(ctx, objectPath, data); err != nil {
		return "", err
	}
	return BlobRef(ref), nil
}

func (s *GCSBlobStore) Get(ctx context.Context, ref BlobRef) ([]byte, error) {
	objectPath, err := s.objectPath(ref)
	if err != nil {
		return nil, err
	}

	reader, err := s.client.Bucket(s.bucket).Object(objectPath).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", ref, err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gcs read failed for %s: %w", ref, err)
	}
	return data, nil
}

func (s *GCSBlobStore) Exists(ctx context.Context, ref BlobRef) (bool, error) {
	objectPath, err := s.objectPath(ref)
	if err != nil {
		return false, err
	}

	_, err = s.client.Bucket(s.bucket).Object(objectPath).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs stat failed for %s: %w", ref, err)
	}
	return true, nil
}

func (s *GCSBlobStore) Delete(ctx context.Context, ref BlobRef) error {
	objectPath, err := s.objectPath(ref)
	if err != nil {
		return err
	}

	err = s.client.Bucket(s.bucket).Object(objectPath).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed for %s: %w", ref, err)
	}
	return nil
}

func (s *GCSBlobStore) PresignRead(ctx context.Context, ref BlobRef, ttl time.Duration) (string, error) {
	objectPath, err := s.objectPath(ref)
	if err != nil {
		return "", err
	}

	url, err := s.client.Bucket(s.bucket).SignedURL(objectPath, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("gcs signed url failed for %s: %w", ref, err)
	}
	return url, nil
}

func (s *GCSBlobStore) write(ctx context.Context, objectPath string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs commit failed: %w", err)
	}
	return nil
}

func (s *GCSBlobStore) objectPath(ref BlobRef) (string, error) {
	str := string(ref)
	if strings.HasPrefix(str, "sha256:") {
		raw := strings.TrimPrefix(str, "sha256:")
		if _, err := hex.DecodeString(raw); err != nil {
			return "", fmt.Errorf("invalid content hash: %w", err)
		}
		return s.prefix + "cas/" + raw + ".blob", nil
	}
	if str == "" || strings.Contains(str, "..") {
		return "", fmt.Errorf("invalid blob key: %q", str)
	}
	return s.prefix + "keys/" + str, nil
}
