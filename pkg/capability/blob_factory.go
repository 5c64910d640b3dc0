package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// BlobBackend selects the blob storage adapter.
type BlobBackend string

const (
	BlobBackendFS  BlobBackend = "fs"
	BlobBackendS3  BlobBackend = "s3"
	BlobBackendGCS BlobBackend = "gcs"
)

// NewBlobStoreFromEnv creates a blob store based on environment variables.
//
//   - BLOB_BACKEND: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: base directory for the filesystem store (default "data")
//
// For S3:
//   - BLOB_S3_BUCKET (required)
//   - BLOB_S3_REGION or AWS_REGION
//   - BLOB_ENDPOINT (optional, for MinIO/LocalStack)
//   - BLOB_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - BLOB_GCS_BUCKET (required)
//   - BLOB_GCS_PREFIX (optional)
func NewBlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	backend := BlobBackend(os.Getenv("BLOB_BACKEND"))
	if backend == "" {
		backend = BlobBackendFS
	}

	switch backend {
	case BlobBackendFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileBlobStore(filepath.Join(dataDir, "blobs"))
	case BlobBackendS3:
		return newS3BlobStoreFromEnv(ctx)
	case BlobBackendGCS:
		return newGCSBlobStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s", backend)
	}
}

func newS3BlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	bucket := os.Getenv("BLOB_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("BLOB_S3_BUCKET is required for S3 storage")
	}

	region := os.Getenv("BLOB_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3BlobStore(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("BLOB_ENDPOINT"),
		Prefix:   os.Getenv("BLOB_S3_PREFIX"),
	})
}
