//go:build gcp

package capability

import (
	"context"
	"fmt"
	"os"
)

func newGCSBlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	bucket := os.Getenv("BLOB_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("BLOB_GCS_BUCKET is required for GCS storage")
	}
	return NewGCSBlobStore(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv("BLOB_GCS_PREFIX"),
	})
}
