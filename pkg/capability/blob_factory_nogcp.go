//go:build !gcp

package capability

import (
	"context"
	"fmt"
)

func newGCSBlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	return nil, fmt.Errorf("gcs backend requires building with the gcp tag")
}
