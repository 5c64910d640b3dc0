package capability

import (
	"context"
	"time"
)

// BlobRef is an opaque locator for a stored blob. Key-addressed blobs use
// the key itself; content-addressed blobs use a "sha256:<hex>" content hash.
type BlobRef string

// BlobStore stores opaque byte payloads. Implementations must make Put
// replayable: writing the same key twice overwrites, writing the same
// content through PutIdempotent is a no-op returning the same ref.
type BlobStore interface {
	// Put stores data under an explicit key and returns its ref.
	Put(ctx context.Context, key string, data []byte) (BlobRef, error)

	// PutIdempotent stores data content-addressed by SHA-256.
	PutIdempotent(ctx context.Context, data []byte) (BlobRef, error)

	// Get retrieves the bytes for a ref.
	Get(ctx context.Context, ref BlobRef) ([]byte, error)

	// Exists reports whether a ref resolves.
	Exists(ctx context.Context, ref BlobRef) (bool, error)

	// Delete removes a blob. Deleting an absent ref is not an error.
	Delete(ctx context.Context, ref BlobRef) error

	// PresignRead returns a time-limited URL for direct reads, where the
	// backend supports it. Others return ErrPresignUnsupported.
	PresignRead(ctx context.Context, ref BlobRef, ttl time.Duration) (string, error)
}
