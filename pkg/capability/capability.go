// Package capability defines the narrow infrastructure contracts the fabric
// is built on: blob storage, row storage with monotonic streams, pub/sub,
// cache, and vector search. Every contract ships a reference in-memory
// implementation plus at least one production adapter; higher layers only
// ever see the interfaces.
package capability

import "errors"

// Shared capability errors.
var (
	ErrNotFound           = errors.New("capability: not found")
	ErrConflict           = errors.New("capability: write conflict")
	ErrPresignUnsupported = errors.New("capability: presigned reads not supported by this store")
	ErrClosed             = errors.New("capability: closed")
)
