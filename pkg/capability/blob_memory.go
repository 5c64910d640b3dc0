package capability

import (
	"context"
	"sync"
	"time"

	"github.com/loomworks/fabric/pkg/canonicalize"
)

// MemoryBlobStore is the reference BlobStore for tests and single-process use.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[BlobRef][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[BlobRef][]byte)}
}

func (s *MemoryBlobStore) Put(ctx context.Context, key string, data []byte) (BlobRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := BlobRef(key)
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[ref] = cp
	return ref, nil
}

func (s *MemoryBlobStore) PutIdempotent(ctx context.Context, data []byte) (BlobRef, error) {
	ref := BlobRef(canonicalize.ContentHash(data))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[ref]; exists {
		return ref, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[ref] = cp
	return ref, nil
}

func (s *MemoryBlobStore) Get(ctx context.Context, ref BlobRef) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryBlobStore) Exists(ctx context.Context, ref BlobRef) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[ref]
	return ok, nil
}

func (s *MemoryBlobStore) Delete(ctx context.Context, ref BlobRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, ref)
	return nil
}

func (s *MemoryBlobStore) PresignRead(ctx context.Context, ref BlobRef, ttl time.Duration) (string, error) {
	return "", ErrPresignUnsupported
}

// Len returns the number of stored blobs. Test helper.
func (s *MemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
