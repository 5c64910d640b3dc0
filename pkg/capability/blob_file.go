package capability

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/fabric/pkg/canonicalize"
)

// FileBlobStore is a filesystem-backed BlobStore. Key-addressed blobs live
// under keys/, content-addressed blobs under cas/. Writes go through a temp
// file plus rename so partially written blobs are never visible.
type FileBlobStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileBlobStore creates a blob store rooted at baseDir.
func NewFileBlobStore(baseDir string) (*FileBlobStore, error) {
	for _, sub := range []string{"keys", "cas"} {
		//nolint:gosec // G301: 0755 is intentional for shared blob directory
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to ensure blob dir: %w", err)
		}
	}
	return &FileBlobStore{baseDir: baseDir}, nil
}

func (s *FileBlobStore) Put(ctx context.Context, key string, data []byte) (BlobRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.keyPath(key)
	if err != nil {
		return "", err
	}
	//nolint:gosec // G301: parent dirs for scoped keys
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to ensure key dir: %w", err)
	}
	if err := atomicWrite(path, data); err != nil {
		return "", err
	}
	return BlobRef(key), nil
}

func (s *FileBlobStore) PutIdempotent(ctx context.Context, data []byte) (BlobRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := canonicalize.ContentHash(data)
	path := filepath.Join(s.baseDir, "cas", strings.TrimPrefix(ref, "sha256:")+".blob")
	if _, err := os.Stat(path); err == nil {
		return BlobRef(ref), nil // already present
	}
	if err := atomicWrite(path, data); err != nil {
		return "", err
	}
	return BlobRef(ref), nil
}

func (s *FileBlobStore) Get(ctx context.Context, ref BlobRef) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, err := s.refPath(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path validated by refPath
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob read failed: %w", err)
	}
	return data, nil
}

func (s *FileBlobStore) Exists(ctx context.Context, ref BlobRef) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, err := s.refPath(ref)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("blob stat failed: %w", err)
	}
	return true, nil
}

func (s *FileBlobStore) Delete(ctx context.Context, ref BlobRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.refPath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob delete failed: %w", err)
	}
	return nil
}

func (s *FileBlobStore) PresignRead(ctx context.Context, ref BlobRef, ttl time.Duration) (string, error) {
	return "", ErrPresignUnsupported
}

func (s *FileBlobStore) refPath(ref BlobRef) (string, error) {
	str := string(ref)
	if strings.HasPrefix(str, "sha256:") {
		raw := strings.TrimPrefix(str, "sha256:")
		if _, err := hex.DecodeString(raw); err != nil {
			return "", fmt.Errorf("invalid content hash: %w", err)
		}
		return filepath.Join(s.baseDir, "cas", raw+".blob"), nil
	}
	return s.keyPath(str)
}

func (s *FileBlobStore) keyPath(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid blob key: %q", key)
	}
	// Keys may be scoped paths like "tenant/user/tmp/<uuid>".
	escaped := make([]string, 0, 4)
	for _, part := range strings.Split(key, "/") {
		escaped = append(escaped, url.PathEscape(part))
	}
	return filepath.Join(append([]string{s.baseDir, "keys"}, escaped...)...), nil
}

func atomicWrite(path string, data []byte) error {
	tmpPath := path + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for readable blob files
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to commit blob: %w", err)
	}
	return nil
}
