// Package artifacts archives canonical run reports in content-addressed storage.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned by Get for a hash that is not stored.
	ErrNotFound = errors.New("artifacts: artifact not found")
	// ErrInvalidHash is returned for anything other than "sha256:<64 hex>".
	ErrInvalidHash = errors.New("artifacts: invalid hash format")
)

// Store is content-addressed storage. Keys are "sha256:<hex>" of the bytes.
type Store interface {
	// Put persists data and returns its content hash. Storing the same bytes twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
}

// ContentHash returns the "sha256:<hex>" address of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// objectName validates hash and returns the blob name it is stored under.
func objectName(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, "sha256:")
	if !ok || len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("%w: %s", ErrInvalidHash, hash)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidHash, hash)
	}
	return raw + ".blob", nil
}

// FileStore keeps blobs in one directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: archive directory is shared with operators
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure dir %s: %w", baseDir, err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	hash := ContentHash(data)
	name, _ := objectName(hash)
	path := filepath.Join(s.baseDir, name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	// Write then rename so readers never see a partial blob.
	tmp := path + ".tmp"
	//nolint:gosec // G306: archived reports are not secret
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("artifacts: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("artifacts: commit blob: %w", err)
	}
	return hash, nil
}

func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	name, err := objectName(hash)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(filepath.Join(s.baseDir, name)) //nolint:gosec // name is validated hex
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return data, err
}

func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	name, err := objectName(hash)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(filepath.Join(s.baseDir, name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (s *FileStore) Delete(_ context.Context, hash string) error {
	name, err := objectName(hash)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(filepath.Join(s.baseDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("artifacts: delete %s: %w", hash, err)
	}
	return nil
}
