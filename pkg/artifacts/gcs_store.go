//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore keeps blobs in a Cloud Storage bucket under an optional prefix.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore uses application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(hash string) (*storage.ObjectHandle, error) {
	name, err := objectName(hash)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(s.bucket).Object(s.prefix + name), nil
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	hash := ContentHash(data)
	obj, _ := s.object(hash)
	// DoesNotExist turns a concurrent duplicate upload into a precondition failure.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("artifacts: gcs write %s: %w", hash, err)
	}
	if err := w.Close(); err != nil {
		if ok, _ := s.Exists(ctx, hash); ok {
			return hash, nil
		}
		return "", fmt.Errorf("artifacts: gcs close %s: %w", hash, err)
	}
	return hash, nil
}

func (s *GCSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	obj, err := s.object(hash)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs get %s: %w", hash, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) Exists(ctx context.Context, hash string) (bool, error) {
	obj, err := s.object(hash)
	if err != nil {
		return false, err
	}
	_, err = obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("artifacts: gcs attrs %s: %w", hash, err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, hash string) error {
	obj, err := s.object(hash)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("artifacts: gcs delete %s: %w", hash, err)
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
