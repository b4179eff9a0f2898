package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv picks the archive backend.
//
// Environment variables:
//   - ARTIFACT_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: base directory for the filesystem store (default "data")
//   - ARTIFACT_S3_BUCKET (required for s3), ARTIFACT_S3_REGION or AWS_REGION,
//     ARTIFACT_S3_ENDPOINT, ARTIFACT_S3_PREFIX
//   - ARTIFACT_GCS_BUCKET (required for gcs), ARTIFACT_GCS_PREFIX
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("ARTIFACT_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "reports"))
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", storeType)
	}
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("ARTIFACT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
	}
	region := os.Getenv("ARTIFACT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
		Prefix:   envOr("ARTIFACT_S3_PREFIX", "reports/"),
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
