package artifact

import (
	"context"
	"fmt"
	"os"
)

// StoreType represents the type of artifact storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv creates an artifact store based on environment variables.
//
// Environment variables:
//   - EVOLOOP_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - EVOLOOP_ARTIFACT_ROOT: Base directory for filesystem store (default: "artifacts")
//
// For S3:
//   - AWS_REGION or EVOLOOP_S3_REGION
//   - EVOLOOP_S3_BUCKET (required)
//   - EVOLOOP_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - EVOLOOP_S3_PREFIX (optional)
//
// For GCS (requires -tags gcp):
//   - EVOLOOP_GCS_BUCKET (required)
//   - EVOLOOP_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("EVOLOOP_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		return newFileStoreFromEnv()
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", storeType)
	}
}

func newFileStoreFromEnv() (Store, error) {
	root := os.Getenv("EVOLOOP_ARTIFACT_ROOT")
	if root == "" {
		root = "artifacts"
	}
	return NewFileStore(root)
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("EVOLOOP_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("EVOLOOP_S3_BUCKET is required for S3 storage")
	}
	region := os.Getenv("EVOLOOP_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	cfg := S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("EVOLOOP_S3_ENDPOINT"),
		Prefix:   os.Getenv("EVOLOOP_S3_PREFIX"),
	}
	return NewS3Store(ctx, cfg)
}
