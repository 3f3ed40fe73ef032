//go:build gcp

package artifact

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("EVOLOOP_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("EVOLOOP_GCS_BUCKET is required for GCS storage")
	}

	cfg := GCSStoreConfig{
		Bucket: bucket,
		Prefix: os.Getenv("EVOLOOP_GCS_PREFIX"),
	}

	return NewGCSStore(ctx, cfg)
}
