//go:build gcp

package kernel

import (
	"context"

	"github.com/emergence-labs/agora/pkg/checkpoint"
	"github.com/emergence-labs/agora/pkg/config"
)

func newGCSArchive(ctx context.Context, cfg config.PersistenceConfig) (checkpoint.Archive, error) {
	return checkpoint.NewGCSArchive(ctx, checkpoint.GCSConfig{
		Bucket: cfg.GCS.Bucket,
		Prefix: cfg.GCS.Prefix,
	})
}
