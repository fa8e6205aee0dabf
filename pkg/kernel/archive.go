package kernel

import (
	"context"
	"fmt"

	"github.com/emergence-labs/agora/pkg/checkpoint"
	"github.com/emergence-labs/agora/pkg/config"
)

// newArchive builds the checkpoint archive named by persistence config.
// Config validation already vetted the backend name and bucket fields, so
// an unknown backend here is a programming error, not an operator one.
func newArchive(ctx context.Context, cfg config.PersistenceConfig) (checkpoint.Archive, error) {
	switch cfg.ArchiveBackend {
	case "", "fs":
		return checkpoint.NewFSArchive(cfg.CheckpointDir)
	case "s3":
		return checkpoint.NewS3Archive(ctx, checkpoint.S3Config{
			Bucket:   cfg.S3.Bucket,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
			Prefix:   cfg.S3.Prefix,
		})
	case "gcs":
		return newGCSArchive(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.ArchiveBackend)
	}
}
