//go:build !gcp

package kernel

import (
	"context"
	"errors"

	"github.com/emergence-labs/agora/pkg/checkpoint"
	"github.com/emergence-labs/agora/pkg/config"
)

func newGCSArchive(context.Context, config.PersistenceConfig) (checkpoint.Archive, error) {
	return nil, errors.New("archive backend gcs requires a binary built with the gcp tag")
}
