//go:build gcp

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/emergence-labs/agora/pkg/contracts"
)

// GCSConfig holds the settings for a GCS-backed archive.
type GCSConfig struct {
	Bucket string
	Prefix string // optional object prefix, e.g. "checkpoints/"
}

// GCSArchive stores checkpoints as GCS objects using application default
// credentials.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSArchive dials GCS. Close the archive when done.
func NewGCSArchive(ctx context.Context, cfg GCSConfig) (*GCSArchive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("checkpoint: gcs archive needs a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: create gcs client: %w", err)
	}
	return &GCSArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Close releases the underlying client.
func (a *GCSArchive) Close() error {
	return a.client.Close()
}

func (a *GCSArchive) Put(ctx context.Context, doc *Document) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("checkpoint: marshal document: %w", err)
	}
	name := objectName(doc)
	w := a.client.Bucket(a.bucket).Object(a.prefix + name).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("checkpoint: gcs write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("checkpoint: gcs close %s: %w", name, err)
	}
	return name, nil
}

func (a *GCSArchive) Get(ctx context.Context, name string) (*Document, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	r, err := a.client.Bucket(a.bucket).Object(a.prefix + name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, contracts.Errorf(contracts.CodeNotFound, "checkpoint %q not found", name)
		}
		return nil, fmt.Errorf("checkpoint: gcs get %s: %w", name, err)
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: gcs read %s: %w", name, err)
	}
	return decode(raw)
}

func (a *GCSArchive) List(ctx context.Context) ([]string, error) {
	it := a.client.Bucket(a.bucket).Objects(ctx, &storage.Query{Prefix: a.prefix + namePrefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("checkpoint: gcs list: %w", err)
		}
		names = append(names, strings.TrimPrefix(attrs.Name, a.prefix))
	}
	sort.Strings(names)
	return names, nil
}

func (a *GCSArchive) Latest(ctx context.Context) (*Document, string, error) {
	return latest(ctx, a)
}
