package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emergence-labs/agora/pkg/contracts"
)

const (
	namePrefix = "checkpoint-"
	nameSuffix = ".json"
	nameLayout = "20060102T150405"
)

// Archive stores checkpoint documents durably. Names sort in creation order,
// so the lexicographically last name is the newest checkpoint.
type Archive interface {
	// Put stores doc and returns the name it was stored under.
	Put(ctx context.Context, doc *Document) (string, error)
	// Get loads the named document.
	Get(ctx context.Context, name string) (*Document, error)
	// List returns all stored names in ascending (oldest-first) order.
	List(ctx context.Context) ([]string, error)
	// Latest loads the newest document. Empty archives return not_found.
	Latest(ctx context.Context) (*Document, string, error)
}

// objectName derives the archive name for a document: timestamp first so
// names sort chronologically, a document-id fragment to break ties.
func objectName(doc *Document) string {
	id := doc.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s%s-%s%s", namePrefix, doc.Timestamp.UTC().Format(nameLayout), id, nameSuffix)
}

func validName(name string) error {
	if !strings.HasPrefix(name, namePrefix) || !strings.HasSuffix(name, nameSuffix) ||
		name != filepath.Base(name) {
		return contracts.Errorf(contracts.CodeInvalidArgument, "%q is not a checkpoint name", name)
	}
	return nil
}

func decode(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, contracts.WrapError(contracts.CodeInvalidArgument,
			"checkpoint document does not parse", err)
	}
	return &doc, nil
}

// latest is the shared Latest implementation over List and Get.
func latest(ctx context.Context, a Archive) (*Document, string, error) {
	names, err := a.List(ctx)
	if err != nil {
		return nil, "", err
	}
	if len(names) == 0 {
		return nil, "", contracts.NewError(contracts.CodeNotFound, "no checkpoints archived")
	}
	name := names[len(names)-1]
	doc, err := a.Get(ctx, name)
	if err != nil {
		return nil, "", err
	}
	return doc, name, nil
}

// FSArchive keeps checkpoints as JSON files in one directory. Writes go to a
// temp file in the same directory and rename into place, so a crashed write
// never leaves a half-written checkpoint under a live name.
type FSArchive struct {
	dir string
}

// NewFSArchive creates dir if needed and returns the archive.
func NewFSArchive(dir string) (*FSArchive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create archive dir: %w", err)
	}
	return &FSArchive{dir: dir}, nil
}

// Dir returns the archive directory.
func (a *FSArchive) Dir() string { return a.dir }

func (a *FSArchive) Put(_ context.Context, doc *Document) (string, error) {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("checkpoint: marshal document: %w", err)
	}
	name := objectName(doc)
	tmp, err := os.CreateTemp(a.dir, ".tmp-"+name)
	if err != nil {
		return "", fmt.Errorf("checkpoint: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return "", fmt.Errorf("checkpoint: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("checkpoint: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("checkpoint: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(a.dir, name)); err != nil {
		return "", fmt.Errorf("checkpoint: publish %s: %w", name, err)
	}
	return name, nil
}

func (a *FSArchive) Get(_ context.Context, name string) (*Document, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(a.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, contracts.Errorf(contracts.CodeNotFound, "checkpoint %q not found", name)
		}
		return nil, fmt.Errorf("checkpoint: read %s: %w", name, err)
	}
	return decode(raw)
}

func (a *FSArchive) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list archive: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.Type().IsRegular() && strings.HasPrefix(name, namePrefix) && strings.HasSuffix(name, nameSuffix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (a *FSArchive) Latest(ctx context.Context) (*Document, string, error) {
	return latest(ctx, a)
}
