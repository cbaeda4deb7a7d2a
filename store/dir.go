package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/gogpu/tilemap/tile"
)

// Dir stores one file per tile under a root directory.
//
// Writes go to a uniquely named temporary file that is renamed into place,
// so readers never observe a partial tile.
type Dir struct {
	root string
	path PathFunc
}

// NewDir creates root if needed. A nil path uses DefaultPattern.
func NewDir(root string, path PathFunc) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: create cache directory: %w", err)
	}
	if path == nil {
		path, _ = XYZPath(DefaultPattern)
	}
	return &Dir{root: root, path: path}, nil
}

func (d *Dir) file(key tile.Key) string {
	return filepath.Join(d.root, filepath.FromSlash(d.path(key)))
}

func (d *Dir) Get(ctx context.Context, key tile.Key) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(d.file(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: read %s: %w", key, err)
	}
	return data, true, nil
}

func (d *Dir) Put(ctx context.Context, key tile.Key, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := d.file(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("store: create tile directory: %w", err)
	}

	tmp := p + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store: rename %s: %w", key, err)
	}
	return nil
}
