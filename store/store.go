// Package store implements the persistent tier of the tile cache. A Store
// maps tile keys to raw bytes; it never decodes them.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gogpu/tilemap/tile"
)

// ErrInvalidPattern is returned for path patterns missing a placeholder.
var ErrInvalidPattern = errors.New("store: invalid path pattern")

// Store is a persistent byte cache keyed by tile.
//
// Get reports ok == false for a missing tile; err is reserved for backend
// failures.
type Store interface {
	Get(ctx context.Context, key tile.Key) (data []byte, ok bool, err error)
	Put(ctx context.Context, key tile.Key, data []byte) error
}

// Noop stores nothing.
type Noop struct{}

func (Noop) Get(context.Context, tile.Key) ([]byte, bool, error) { return nil, false, nil }
func (Noop) Put(context.Context, tile.Key, []byte) error         { return nil }

// PathFunc maps a key to a slash-separated relative path.
type PathFunc func(tile.Key) string

// DefaultPattern lays tiles out by scheme, style version and address.
const DefaultPattern = "{scheme}/{style}/{z}/{x}/{y}.tile"

// XYZPath builds a PathFunc from a pattern with {z}, {x} and {y}
// placeholders and optional {scheme} and {style}.
func XYZPath(pattern string) (PathFunc, error) {
	for _, p := range []string{"{x}", "{y}", "{z}"} {
		if !strings.Contains(pattern, p) {
			return nil, fmt.Errorf("%w: placeholder %v not found", ErrInvalidPattern, p)
		}
	}
	return func(k tile.Key) string {
		r := strings.NewReplacer(
			"{scheme}", k.Scheme,
			"{style}", strconv.FormatUint(uint64(k.StyleVersion), 10),
			"{z}", strconv.Itoa(int(k.Index.Z)),
			"{x}", strconv.FormatInt(k.Index.X, 10),
			"{y}", strconv.FormatInt(k.Index.Y, 10),
		)
		return r.Replace(pattern)
	}, nil
}
