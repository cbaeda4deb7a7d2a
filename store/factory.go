package store

import (
	"context"
	"fmt"
	"io"
)

// Backend kinds accepted by Open.
const (
	KindNone   = "none"
	KindDir    = "dir"
	KindSQLite = "sqlite"
	KindRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Kind    string
	Dir     string
	Pattern string
	DSN     string
	Redis   RedisConfig
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds the backend named by opts.Kind. The returned closer releases
// backend resources.
func Open(ctx context.Context, opts Options) (Store, io.Closer, error) {
	switch opts.Kind {
	case "", KindNone:
		return Noop{}, nopCloser{}, nil
	case KindDir:
		var path PathFunc
		if opts.Pattern != "" {
			p, err := XYZPath(opts.Pattern)
			if err != nil {
				return nil, nil, err
			}
			path = p
		}
		d, err := NewDir(opts.Dir, path)
		if err != nil {
			return nil, nil, err
		}
		return d, nopCloser{}, nil
	case KindSQLite:
		s, err := OpenSQLite(opts.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case KindRedis:
		r, err := NewRedis(ctx, opts.Redis)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	default:
		return nil, nil, fmt.Errorf("store: unknown backend %q", opts.Kind)
	}
}
