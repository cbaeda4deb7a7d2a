package loader

import (
	"errors"
	"fmt"

	"github.com/gogpu/tilemap/tile"
)

// ErrNotFound is wrapped by fetchers to report a tile that does not exist.
// Such failures are permanent and never retried.
var ErrNotFound = errors.New("loader: tile not found")

// errAbandoned marks a flight cancelled because every waiter left.
var errAbandoned = errors.New("loader: fetch abandoned")

// Kind classifies a load failure.
type Kind uint8

const (
	// KindNetwork is a transient failure worth retrying.
	KindNetwork Kind = iota + 1
	// KindNotFound is permanent.
	KindNotFound
	// KindCancelled means the caller or every waiter gave up.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindNotFound:
		return "not_found"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// LoadError describes a failed tile load.
type LoadError struct {
	Kind Kind
	Key  tile.Key
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loader: %s %s: %v", e.Key, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Retryable reports whether loading the tile again may succeed.
func (e *LoadError) Retryable() bool { return e.Kind == KindNetwork }

// Is lets errors.Is(err, ErrNotFound) match any NotFound load error.
func (e *LoadError) Is(target error) bool {
	return target == ErrNotFound && e.Kind == KindNotFound
}

// KindOf returns the kind of a load error, or 0 if err is not one.
func KindOf(err error) Kind {
	var le *LoadError
	if errors.As(err, &le) {
		return le.Kind
	}
	return 0
}
