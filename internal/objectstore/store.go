package objectstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no object exists at the requested key
var ErrNotFound = errors.New("object not found")

// Store is the object storage surface the orchestrator depends on.
// Manifests, audio files, and result files live behind this interface;
// the orchestrator itself only ever reads.
type Store interface {
	// GetObject returns the raw bytes stored at key, or ErrNotFound.
	GetObject(ctx context.Context, key string) ([]byte, error)

	// ListObjects returns the keys under the given prefix, in
	// lexicographic order.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}
