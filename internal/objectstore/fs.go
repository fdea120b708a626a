package objectstore

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSStore serves objects from a directory tree on local disk. Keys map
// to slash-separated paths below the root. Used for self-hosted
// deployments where the bucket is an NFS/local mount, and in tests.
type FSStore struct {
	root   string
	logger *slog.Logger
}

// NewFSStore creates a filesystem-backed store rooted at dir
func NewFSStore(dir string, logger *slog.Logger) (*FSStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat store root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("store root is not a directory: %s", dir)
	}

	return &FSStore{root: dir, logger: logger}, nil
}

// GetObject reads the file backing the given key
func (s *FSStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}

	s.logger.Debug("Object read from filesystem store",
		slog.String("key", key),
		slog.Int("size", len(data)),
	)

	return data, nil
}

// ListObjects walks the tree and returns every key with the given prefix
func (s *FSStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}

		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
	}

	sort.Strings(keys)
	return keys, nil
}

// resolve maps a key to an absolute path, rejecting path traversal
func (s *FSStore) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid object key: %s", key)
	}
	return filepath.Join(s.root, clean), nil
}
