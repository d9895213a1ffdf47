// Package objstore provides read-only access to externally stored file
// sets. The runtime only needs listing and (range) reads; it treats the
// store as a byte stream provider. Backends: minio for S3-compatible
// object storage, local for a directory on disk.
package objstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Reader lists and reads objects.
type Reader interface {
	// List returns objects whose keys start with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Get opens the object for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// GetRange opens length bytes of the object starting at offset.
	GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
}

// Fetch copies an object into dir, preserving the key's base name, and
// returns the local path. The staging engine reads local files only.
func Fetch(ctx context.Context, r Reader, key, dir string) (string, error) {
	src, err := r.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer func() { _ = src.Close() }()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create scratch dir: %w", err)
	}

	dest := filepath.Join(dir, filepath.Base(key))
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create scratch file: %w", err)
	}

	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		_ = os.Remove(dest)
		return "", fmt.Errorf("failed to copy object %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize scratch file: %w", err)
	}
	return dest, nil
}
