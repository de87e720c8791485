// Package local writes snapshot objects under a directory on disk.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config names the snapshot root directory.
type Config struct {
	Dir string `mapstructure:"dir"`
}

// BlobStore writes objects as files below a root directory.
type BlobStore struct {
	root string
}

// New ensures cfg.Dir exists and is a directory.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	root := filepath.Clean(cfg.Dir)
	info, err := os.Stat(root)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(root, 0o750); err != nil {
			return nil, fmt.Errorf("create snapshot directory: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat snapshot directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("snapshot path %s is not a directory", root)
	}
	return &BlobStore{root: root}, nil
}

// PutObject writes r to root/path and returns a file:// URI. Paths that
// escape the root are rejected.
func (s *BlobStore) PutObject(_ context.Context, path, _ string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("object path is required")
	}
	full := filepath.Join(s.root, path)
	if !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("object path %q escapes snapshot directory", path)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	return "file://" + full, nil
}
