package receipts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalConfig captures the parameters for the local filesystem receipt store.
type LocalConfig struct {
	// BaseDir is the root directory where receipts will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// LocalStore writes receipts to the local filesystem. It is the default
// store for development and single-node deployments.
type LocalStore struct {
	baseDir string
}

// NewLocal creates a new local filesystem-backed receipt store.
func NewLocal(cfg LocalConfig) (*LocalStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	return &LocalStore{
		baseDir: cfg.BaseDir,
	}, nil
}

// PutReceipt writes the receipt body to a file and returns a file:// URI.
// The content type is ignored; the path's extension carries that information.
func (s *LocalStore) PutReceipt(_ context.Context, path string, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}

	fullPath := filepath.Join(s.baseDir, path)

	// Reject paths that escape the base directory.
	cleanBaseDir := filepath.Clean(s.baseDir)
	cleanFullPath := filepath.Clean(fullPath)
	if !strings.HasPrefix(cleanFullPath, cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}

	if err := os.MkdirAll(filepath.Dir(cleanFullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := os.WriteFile(cleanFullPath, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write receipt: %w", err)
	}

	return fmt.Sprintf("file://%s", cleanFullPath), nil
}
