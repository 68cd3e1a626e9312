package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	fileExt = ".png"
	tmpExt  = ".tmp"
)

// FileCache implements the disk tier as one flat directory per asset kind.
// Structure: {cacheDir}/{key}.png
type FileCache struct {
	cacheDir string
	logger   *zap.Logger
}

func NewFileCache(cacheDir string, logger *zap.Logger) (*FileCache, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FileCache{
		cacheDir: cacheDir,
		logger:   logger,
	}, nil
}

func (c *FileCache) Dir() string {
	return c.cacheDir
}

func (c *FileCache) buildFilePath(key string) string {
	return filepath.Join(c.cacheDir, key+fileExt)
}

func (c *FileCache) Read(_ context.Context, key string) ([]byte, bool) {
	data, err := os.ReadFile(c.buildFilePath(key))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Debug("Disk cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}

	return data, true
}

// Write stores data under key. The bytes go to a uniquely named temp file
// first, so concurrent readers and writers only ever see complete files.
func (c *FileCache) Write(_ context.Context, key string, data []byte) error {
	if err := os.MkdirAll(c.cacheDir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	filePath := c.buildFilePath(key)
	tmpPath := filepath.Join(c.cacheDir, "."+key+"."+uuid.NewString()+tmpExt)

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move cache file into place: %w", err)
	}

	return nil
}

func (c *FileCache) Delete(_ context.Context, key string) error {
	if err := os.Remove(c.buildFilePath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete cache file: %w", err)
	}
	return nil
}

// ClearAll removes every cache file and leftover temp file in the directory.
// Individual failures are logged and skipped.
func (c *FileCache) ClearAll(_ context.Context) error {
	entries, err := os.ReadDir(c.cacheDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !isCacheFile(entry.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(c.cacheDir, entry.Name())); err != nil {
			c.logger.Debug("Failed to remove cache file", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		removed++
	}

	c.logger.Info("Disk cache cleared", zap.String("cache_dir", c.cacheDir), zap.Int("removed", removed))
	return nil
}

// List returns the complete cache files currently on disk.
func (c *FileCache) List() ([]DiskFile, error) {
	entries, err := os.ReadDir(c.cacheDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	files := make([]DiskFile, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != fileExt {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, DiskFile{
			Key:     strings.TrimSuffix(name, fileExt),
			Bytes:   info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return files, nil
}

func (c *FileCache) Usage(_ context.Context) (Usage, error) {
	files, err := c.List()
	if err != nil {
		return Usage{}, err
	}
	u := Usage{Entries: len(files)}
	for _, f := range files {
		u.Bytes += f.Bytes
	}
	return u, nil
}

func isCacheFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == fileExt || (ext == tmpExt && strings.HasPrefix(name, "."))
}
