// Package filestore keeps every blob in its own file under a data directory.
// Files carry a CRC32 footer and are replaced atomically via rename.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/devrev/tiersync/internal/storage"
	"github.com/devrev/tiersync/internal/storage/diskmanager"
	"github.com/devrev/tiersync/internal/util"
	"go.uber.org/zap"
)

const fileExt = ".blob"

// Store implements storage.BlobStore on a directory tree
type Store struct {
	dir    string
	disk   *diskmanager.DiskManager
	logger *zap.Logger
}

// Open creates dir if needed. disk may be nil to disable the space guard.
func Open(dir string, disk *diskmanager.DiskManager, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Store{dir: dir, disk: disk, logger: logger}, nil
}

// Dir returns the data directory
func (s *Store) Dir() string {
	return s.dir
}

// path maps "tenant/shard" to <dir>/<tenant>/<shard>.blob with every
// segment escaped so keys cannot leave the data directory
func (s *Store) path(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
		if segments[i] == "." || segments[i] == ".." {
			segments[i] = strings.ReplaceAll(segments[i], ".", "%2E")
		}
	}
	return filepath.Join(s.dir, filepath.Join(segments...)) + fileExt
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	p := s.path(key)
	raw, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return util.Open(key, raw)
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	sealed := util.Seal(value)
	if s.disk != nil {
		if err := s.disk.CheckBeforeWrite(uint64(len(sealed))); err != nil {
			return err
		}
	}

	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("failed to rename into %s: %w", p, err)
	}

	s.logger.Debug("Blob written", zap.String("key", key), zap.Int("bytes", len(sealed)))
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}
