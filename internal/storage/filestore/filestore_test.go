package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	syncerrors "github.com/devrev/tiersync/internal/errors"
	"github.com/devrev/tiersync/internal/storage"
	"github.com/devrev/tiersync/internal/storage/diskmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir(), nil, zap.NewNop())
	require.NoError(t, err)

	_, err = s.Get(ctx, "t1/2024")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Put(ctx, "t1/2024", []byte(`{"entities":{}}`)))
	require.NoError(t, s.Put(ctx, "t1/2024", []byte(`{"entities":{"A":{}}}`)))

	got, err := s.Get(ctx, "t1/2024")
	require.NoError(t, err)
	assert.Equal(t, `{"entities":{"A":{}}}`, string(got))

	require.NoError(t, s.Delete(ctx, "t1/2024"))
	require.NoError(t, s.Delete(ctx, "t1/2024"))
	_, err = s.Get(ctx, "t1/2024")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_KeysStayInsideDir(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil, zap.NewNop())
	require.NoError(t, err)

	for _, key := range []string{"../escape", "t1/..", "t1/a b"} {
		p := s.path(key)
		rel, err := filepath.Rel(dir, p)
		require.NoError(t, err)
		assert.NotContains(t, filepath.ToSlash(rel), "../", key)
	}
}

func TestStore_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir(), nil, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "t1/2024", []byte("payload")))
	p := s.path("t1/2024")
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	raw[0] ^= 0xFF
	require.NoError(t, os.WriteFile(p, raw, 0o644))

	_, err = s.Get(ctx, "t1/2024")
	assert.Equal(t, syncerrors.ErrCodeCorruptedData, syncerrors.GetCode(err))
}

func TestStore_DiskGuard(t *testing.T) {
	dir := t.TempDir()
	cfg := diskmanager.DefaultConfig(dir)
	cfg.CheckInterval = time.Hour
	cfg.Stat = func(string) (diskmanager.Usage, error) {
		return diskmanager.Usage{TotalBytes: 100, AvailableBytes: 1}, nil
	}
	dm, err := diskmanager.NewDiskManager(cfg, zap.NewNop())
	require.NoError(t, err)

	s, err := Open(dir, dm, zap.NewNop())
	require.NoError(t, err)

	err = s.Put(context.Background(), "t1/2024", []byte("payload"))
	assert.Equal(t, syncerrors.ErrCodeDiskFull, syncerrors.GetCode(err))
}
