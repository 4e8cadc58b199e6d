package pebblestore

import (
	"context"
	"testing"

	"github.com/devrev/tiersync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	_, err = s.Get(ctx, "t1/2024")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Put(ctx, "t1/2024", []byte("v1")))
	got, err := s.Get(ctx, "t1/2024")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err = s.Get(ctx, "t1/2024")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))

	require.NoError(t, s.Delete(ctx, "t1/2024"))
	require.NoError(t, s.Delete(ctx, "t1/missing"))
	_, err = s.Get(ctx, "t1/2024")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
