package memtier

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/tiersync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_EntityAccess(t *testing.T) {
	s := New()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	assert.False(t, s.Contains("t1", "2024"))

	s.Save("t1", "2024", "Account", model.Entity{ID: "a1", UpdatedAt: at})
	s.Save("t1", "2024", "Account", model.Entity{ID: "a2", UpdatedAt: at})
	assert.True(t, s.Contains("t1", "2024"))
	assert.False(t, s.Contains("t2", "2024"))

	e, ok := s.Get("t1", "2024", "Account", "a1")
	require.True(t, ok)
	assert.Equal(t, "a1", e.ID)
	assert.Len(t, s.GetAll("t1", "2024", "Account"), 2)

	assert.True(t, s.Delete("t1", "2024", "Account", "a1", at.Add(time.Hour)))
	assert.False(t, s.Delete("t1", "2024", "Account", "missing", at))

	d, err := s.LoadData(context.Background(), "t1", "2024")
	require.NoError(t, err)
	_, active := d.Get("Account", "a1")
	assert.False(t, active)
	deletedAt, tomb := d.DeletedAt("Account", "a1")
	assert.True(t, tomb)
	assert.Equal(t, at.Add(time.Hour), deletedAt)
}

func TestStore_LoadStoreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()

	d, err := s.LoadData(ctx, "t1", "2024")
	require.NoError(t, err)
	assert.Nil(t, d)

	in := model.NewEntityKeyData()
	in.Set("Account", model.Entity{ID: "a1"})
	require.NoError(t, s.StoreData(ctx, "t1", "2024", in))
	in.Set("Account", model.Entity{ID: "a2"})

	out, err := s.LoadData(ctx, "t1", "2024")
	require.NoError(t, err)
	assert.Len(t, out.All("Account"), 1)

	require.NoError(t, s.StoreData(ctx, "t1", "2023", nil))
	assert.Equal(t, []string{"2023", "2024"}, s.ShardKeys("t1"))

	require.NoError(t, s.ClearData(ctx, "t1", "2023"))
	assert.Equal(t, []string{"2024"}, s.ShardKeys("t1"))
}

func TestStore_Metadata(t *testing.T) {
	ctx := context.Background()
	s := New()

	md, err := s.LoadMetadata(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, md)

	in := model.NewMetadata(time.Now())
	in.Version = 4
	require.NoError(t, s.StoreMetadata(ctx, "t1", in))
	in.Version = 5

	md, err = s.LoadMetadata(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), md.Version)
}
