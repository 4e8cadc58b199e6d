package access

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devrev/tiersync/internal/canonical"
	syncerrors "github.com/devrev/tiersync/internal/errors"
	"github.com/devrev/tiersync/internal/keys"
	"github.com/devrev/tiersync/internal/metadata"
	"github.com/devrev/tiersync/internal/model"
	"github.com/devrev/tiersync/internal/notify"
	"github.com/devrev/tiersync/internal/storage/memtier"
	"github.com/devrev/tiersync/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const tenant = "household"

type fixture struct {
	fast, local, cloud *memtier.Store
	notifier           *notify.Notifier
	meta               *metadata.Store
	manager            *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		fast:     memtier.New(),
		local:    memtier.New(),
		cloud:    memtier.New(),
		notifier: notify.NewNotifier(),
	}
	gate := &sync.RWMutex{}
	f.meta = metadata.New(tenant, metadata.Tiers{Fast: f.fast, Local: f.local, Cloud: f.cloud}, f.notifier, gate, zap.NewNop())
	t.Cleanup(f.meta.Close)

	registry := validation.NewRegistry()
	require.NoError(t, registry.Register("Account", validation.RequireFields("name")))
	require.NoError(t, registry.Register("Transaction", nil))

	strategy := keys.NewYearlyStrategy(map[string]string{"Transaction": "date"}, 2023)
	strategy.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }

	f.manager = New(Config{
		Tenant:      tenant,
		Partitioner: keys.NewPartitioner(strategy),
		Registry:    registry,
		Metadata:    f.meta,
		Notifier:    f.notifier,
		Gate:        gate,
		Logger:      zap.NewNop(),
	})
	return f
}

// seed stores data in a durable tier together with a matching metadata entry
func seed(t *testing.T, tier *memtier.Store, shardKey string, data *model.EntityKeyData, at time.Time) {
	t.Helper()
	ctx := context.Background()
	entry, err := canonical.Describe(data, at)
	require.NoError(t, err)
	require.NoError(t, tier.StoreData(ctx, tenant, shardKey, data))

	md, err := tier.LoadMetadata(ctx, tenant)
	require.NoError(t, err)
	if md == nil {
		md = model.NewMetadata(at)
	}
	md.EntityKeys[shardKey] = entry
	md.UpdatedAt = at
	md.Version++
	require.NoError(t, tier.StoreMetadata(ctx, tenant, md))
}

func account(id, name string) model.Entity {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return model.Entity{ID: id, CreatedAt: at, UpdatedAt: at, Version: 1, Fields: map[string]any{"name": name}}
}

func TestSave_AssignsIDAndStamps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var events []notify.EntityEvent
	f.notifier.OnEntity(func(ev notify.EntityEvent) { events = append(events, ev) })

	id, err := f.manager.Save(ctx, "Account", model.Entity{Fields: map[string]any{"name": "Checking"}})
	require.NoError(t, err)
	assert.Equal(t, "Account", f.manager.Partitioner().EntityKeyFromID(id))

	got, ok, err := f.manager.Get(ctx, "Account", id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), got.Version)
	assert.False(t, got.UpdatedAt.IsZero())
	assert.Equal(t, got.UpdatedAt, got.CreatedAt)

	require.Len(t, events, 1)
	assert.Equal(t, notify.EventSave, events[0].Type)
	assert.Equal(t, notify.OriginLocal, events[0].Origin)
	assert.Equal(t, "Account", events[0].ShardKey)
}

func TestSave_UpdateKeepsIDAndBumpsVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.manager.Save(ctx, "Account", model.Entity{Fields: map[string]any{"name": "Checking"}})
	require.NoError(t, err)
	first, _, err := f.manager.Get(ctx, "Account", id)
	require.NoError(t, err)

	again, err := f.manager.Save(ctx, "Account", model.Entity{ID: id, Fields: map[string]any{"name": "Savings"}})
	require.NoError(t, err)
	assert.Equal(t, id, again)

	second, _, err := f.manager.Get(ctx, "Account", id)
	require.NoError(t, err)
	assert.Equal(t, "Savings", second.Field("name"))
	assert.Equal(t, int64(2), second.Version)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestSave_ReassignsIDOfUnknownShard(t *testing.T) {
	f := newFixture(t)

	id, err := f.manager.Save(context.Background(), "Account", model.Entity{
		ID:     "Ghost_0123456789ab",
		Fields: map[string]any{"name": "Checking"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, "Ghost_0123456789ab", id)
	assert.Equal(t, "Account", f.manager.Partitioner().EntityKeyFromID(id))
}

func TestSave_Validation(t *testing.T) {
	tests := []struct {
		name       string
		entityType string
		entity     model.Entity
	}{
		{"unknown type", "Budget", model.Entity{}},
		{"reserved type", model.MetadataID, model.Entity{}},
		{"missing required field", "Account", model.Entity{Fields: map[string]any{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.manager.Save(context.Background(), tt.entityType, tt.entity)
			require.Error(t, err)
			assert.Equal(t, syncerrors.ErrCodeValidation, syncerrors.GetCode(err))
			assert.Empty(t, f.fast.ShardKeys(tenant))
		})
	}
}

func TestSave_NormalizesStrings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.manager.Save(ctx, "Account", model.Entity{Fields: map[string]any{"name": "Cafe\u0301"}})
	require.NoError(t, err)

	got, _, err := f.manager.Get(ctx, "Account", id)
	require.NoError(t, err)
	assert.Equal(t, "Caf\u00e9", got.Field("name"))
}

func TestSave_PartitionsByYear(t *testing.T) {
	f := newFixture(t)

	id, err := f.manager.Save(context.Background(), "Transaction", model.Entity{Fields: map[string]any{"date": "2023-03-04"}})
	require.NoError(t, err)
	assert.Equal(t, "Transaction-2023", f.manager.Partitioner().EntityKeyFromID(id))
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.manager.Save(ctx, "Account", model.Entity{Fields: map[string]any{"name": "Checking"}})
	require.NoError(t, err)

	var events []notify.EntityEvent
	f.notifier.OnEntity(func(ev notify.EntityEvent) { events = append(events, ev) })

	require.NoError(t, f.manager.Delete(ctx, "Account", id))
	_, ok, err := f.manager.Get(ctx, "Account", id)
	require.NoError(t, err)
	assert.False(t, ok)

	data, err := f.manager.GetEntityKeyData(ctx, "Account")
	require.NoError(t, err)
	_, tombstoned := data.DeletedAt("Account", id)
	assert.True(t, tombstoned)

	// deleting again is a no-op
	require.NoError(t, f.manager.Delete(ctx, "Account", id))
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventDelete, events[0].Type)

	_, err = f.manager.MustGet(ctx, "Account", id)
	assert.Equal(t, syncerrors.ErrCodeNotFound, syncerrors.GetCode(err))
}

func TestHydrate_FromLocal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	data := model.NewEntityKeyData()
	data.Set("Account", account("Account_aaaaaaaaaaaa", "Checking"))
	seed(t, f.local, "Account", data, at)

	var shards []notify.ShardEvent
	f.notifier.OnShard(func(ev notify.ShardEvent) { shards = append(shards, ev) })

	got, ok, err := f.manager.Get(ctx, "Account", "Account_aaaaaaaaaaaa")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Checking", got.Field("name"))

	require.Len(t, shards, 1)
	assert.Equal(t, notify.OriginHydration, shards[0].Origin)

	localEntry, _, err := f.meta.Entry(ctx, model.TierLocal, "Account")
	require.NoError(t, err)
	fastEntry, ok, err := f.meta.Entry(ctx, model.TierFast, "Account")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, localEntry, fastEntry)

	// the fast tier's stamp is untouched by hydration
	_, version, err := f.meta.Stamp(ctx, model.TierFast)
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)

	// a second access does not hydrate again
	_, _, err = f.manager.Get(ctx, "Account", "Account_aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Len(t, shards, 1)
}

func TestHydrate_FromCloudWritesThroughLocal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	data := model.NewEntityKeyData()
	data.Set("Account", account("Account_bbbbbbbbbbbb", "Savings"))
	seed(t, f.cloud, "Account", data, at)

	got, ok, err := f.manager.Get(ctx, "Account", "Account_bbbbbbbbbbbb")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Savings", got.Field("name"))

	stored, err := f.local.LoadData(ctx, tenant, "Account")
	require.NoError(t, err)
	require.NotNil(t, stored)
	_, ok = stored.Get("Account", "Account_bbbbbbbbbbbb")
	assert.True(t, ok)

	inLocal, err := f.meta.LocalContains(ctx, "Account")
	require.NoError(t, err)
	assert.True(t, inLocal)
}

func TestHydrate_ConcurrentAccessCopiesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data := model.NewEntityKeyData()
	data.Set("Account", account("Account_cccccccccccc", "Checking"))
	seed(t, f.local, "Account", data, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))

	var mu sync.Mutex
	hydrations := 0
	f.notifier.OnShard(func(notify.ShardEvent) {
		mu.Lock()
		hydrations++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.manager.Get(ctx, "Account", "Account_cccccccccccc")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, hydrations)
}

func TestGetAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, date := range []string{"2023-05-01", "2024-01-15", "2024-02-01"} {
		_, err := f.manager.Save(ctx, "Transaction", model.Entity{Fields: map[string]any{"date": date, "amount": 1.0}})
		require.NoError(t, err)
	}

	all, err := f.manager.GetAll(ctx, "Transaction", keys.QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	only2024, err := f.manager.GetAll(ctx, "Transaction", keys.QueryOptions{Years: []int{2024}})
	require.NoError(t, err)
	assert.Len(t, only2024, 2)

	byDate, err := f.manager.GetAll(ctx, "Transaction", keys.QueryOptions{
		Where: func(e model.Entity) bool { return e.Field("date") != "2024-01-15" },
		Less:  func(a, b model.Entity) bool { return a.Field("date").(string) > b.Field("date").(string) },
	})
	require.NoError(t, err)
	require.Len(t, byDate, 2)
	assert.Equal(t, "2024-02-01", byDate[0].Field("date"))
	assert.Equal(t, "2023-05-01", byDate[1].Field("date"))

	byID, err := f.manager.GetAll(ctx, "Transaction", keys.QueryOptions{IDs: []string{all[0].ID}})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, all[0].ID, byID[0].ID)
}

func TestGetEntityKeyData_MissingShardIsEmpty(t *testing.T) {
	f := newFixture(t)

	data, err := f.manager.GetEntityKeyData(context.Background(), "Nothing")
	require.NoError(t, err)
	assert.True(t, data.IsEmpty())
}
