package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devrev/tiersync/internal/canonical"
	syncerrors "github.com/devrev/tiersync/internal/errors"
	"github.com/devrev/tiersync/internal/keys"
	"github.com/devrev/tiersync/internal/model"
	"github.com/devrev/tiersync/internal/scheduler"
	"github.com/devrev/tiersync/internal/storage/memtier"
	"github.com/devrev/tiersync/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const tenantID = "household"

type tiers struct {
	fast, local, cloud *memtier.Store
}

func newOrchestrator(t *testing.T, withCloud bool, tweak func(*Config)) (*Orchestrator, tiers) {
	t.Helper()
	registry := validation.NewRegistry()
	require.NoError(t, registry.Register("Account", validation.RequireFields("name")))

	tt := tiers{fast: memtier.New(), local: memtier.New()}
	cfg := Config{
		Tenant:        model.Tenant{ID: tenantID, Name: "Test household"},
		Registry:      registry,
		Strategy:      keys.NewSingleKeyStrategy("all"),
		Fast:          tt.fast,
		Local:         tt.local,
		FastInterval:  time.Hour,
		CloudInterval: time.Hour,
		Scheduler:     scheduler.Config{TickInterval: 2 * time.Millisecond},
		Logger:        zap.NewNop(),
	}
	if withCloud {
		tt.cloud = memtier.New()
		cfg.Cloud = tt.cloud
	}
	if tweak != nil {
		tweak(&cfg)
	}

	o, err := New(cfg)
	require.NoError(t, err)
	return o, tt
}

func load(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Load(ctx))
	t.Cleanup(func() { _ = o.Unload(context.Background()) })
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name  string
		tweak func(*Config)
		code  syncerrors.ErrorCode
	}{
		{"empty tenant", func(c *Config) { c.Tenant.ID = "" }, syncerrors.ErrCodeValidation},
		{"missing registry", func(c *Config) { c.Registry = nil }, syncerrors.ErrCodeConfiguration},
		{"missing strategy", func(c *Config) { c.Strategy = nil }, syncerrors.ErrCodeConfiguration},
		{"missing local tier", func(c *Config) { c.Local = nil }, syncerrors.ErrCodeConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				Tenant:   model.Tenant{ID: tenantID},
				Registry: validation.NewRegistry(),
				Strategy: keys.NewSingleKeyStrategy("all"),
				Fast:     memtier.New(),
				Local:    memtier.New(),
			}
			tt.tweak(&cfg)
			_, err := New(cfg)
			require.Error(t, err)
			assert.Equal(t, tt.code, syncerrors.GetCode(err))
		})
	}
}

func TestOrchestrator_SyncNowFlushesAllTiers(t *testing.T) {
	o, tt := newOrchestrator(t, true, nil)
	load(t, o)
	ctx := context.Background()

	dirty, err := o.Dirty(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)

	id, err := o.Data().Save(ctx, "Account", model.Entity{Fields: map[string]any{"name": "Checking"}})
	require.NoError(t, err)

	dirty, err = o.Dirty(ctx)
	require.NoError(t, err)
	assert.True(t, dirty)

	require.NoError(t, o.SyncNow(ctx))

	dirty, err = o.Dirty(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)

	for name, tier := range map[string]*memtier.Store{"local": tt.local, "cloud": tt.cloud} {
		data, err := tier.LoadData(ctx, tenantID, "all")
		require.NoError(t, err)
		got, ok := data.Get("Account", id)
		require.True(t, ok, name)
		assert.Equal(t, "Checking", got.Field("name"), name)
	}

	st, err := o.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Loaded)
	assert.False(t, st.Dirty)
	assert.Equal(t, 1, st.Tiers["cloud"].Shards)
	assert.Equal(t, st.Tiers["fast"].Version, st.Tiers["cloud"].Version)
}

func TestOrchestrator_LoadPullsFromCloud(t *testing.T) {
	o, tt := newOrchestrator(t, true, nil)
	ctx := context.Background()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	data := model.NewEntityKeyData()
	data.Set("Account", model.Entity{ID: "all_aaaaaaaaaaaa", CreatedAt: at, UpdatedAt: at, Version: 3, Fields: map[string]any{"name": "Remote"}})
	entry, err := canonical.Describe(data.Clone(), at)
	require.NoError(t, err)
	require.NoError(t, tt.cloud.StoreData(ctx, tenantID, "all", data))
	md := model.NewMetadata(at)
	md.UpdatedAt, md.Version = at, 1
	md.EntityKeys["all"] = entry
	require.NoError(t, tt.cloud.StoreMetadata(ctx, tenantID, md))

	load(t, o)

	inLocal, err := o.Metadata().LocalContains(ctx, "all")
	require.NoError(t, err)
	assert.True(t, inLocal)
	assert.False(t, tt.fast.Contains(tenantID, "all"), "fast tier hydrates lazily")

	got, err := o.Data().MustGet(ctx, "Account", "all_aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, "Remote", got.Field("name"))

	dirty, err := o.Dirty(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestOrchestrator_PeriodicSync(t *testing.T) {
	o, tt := newOrchestrator(t, false, func(c *Config) { c.FastInterval = 10 * time.Millisecond })
	load(t, o)
	ctx := context.Background()

	id, err := o.Data().Save(ctx, "Account", model.Entity{Fields: map[string]any{"name": "Checking"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		data, err := tt.local.LoadData(ctx, tenantID, "all")
		if err != nil || data == nil {
			return false
		}
		_, ok := data.Get("Account", id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		dirty, err := o.Dirty(ctx)
		return err == nil && !dirty
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_WithoutCloud(t *testing.T) {
	o, _ := newOrchestrator(t, false, nil)
	load(t, o)
	ctx := context.Background()

	_, err := o.Data().Save(ctx, "Account", model.Entity{Fields: map[string]any{"name": "Checking"}})
	require.NoError(t, err)
	require.NoError(t, o.SyncNow(ctx))

	st, err := o.Status(ctx)
	require.NoError(t, err)
	assert.NotContains(t, st.Tiers, "cloud")
	assert.False(t, st.Dirty)
}

func TestOrchestrator_UnloadRejectsFurtherSyncs(t *testing.T) {
	o, _ := newOrchestrator(t, false, nil)
	ctx := context.Background()
	require.NoError(t, o.Load(ctx))
	require.NoError(t, o.Unload(ctx))
	assert.False(t, o.Loaded())

	err := o.SyncNow(ctx)
	require.Error(t, err)
	assert.Equal(t, syncerrors.ErrCodeShuttingDown, syncerrors.GetCode(err))
}

// newDevice creates a loaded orchestrator with its own fast and local tiers
// over a cloud tier shared with other devices
func newDevice(t *testing.T, cloud *memtier.Store) (*Orchestrator, tiers) {
	t.Helper()
	o, tt := newOrchestrator(t, true, func(c *Config) { c.Cloud = cloud })
	tt.cloud = cloud
	load(t, o)
	return o, tt
}

func save(t *testing.T, o *Orchestrator, name string) string {
	t.Helper()
	id, err := o.Data().Save(context.Background(), "Account", model.Entity{Fields: map[string]any{"name": name}})
	require.NoError(t, err)
	return id
}

func TestOrchestrator_SeesWritesFromAnotherDevice(t *testing.T) {
	cloud := memtier.New()
	d1, _ := newDevice(t, cloud)
	d2, _ := newDevice(t, cloud)
	ctx := context.Background()

	id := save(t, d1, "Checking")
	require.NoError(t, d1.SyncNow(ctx))

	res, err := d2.Scheduler().Sync(ctx, model.TierLocal, model.TierCloud)
	require.NoError(t, err)
	assert.False(t, res.Unchanged)
	assert.Equal(t, 1, res.OpsToA)

	got, err := d2.Data().MustGet(ctx, "Account", id)
	require.NoError(t, err)
	assert.Equal(t, "Checking", got.Field("name"))
}

func TestOrchestrator_KeepsSyncedWritesOfEveryDevice(t *testing.T) {
	cloud := memtier.New()
	d1, _ := newDevice(t, cloud)
	d2, _ := newDevice(t, cloud)
	ctx := context.Background()

	id1 := save(t, d1, "Checking")
	require.NoError(t, d1.SyncNow(ctx))
	id2 := save(t, d2, "Savings")
	require.NoError(t, d2.SyncNow(ctx))
	require.NoError(t, d1.SyncNow(ctx))

	data, err := cloud.LoadData(ctx, tenantID, "all")
	require.NoError(t, err)
	for _, id := range []string{id1, id2} {
		_, ok := data.Get("Account", id)
		assert.True(t, ok, "cloud lost %s", id)
		for name, d := range map[string]*Orchestrator{"d1": d1, "d2": d2} {
			_, ok, err := d.Data().Get(ctx, "Account", id)
			require.NoError(t, err)
			assert.True(t, ok, "%s misses %s", name, id)
		}
	}
}

func TestOrchestrator_TwoDevicesConverge(t *testing.T) {
	cloud := memtier.New()
	d1, _ := newDevice(t, cloud)
	d2, _ := newDevice(t, cloud)
	devices := []*Orchestrator{d1, d2}
	ctx := context.Background()

	shared := save(t, d1, "Shared")
	require.NoError(t, d1.SyncNow(ctx))
	require.NoError(t, d2.SyncNow(ctx))

	const rounds = 15
	var (
		mu  sync.Mutex
		ids []string
		wg  sync.WaitGroup
	)
	for n, d := range devices {
		wg.Add(1)
		go func(n int, d *Orchestrator) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				id, err := d.Data().Save(ctx, "Account", model.Entity{Fields: map[string]any{"name": fmt.Sprintf("d%d-%d", n, i)}})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids = append(ids, id)
				mu.Unlock()

				_, err = d.Data().Save(ctx, "Account", model.Entity{ID: shared, Fields: map[string]any{"name": fmt.Sprintf("shared d%d-%d", n, i)}})
				assert.NoError(t, err)
				if i%3 == 0 {
					assert.NoError(t, d.Data().Delete(ctx, "Account", id))
				}
				assert.NoError(t, d.SyncNow(ctx))
			}
		}(n, d)
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		for _, d := range devices {
			require.NoError(t, d.SyncNow(ctx))
		}
	}

	hashOf := func(d *Orchestrator, tier model.Tier) string {
		md, err := d.Metadata().GetMetadata(ctx, tier)
		require.NoError(t, err)
		return md.EntityKeys["all"].Hash
	}
	want := hashOf(d1, model.TierCloud)
	require.NotEmpty(t, want)
	for n, d := range devices {
		assert.Equal(t, want, hashOf(d, model.TierFast), "d%d fast", n)
		assert.Equal(t, want, hashOf(d, model.TierLocal), "d%d local", n)
	}

	for _, id := range ids {
		_, active1, err := d1.Data().Get(ctx, "Account", id)
		require.NoError(t, err)
		_, active2, err := d2.Data().Get(ctx, "Account", id)
		require.NoError(t, err)
		assert.Equal(t, active1, active2, id)
	}
	s1, err := d1.Data().MustGet(ctx, "Account", shared)
	require.NoError(t, err)
	s2, err := d2.Data().MustGet(ctx, "Account", shared)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}
